package types

// Environment selects the TTL profile the limiter runs under. Several spec
// knobs (placeholder revalidation, usage-sync cadence) are deliberately
// shorter outside production so integration tests don't wait on real-world
// timers.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentPreview     Environment = "preview"
	EnvironmentDevelopment Environment = "development"
)

// IsProduction reports whether idempotence-key composition and cache
// behaviour should assume the analytics sink dedupes on idempotenceKey alone.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
)
