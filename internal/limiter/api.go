package limiter

import (
	"context"
	"time"
)

// Verify sends a VerifyRequest to the actor's mailbox and waits for the
// serialized reply, never touching shard state from the caller's
// goroutine.
func (a *Actor) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	reply := make(chan verifyResult, 1)
	select {
	case a.mailbox <- verifyCmd{req: req, reply: reply}:
	case <-ctx.Done():
		return VerifyResponse{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.resp, res.err
	case <-ctx.Done():
		return VerifyResponse{}, ctx.Err()
	}
}

// Report sends a ReportRequest to the actor's mailbox.
func (a *Actor) Report(ctx context.Context, req ReportRequest) (ReportResponse, error) {
	reply := make(chan reportResult, 1)
	select {
	case a.mailbox <- reportCmd{req: req, reply: reply}:
	case <-ctx.Done():
		return ReportResponse{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.resp, res.err
	case <-ctx.Done():
		return ReportResponse{}, ctx.Err()
	}
}

// Prewarm forwards a prewarm request to the actor.
func (a *Actor) Prewarm(ctx context.Context, projectID string, now int64) error {
	reply := make(chan error, 1)
	select {
	case a.mailbox <- prewarmCmd{projectID: projectID, now: unixMilliToTime(now), reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset forwards a reset request to the actor.
func (a *Actor) Reset(ctx context.Context) (ResetResult, error) {
	reply := make(chan resetResult, 1)
	select {
	case a.mailbox <- resetCmd{reply: reply}:
	case <-ctx.Done():
		return ResetResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.result, res.err
	case <-ctx.Done():
		return ResetResult{}, ctx.Err()
	}
}

// SubscribeDebug registers ch to receive this shard's debug broadcasts.
// The returned unsubscribe func must be called when the caller's
// streaming connection closes.
func (a *Actor) SubscribeDebug(ch chan DebugEvent) (unsubscribe func()) {
	a.mailbox <- subscribeDebugCmd{ch: ch}
	return func() {
		select {
		case a.mailbox <- unsubscribeDebugCmd{ch: ch}:
		default:
		}
	}
}

func unixMilliToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
