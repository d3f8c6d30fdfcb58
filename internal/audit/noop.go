package audit

import (
	"context"
	"time"
)

// noopLogger discards every event. Used by tests and examples that don't
// care about the audit trail.
type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything it is given.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Log(context.Context, *Event) error                                   { return nil }
func (noopLogger) LogInvestigationStarted(context.Context, string) error               { return nil }
func (noopLogger) LogInvestigationCompleted(context.Context, string, time.Duration) error { return nil }
func (noopLogger) LogInvestigationFailed(context.Context, string, error) error          { return nil }
func (noopLogger) LogMutationApproved(context.Context, string, string, string) error    { return nil }
func (noopLogger) LogMutationRejected(context.Context, string, string, string) error    { return nil }
func (noopLogger) LogMutationBlocked(context.Context, string, string, string) error     { return nil }
func (noopLogger) LogParseFailed(context.Context, string, error) error                  { return nil }
func (noopLogger) LogPhaseTransition(context.Context, string, string, string) error     { return nil }
func (noopLogger) Sync() error                                                          { return nil }
func (noopLogger) Close() error                                                         { return nil }
