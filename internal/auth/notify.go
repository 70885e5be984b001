package auth

import (
	"context"
	"time"
)

// Notifier delivers account notifications. Failures are logged by the caller and
// never fail the operation that triggered them.
type Notifier interface {
	NotifyWelcome(ctx context.Context, email, name string) error
	NotifyPasswordReset(ctx context.Context, email, resetLink string) error
}

// Recorder receives authentication outcome metrics.
type Recorder interface {
	RecordAttempt(flow, outcome string)
	RecordIdentityCreated(provider string)
	RecordIdentityRace(flow string)
	RecordNotifyFailure(kind string)
	RecordOAuthDuration(provider string, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordAttempt(string, string)                {}
func (noopRecorder) RecordIdentityCreated(string)                {}
func (noopRecorder) RecordIdentityRace(string)                   {}
func (noopRecorder) RecordNotifyFailure(string)                  {}
func (noopRecorder) RecordOAuthDuration(string, time.Duration)   {}
