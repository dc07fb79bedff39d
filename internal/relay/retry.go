package relay

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Failure codes reported to pollers
const (
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeProcessingFailed = "PROCESSING_FAILED"
	CodeEnqueueFailed    = "ENQUEUE_FAILED"
)

// Failure describes why a request ended in the failed state. Its message
// is shown to the caller, so it must not carry internal error text.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

// Fail returns a permanent error that is reported to the caller as code and msg
func Fail(code, msg string) error {
	return Permanent(&Failure{Code: code, Message: msg})
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// failureFor maps a terminal error to what the caller sees
func failureFor(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Code: CodeProcessingFailed, Message: "the request could not be processed"}
}

// RetryPolicy bounds redelivery of transiently failing requests
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each delay, 0 disables it
	Jitter float64
}

// DefaultRetryPolicy is 5 attempts, 1s initial delay doubling up to 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

// Exhausted reports whether attempt was the last one allowed
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns how long to wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
