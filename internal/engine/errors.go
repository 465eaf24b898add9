package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped   = errors.New("engine stopped")
	ErrNoWorker  = errors.New("no worker registered for service")
	ErrQueueFull = errors.New("service queue full")
)

// InvalidScheduleError is returned when a cron expression does not parse.
type InvalidScheduleError struct {
	ServiceID string
	Expr      string
	Err       error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q for service %s: %v", e.Expr, e.ServiceID, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// NoRetry marks a handler error as permanent; the engine will not retry it.
//
//	return engine.NoRetry(fmt.Errorf("service %s gone: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
