package webhook

import (
	"errors"
	"fmt"

	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

// TransportError is a failed attempt: a network error, a timeout, a rate
// limit rejection or a non-2xx status. It counts toward MaxAttempts.
type TransportError struct {
	Attempt    int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("attempt %d: unexpected status %d", e.Attempt, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeliveryError is the terminal failure of a job once its attempts are spent
// or its context ends. Attempts holds the full history.
type DeliveryError struct {
	JobID    string
	URL      string
	Attempts []model.DeliveryAttempt
	Last     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s to %s failed after %d attempts: %v",
		e.JobID, e.URL, len(e.Attempts), e.Last)
}

func (e *DeliveryError) Unwrap() error {
	return e.Last
}

// LastStatus returns the status code of the final attempt, or 0.
func (e *DeliveryError) LastStatus() int {
	if len(e.Attempts) == 0 {
		return 0
	}
	return e.Attempts[len(e.Attempts)-1].StatusCode
}

// IsRetried reports whether err is a delivery that was attempted up to its
// bound and still failed.
func IsRetried(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// IsPermanent reports whether err would fail identically on any retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrInvalidPayload) ||
		config.IsConfigurationError(err)
}
