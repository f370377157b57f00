package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/austindbirch/hookline/internal/tracker"
)

// Reason codes stored in Attempt.Error and Delivery.LastError. They are also
// the label values of the retry and failure metrics.
const (
	ReasonDeliveryTimeout     = "DeliveryTimeout"
	ReasonConnectionError     = "ConnectionError"
	ReasonServerError         = "ServerError"
	ReasonRateLimited         = "RateLimited"
	ReasonDeliveryRejected    = "DeliveryRejected"
	ReasonMaxAttemptsExceeded = "MaxAttemptsExceeded"
	ReasonEndpointDisabled    = "EndpointDisabled"
)

var (
	ErrDeliveryTimeout     = errors.New("delivery attempt timed out")
	ErrDeliveryRejected    = errors.New("delivery rejected by endpoint")
	ErrMaxAttemptsExceeded = errors.New("max delivery attempts exceeded")
	ErrEndpointDisabled    = errors.New("endpoint disabled")
	ErrSchedulerStopped    = errors.New("scheduler stopped")
)

// ReasonError maps a reason code to its sentinel error, or nil when the
// reason has none.
func ReasonError(reason string) error {
	switch reason {
	case ReasonDeliveryTimeout:
		return ErrDeliveryTimeout
	case ReasonDeliveryRejected:
		return ErrDeliveryRejected
	case ReasonMaxAttemptsExceeded:
		return ErrMaxAttemptsExceeded
	case ReasonEndpointDisabled:
		return ErrEndpointDisabled
	}
	return nil
}

// Classify maps an HTTP result onto the delivery state it produces and the
// reason code to record. err is the transport error from the client, if any.
func Classify(status int, err error) (tracker.State, string) {
	if err != nil {
		if isTimeout(err) {
			return tracker.StateRetryScheduled, ReasonDeliveryTimeout
		}
		return tracker.StateRetryScheduled, ReasonConnectionError
	}
	switch {
	case status >= 200 && status < 300:
		return tracker.StateDelivered, ""
	case status == http.StatusTooManyRequests:
		return tracker.StateRetryScheduled, ReasonRateLimited
	case status >= 500:
		return tracker.StateRetryScheduled, ReasonServerError
	default:
		// 4xx, and 3xx since redirects are not followed.
		return tracker.StateFailed, ReasonDeliveryRejected
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Backoff computes retry delays: Base * 2^n capped at Max, with +/- Jitter
// applied and the result capped at Max again.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before the next attempt of a delivery that has
// already made prior attempts before the one that just failed.
func (b Backoff) Delay(prior int) time.Duration {
	d := b.Base
	for i := 0; i < prior && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		// jitter: +/- Jitter
		j := 1 + (r()*2-1)*b.Jitter
		if j < 0.1 {
			j = 0.1
		}
		d = time.Duration(float64(d) * j)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}
