package channels

import (
	"errors"
	"fmt"
	"time"

	"github.com/thebenlamm/nanobot/internal/bus"
)

var (
	// ErrQueueFull is returned by Enqueue when the outbound queue is at capacity.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrLinkDisabled is returned by Enqueue on a DISABLED link.
	ErrLinkDisabled = errors.New("channel disabled")

	// ErrUnknownChannel is reported for replies addressed to no registered channel.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrShuttingDown is reported for replies that finished after shutdown began.
	ErrShuttingDown = errors.New("gateway shutting down")
)

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err as a failure retrying cannot fix (bad credentials,
// missing consent). The link goes DISABLED and stays there.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a send error for which this message will never succeed
// (unknown recipient, message rejected). The connection itself stays up.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delivery failure reasons.
const (
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonExpired           = "expired"
	ReasonPermanent         = "permanent"
	ReasonQueueFull         = "queue_full"
	ReasonDisabled          = "link_disabled"
	ReasonUnknownChannel    = "unknown_channel"
	ReasonShutdown          = "shutdown"
)

// DeliveryFailed reports an outbound message that was given up on. It
// carries the whole message so an operator can replay it.
type DeliveryFailed struct {
	Channel  string              `json:"channel"`
	Message  bus.OutboundMessage `json:"message"`
	Reason   string              `json:"reason"`
	Attempts int                 `json:"attempts"`
	Error    string              `json:"error,omitempty"`
	At       time.Time           `json:"at"`

	err error
}

func newDeliveryFailed(channel string, msg bus.OutboundMessage, reason string, attempts int, err error, at time.Time) *DeliveryFailed {
	d := &DeliveryFailed{Channel: channel, Message: msg, Reason: reason, Attempts: attempts, At: at, err: err}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// Err returns d as an error value that unwraps to the send error.
func (d *DeliveryFailed) Err() error { return deliveryError{d} }

type deliveryError struct{ d *DeliveryFailed }

func (e deliveryError) Error() string {
	msg := fmt.Sprintf("delivery to %s/%s failed (%s) after %d attempt(s)", e.d.Channel, e.d.Message.ChatID, e.d.Reason, e.d.Attempts)
	if e.d.err != nil {
		msg += ": " + e.d.err.Error()
	}
	return msg
}

func (e deliveryError) Unwrap() error { return e.d.err }
