// Package chaterrors holds the error taxonomy shared by the widget runtime.
//
// Only config errors are fatal for an embedded context. Connection, subscription
// and delivery errors are converted into local UI state where they originate.
package chaterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindConfig       Kind = "config"
	KindConnection   Kind = "connection"
	KindSubscription Kind = "subscription"
	KindDelivery     Kind = "delivery"
)

// Error is a classified failure. Op names the operation that failed
// (establish, load-history, send, subscribe, ...).
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Text is the undelivered composer text for delivery errors.
	Text string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Config(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

func Connection(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func Subscription(op string, err error) error {
	return &Error{Kind: KindSubscription, Op: op, Err: err}
}

func Delivery(op string, text string, err error) error {
	return &Error{Kind: KindDelivery, Op: op, Err: err, Text: text}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return "", false
}

func is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

func IsConfig(err error) bool       { return is(err, KindConfig) }
func IsConnection(err error) bool   { return is(err, KindConnection) }
func IsSubscription(err error) bool { return is(err, KindSubscription) }
func IsDelivery(err error) bool     { return is(err, KindDelivery) }

// UndeliveredText extracts the composer text carried by a delivery error.
func UndeliveredText(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil && e.Kind == KindDelivery {
		return e.Text, true
	}
	return "", false
}
