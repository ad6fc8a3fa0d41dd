// Package delivery sends finished records upstream and keeps the ones that
// could not be sent.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blerec/internal/record"
)

// Deliverer sends one record upstream.
type Deliverer interface {
	Deliver(ctx context.Context, rec *record.Record) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, rec *record.Record) error

func (f DelivererFunc) Deliver(ctx context.Context, rec *record.Record) error { return f(ctx, rec) }

// StatusError is a rejected delivery with the upstream status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream rejected record: status %d", e.Code)
	}
	return fmt.Sprintf("upstream rejected record: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 408 || e.Code == 429
}

// Code returns the status code carried by err, or 0.
func Code(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Discard accepts every record.
var Discard Deliverer = DelivererFunc(func(context.Context, *record.Record) error { return nil })
