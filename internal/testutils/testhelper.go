//go:build test

package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWait bounds every asynchronous expectation in tests.
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Receive waits for the next value on ch or fails the test.
func Receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for %s", what)
		}
		return v
	case <-time.After(DefaultWait):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// ReceiveUntil reads ch until match returns true and returns every value seen.
func ReceiveUntil[T any](t *testing.T, ch <-chan T, what string, match func(T) bool) []T {
	t.Helper()
	var seen []T
	deadline := time.After(DefaultWait)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %s", what)
				return seen
			}
			seen = append(seen, v)
			if match(v) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (seen %d values)", what, len(seen))
			return seen
		}
	}
}
