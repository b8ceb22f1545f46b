package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEventually is a convenience wrapper around assert.Eventually
// with standardized timeout (10s) and polling interval (10ms).
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually is a convenience wrapper around require.Eventually
// with standardized timeout (10s) and polling interval (10ms).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// Recv receives a value from ch, failing the test if nothing arrives
// within 5 seconds. Used for frames captured by session send hooks.
func Recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel value")
		panic("unreachable")
	}
}

// NoRecv asserts that no value arrives on ch within the given window.
func NoRecv[T any](t *testing.T, ch <-chan T, window time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected channel value: %v", v)
	case <-time.After(window):
	}
}
