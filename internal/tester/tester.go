// Package tester holds tiny assertion helpers for tests that do not want a
// full matcher library. Each helper fails the test immediately; an optional
// leading message argument labels the failure.
package tester

import (
	"errors"
	"reflect"
	"testing"
)

func label(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if s, ok := msgAndArgs[0].(string); ok {
		return s + ": "
	}
	return ""
}

// Eq fails unless got equals want (reflect.DeepEqual).
func Eq[T any](t *testing.T, got, want T, msgAndArgs ...any) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%sgot %v, want %v", label(msgAndArgs), got, want)
	}
}

// True fails unless cond holds.
func True(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if !cond {
		t.Fatalf("%scondition is false", label(msgAndArgs))
	}
}

// False fails when cond holds.
func False(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if cond {
		t.Fatalf("%scondition is true", label(msgAndArgs))
	}
}

// NoErr fails when err is non-nil.
func NoErr(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%sunexpected error: %v", label(msgAndArgs), err)
	}
}

// ErrIs fails unless errors.Is(err, target).
func ErrIs(t *testing.T, err, target error, msgAndArgs ...any) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%sgot error %v, want %v", label(msgAndArgs), err, target)
	}
}
