package util_test

import (
	"errors"
	"testing"

	"github.jpl.nasa.gov/bdube/scopesync/util"
)

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped == input {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped == input {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampInRange(t *testing.T) {
	clamped := util.Clamp(5, 0, 10)
	if clamped != 5 {
		t.Errorf("expected in-range value to pass through unchanged, got %f", clamped)
	}
}

func TestMergeErrorsAllNil(t *testing.T) {
	err := util.MergeErrors([]error{nil, nil, nil})
	if err != nil {
		t.Errorf("expected nil when no error is non-nil, got %v", err)
	}
}

func TestMergeErrorsJoinsNonNil(t *testing.T) {
	err := util.MergeErrors([]error{errors.New("channel 0 overflow"), nil, errors.New("channel 2 overflow")})
	if err == nil {
		t.Fatal("expected a non-nil merged error")
	}
	want := "channel 0 overflow\nchannel 2 overflow"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
