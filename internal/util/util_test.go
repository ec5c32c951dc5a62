package util

import (
	"testing"
	"time"
)

func TestSequenceIncreasing(t *testing.T) {
	next, err := NewSequence(1)
	if err != nil {
		t.Fatal(err)
	}
	prev := next()
	for i := 0; i < 1000; i++ {
		id := next()
		if id <= prev {
			t.Fatalf("%q not after %q", id, prev)
		}
		prev = id
	}
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2025-03-06T10:00:00.123Z")
	if err != nil || got.Nanosecond() != 123000000 {
		t.Error(got, err)
	}
	got, err = ParseTime("2025-05-15")
	if err != nil || !got.Equal(time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)) {
		t.Error(got, err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("garbage accepted")
	}
}

func TestGenUUID(t *testing.T) {
	a, b := GenUUID(), GenUUID()
	if a == b || len(a) != 36 {
		t.Error(a, b)
	}
}
