package task

import (
	"testing"
	"time"
)

func TestParseRecurrence_Invalid(t *testing.T) {
	for _, rule := range []string{"every:", "every:-5m", "daily:25:00", "weekly:fun:09:00", "monthly:1", "daily:"} {
		if _, err := ParseRecurrence(rule); err == nil {
			t.Errorf("ParseRecurrence(%q) succeeded, want error", rule)
		}
	}
}

func TestRecurrence_None(t *testing.T) {
	r, err := ParseRecurrence("")
	if err != nil {
		t.Fatalf("ParseRecurrence: %v", err)
	}
	if !r.None() {
		t.Fatal("empty rule should report None")
	}
	if !r.Next(time.Now()).IsZero() {
		t.Fatal("Next on empty rule should be zero")
	}
}

func TestRecurrence_Interval(t *testing.T) {
	r, err := ParseRecurrence("every:90m")
	if err != nil {
		t.Fatalf("ParseRecurrence: %v", err)
	}
	after := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	got := r.Next(after)
	want := after.Add(90 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestRecurrence_Daily(t *testing.T) {
	r, err := ParseRecurrence("daily:09:00")
	if err != nil {
		t.Fatalf("ParseRecurrence: %v", err)
	}

	// Dispatched exactly at the due time: re-arm to the next day, never
	// to a time at or before the previous due time.
	after := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	got := r.Next(after)
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}

	// Dispatched late, before today's slot: still today.
	after = time.Date(2024, 1, 1, 6, 30, 0, 0, time.UTC)
	got = r.Next(after)
	want = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestRecurrence_Weekly(t *testing.T) {
	r, err := ParseRecurrence("weekly:mon:09:00")
	if err != nil {
		t.Fatalf("ParseRecurrence: %v", err)
	}
	// 2024-01-01 is a Monday.
	after := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	got := r.Next(after)
	want := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if got.Weekday() != time.Monday {
		t.Errorf("Next weekday = %v, want Monday", got.Weekday())
	}
}

func TestRecurrence_StrictlyAfter(t *testing.T) {
	rules := []string{"every:1h", "daily:00:00", "weekly:sun:12:00"}
	after := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	for _, rule := range rules {
		r, err := ParseRecurrence(rule)
		if err != nil {
			t.Fatalf("ParseRecurrence(%q): %v", rule, err)
		}
		if next := r.Next(after); !next.After(after) {
			t.Errorf("%q: Next(%v) = %v, not strictly after", rule, after, next)
		}
	}
}
