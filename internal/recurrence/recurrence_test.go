package recurrence

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm
}

func TestNextHashHourly(t *testing.T) {
	anchor := mustParse(t, "2020-01-01T00:00:00")
	next, ok := Next("H * * * *", "hello", anchor)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := mustParse(t, "2020-01-01T00:10:00")
	if !next.Truncate(time.Second).Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}

	second, ok := Next("H * * * *", "hello", next)
	if !ok {
		t.Fatal("expected a second occurrence")
	}
	if !second.Truncate(time.Second).Equal(want.Add(time.Hour)) {
		t.Fatalf("got %v, want %v", second, want.Add(time.Hour))
	}
}

func TestNextDaily(t *testing.T) {
	anchor := mustParse(t, "2020-01-01T00:00:00")
	next, ok := Next("@daily", "hello", anchor)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := mustParse(t, "2020-01-01T11:10:32")
	if !next.Truncate(time.Second).Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}

	second, ok := Next("@daily", "hello", next)
	if !ok {
		t.Fatal("expected a second occurrence")
	}
	if !second.Truncate(time.Second).Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("got %v, want %v", second, want.AddDate(0, 0, 1))
	}
}

func TestNextDeterministic(t *testing.T) {
	anchor := mustParse(t, "2021-06-15T00:00:00")
	a, ok1 := Next("H H * * *", "job-a", anchor)
	b, ok2 := Next("H H * * *", "job-a", anchor)
	if !ok1 || !ok2 {
		t.Fatal("expected occurrences")
	}
	if !a.Equal(b) {
		t.Fatalf("Next should be deterministic for fixed (schedule, name, after): %v != %v", a, b)
	}
}

func TestHashDistributionDiffersByName(t *testing.T) {
	anchor := mustParse(t, "2021-06-15T00:00:00")
	a, _ := Next("H H * * *", "alpha", anchor)
	b, _ := Next("H H * * *", "bravo", anchor)
	if a.Equal(b) {
		t.Fatalf("distinct names produced identical occurrences (collision, extremely unlikely): %v", a)
	}
}

func TestNextSixFieldExplicitSeconds(t *testing.T) {
	anchor := mustParse(t, "2020-01-01T00:00:00")
	next, ok := Next("0 0 1 1 * 0", "job", anchor)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Year() != 2021 || next.Month() != time.January || next.Day() != 1 {
		t.Fatalf("expected next Jan 1, got %v", next)
	}
}

func TestNextNoFutureOccurrenceBoundedRRule(t *testing.T) {
	anchor := mustParse(t, "2020-01-01T00:00:00")
	far := anchor.AddDate(10, 0, 0)
	_, ok := Next("RRULE:FREQ=DAILY;COUNT=2", "job", far)
	if ok {
		t.Fatal("expected no future occurrence for an exhausted bounded rule")
	}
}

func TestExpandHashRandomFiveFieldSecondZero(t *testing.T) {
	got := ExpandHashRandom("* * * * *", "job")
	if got != "* * * * * 0" {
		t.Fatalf("five-field input should gain a zero seconds field, got %q", got)
	}
}

func TestNextWeekly(t *testing.T) {
	anchor := mustParse(t, "2020-01-01T00:00:00")
	next, ok := Next("H H * * H H", "hello", anchor)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := mustParse(t, "2020-01-03T11:10:32")
	if !next.Truncate(time.Second).Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextMidnight(t *testing.T) {
	anchor := mustParse(t, "2020-01-01T00:00:00")
	next, ok := Next("@midnight", "hello", anchor)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := mustParse(t, "2020-01-01T02:10:32")
	if !next.Truncate(time.Second).Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}
