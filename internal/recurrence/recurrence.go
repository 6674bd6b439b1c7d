// Package recurrence turns a job's schedule expression into the next
// absolute wake-up instant, deterministically offset per job name.
//
// Three expression forms are supported: plain cron-like fields (five or
// six whitespace-separated fields), the "@" shorthands, and an
// "RRULE:"-prefixed iCalendar recurrence rule. Cron-like fields may use
// H/R hash/random tokens, which are expanded to plain cron syntax (the
// canonical form) before a conventional cron field parser iterates it.
// Keeping expansion and iteration separate keeps the hash logic
// testable without a parser in the loop.
package recurrence

import (
	"fmt"
	"hash/crc32"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// fieldRange holds the default [begin, end] for each of the six
// cron-like field positions: minute, hour, day-of-month, month,
// day-of-week, second.
var fieldRange = [6][2]int{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 6},
	{0, 59},
}

var shorthand = map[string]string{
	"@midnight": "H H(0-2) * * * H",
	"@hourly":   "H * * * * H",
	"@daily":    "H H * * * H",
	"@weekly":   "H H * * H H",
	"@monthly":  "H H H * * H",
	"@annually": "H H H H * H",
	"@yearly":   "H H H H * H",
}

var (
	reBare       = regexp.MustCompile(`^(H|R)$`)
	reRangeStep  = regexp.MustCompile(`^(H|R)\((\d+)-(\d+)\)/(\d+)$`)
	reRange      = regexp.MustCompile(`^(H|R)\((\d+)-(\d+)\)$`)
	reStep       = regexp.MustCompile(`^(H|R)/(\d+)$`)
)

// hashValue resolves a single H/R token to an integer in
// [rangeBegin, rangeEnd], stable per (name, position) for H and fresh
// on every call for R.
func hashValue(name string, position, rangeBegin, rangeEnd int, random bool) int {
	span := rangeEnd - rangeBegin + 1
	if span <= 0 {
		span = 1
	}
	var crc uint32
	if random {
		crc = rand.Uint32() // #nosec G404 -- intentional non-cryptographic jitter
	} else {
		crc = crc32.ChecksumIEEE([]byte(name))
	}
	return int((crc>>uint(position))%uint32(span)) + rangeBegin
}

// expandItem expands a single cron-like field, resolving any H/R token
// to plain cron syntax. Non-token fields pass through unchanged.
func expandItem(item, name string, position int) string {
	def := fieldRange[position]

	if reBare.MatchString(item) {
		random := item == "R"
		return strconv.Itoa(hashValue(name, position, def[0], def[1], random))
	}

	if m := reRangeStep.FindStringSubmatch(item); m != nil {
		random := m[1] == "R"
		lo, _ := strconv.Atoi(m[2])
		hi, _ := strconv.Atoi(m[3])
		step, _ := strconv.Atoi(m[4])
		v := hashValue(name, position, lo, hi, random)
		return fmt.Sprintf("%d-%d/%d", v, hi, step)
	}

	if m := reRange.FindStringSubmatch(item); m != nil {
		random := m[1] == "R"
		lo, _ := strconv.Atoi(m[2])
		hi, _ := strconv.Atoi(m[3])
		return strconv.Itoa(hashValue(name, position, lo, hi, random))
	}

	if m := reStep.FindStringSubmatch(item); m != nil {
		random := m[1] == "R"
		step, _ := strconv.Atoi(m[2])
		v := hashValue(name, position, def[0], step, random)
		return fmt.Sprintf("%d-%d/%d", v, def[1], step)
	}

	return item
}

// ExpandHashRandom expands an "@"-shorthand or H/R-token cron
// expression into a canonical six-field cron string containing only
// plain cron syntax. A five-field input fires at second zero; the "@"
// shorthands expand to six fields with a hashed second.
func ExpandHashRandom(expr, name string) string {
	expr = strings.TrimSpace(expr)
	if canon, ok := shorthand[expr]; ok {
		expr = canon
	}
	fields := strings.Fields(expr)
	if len(fields) == 5 {
		fields = append(fields, "0")
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		pos := i
		if pos >= len(fieldRange) {
			pos = len(fieldRange) - 1
		}
		out[i] = expandItem(f, name, pos)
	}
	return strings.Join(out, " ")
}

// subSecondOffset returns a sub-second duration derived from name's
// CRC32, so jobs sharing a minute-granularity schedule do not fire in
// lock-step.
func subSecondOffset(name string) time.Duration {
	crc := crc32.ChecksumIEEE([]byte(name))
	frac := float64(crc) / float64(uint64(1)<<32)
	return time.Duration(frac * float64(time.Second))
}

// Next returns the next instant strictly after 'after' at which
// 'schedule' (interpreted with per-job determinism seeded by name)
// fires. Next returns ok=false only when the underlying rule has no
// future occurrence (possible only for a bounded RRULE).
func Next(schedule, name string, after time.Time) (next time.Time, ok bool) {
	expr := strings.TrimSpace(schedule)
	if strings.HasPrefix(expr, "RRULE:") {
		return nextRRule(expr, name, after)
	}
	return nextCron(expr, name, after)
}

func nextCron(expr, name string, after time.Time) (time.Time, bool) {
	canonical := ExpandHashRandom(expr, name)
	fields := strings.Fields(canonical)
	if len(fields) != 6 {
		return time.Time{}, false
	}
	// Our field order is minute hour dom month dow second; robfig/cron
	// expects seconds first when cron.Second is enabled.
	reordered := strings.Join([]string{fields[5], fields[0], fields[1], fields[2], fields[3], fields[4]}, " ")
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(reordered)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.Add(subSecondOffset(name)), true
}

func nextRRule(expr, name string, after time.Time) (time.Time, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(expr, "RRULE:"))
	opt, err := rrule.StrToROption(rest)
	if err != nil {
		return time.Time{}, false
	}

	now := time.Now()
	mod := int64(crc32.ChecksumIEEE([]byte(name)) % 86400)
	var offsetSeconds int64
	if mod > 0 {
		offsetSeconds = now.Unix() % mod
	}
	opt.Dtstart = now.Add(-time.Duration(offsetSeconds) * time.Second)

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false
	}
	next := rule.After(after, false)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.Add(subSecondOffset(name)), true
}
