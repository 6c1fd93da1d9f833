// Package scrape recovers usage figures from raw terminal output. All
// functions are pure and cheap enough to re-run on a growing buffer.
package scrape

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goodtune/quotawatch/internal/usage"
)

var (
	sessionPctRe = regexp.MustCompile(`(?is)current\s+session.*?(\d{1,3})\s*%\s*used`)
	weeklyPctRe  = regexp.MustCompile(`(?is)current\s+week.*?(\d{1,3})\s*%\s*used`)

	// Session resets read "Resets 2am (America/New_York)", weekly resets
	// "Resets Mar 4 at 8pm (America/New_York)". The hour form never starts
	// with a month name, so the two cannot match each other's text.
	sessionResetRe = regexp.MustCompile(`(?i)resets?\s+(\d{1,2}(?::\d{2})?\s*(?:am|pm)[^)\n]*\)?)`)
	weeklyResetRe  = regexp.MustCompile(`(?i)resets?\s+((?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}[^)\n]*\)?)`)

	usedMarkRe = regexp.MustCompile(`(?i)\d\s*%\s*used`)
)

// Clean strips terminal control sequences from raw output: CSI sequences
// (cursor movement, colors, erase), OSC sequences terminated by BEL or ST,
// two-byte escapes and charset selectors. Newlines and tabs survive,
// carriage returns and other control bytes do not.
func Clean(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); {
		b := raw[i]
		if b == 0x1b && i+1 < len(raw) {
			switch raw[i+1] {
			case '[':
				i += 2
				for i < len(raw) {
					c := raw[i]
					i++
					if c >= 0x40 && c <= 0x7e {
						break
					}
				}
				continue
			case ']':
				i += 2
				for i < len(raw) {
					if raw[i] == 0x07 {
						i++
						break
					}
					if raw[i] == 0x1b && i+1 < len(raw) && raw[i+1] == '\\' {
						i += 2
						break
					}
					i++
				}
				continue
			case '(', ')':
				i += 3
				continue
			default:
				i += 2
				continue
			}
		}
		if b == '\n' || b == '\t' || (b >= 0x20 && b != 0x7f) {
			out = append(out, b)
		}
		i++
	}
	return out
}

// Parse extracts a usage reading from sanitized text. Fields that do not
// match stay at their zero values; the boolean is true only when at least
// one percentage matched, and callers must treat a false result as "no
// usable output yet" rather than an all-zero reading.
func Parse(text string) (usage.Reading, bool) {
	var r usage.Reading
	matched := false

	if m := sessionPctRe.FindStringSubmatch(text); m != nil {
		r.SessionPct = clampPct(m[1])
		matched = true
	}
	if m := weeklyPctRe.FindStringSubmatch(text); m != nil {
		r.WeeklyPct = clampPct(m[1])
		matched = true
	}
	if !matched {
		return usage.Reading{}, false
	}

	if m := sessionResetRe.FindStringSubmatch(text); m != nil {
		r.SessionReset = strings.TrimSpace(m[1])
	}
	if m := weeklyResetRe.FindStringSubmatch(text); m != nil {
		r.WeeklyReset = strings.TrimSpace(m[1])
	}
	return r, true
}

// CountUsageMarks counts occurrences of the "N% used" pattern. The terminal
// engine waits for at least two before attempting extraction, so a partially
// rendered report is not mistaken for the full one.
func CountUsageMarks(text string) int {
	return len(usedMarkRe.FindAllString(text, -1))
}

func clampPct(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
