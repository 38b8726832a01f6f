package matchmaking

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
)

// MaxUTCOffset bounds the client-reported offset, in minutes.
const MaxUTCOffset = 14 * 60

// Window is a daily span of local hours, [Start, End), during which matching
// is open. End may be 24. The zero Window never closes.
type Window struct {
	Start int
	End   int
}

// ParseWindow reads "START-END" in whole hours, e.g. "21-24". An empty
// string is the always-open window.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want START-END", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	if start < 0 || end > 24 || start >= end {
		return Window{}, fmt.Errorf("window %q: hours must satisfy 0 <= start < end <= 24", s)
	}
	return Window{Start: start, End: end}, nil
}

func (w Window) always() bool {
	return w == Window{} || (w.Start == 0 && w.End == 24)
}

// Open reports whether now, seen at utcOffset minutes east of UTC, falls inside w.
func (w Window) Open(now time.Time, utcOffset int) bool {
	if w.always() {
		return true
	}
	hour := now.UTC().Add(time.Duration(utcOffset) * time.Minute).Hour()
	return hour >= w.Start && hour < w.End
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:00 and %02d:00", w.Start, w.End)
}

type enqueueOptions struct {
	utcOffset int
}

// EnqueueOption tunes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithUTCOffset sets the caller's local offset from UTC in minutes. It
// decides whether a kind with a matching window is open for the caller.
func WithUTCOffset(minutes int) EnqueueOption {
	return func(o *enqueueOptions) { o.utcOffset = minutes }
}

func (q *Queue) checkWindow(kind models.Kind, utcOffset int) error {
	if utcOffset < -MaxUTCOffset || utcOffset > MaxUTCOffset {
		return apperr.Validation("utcOffsetMinutes out of range")
	}
	w, ok := q.windows[kind]
	if !ok || w.Open(q.now(), utcOffset) {
		return nil
	}
	return apperr.Closed(fmt.Sprintf("matching for %s is only open between %s local time", kind, w))
}
