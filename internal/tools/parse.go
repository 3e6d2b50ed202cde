package tools

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

type Scroll struct {
	Direction ScrollDirection
	Pixels    int
}

// ParseScroll reads a direction and a pixel amount from free-form text such
// as "up 500" or "down, 200px". Missing or unreadable parts fall back to down
// and DefaultScrollPx.
func ParseScroll(data string) Scroll {
	s := Scroll{Direction: ScrollDown, Pixels: DefaultScrollPx}
	dirSet, pxSet := false, false
	for _, tok := range strings.FieldsFunc(strings.ToLower(data), func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '\t' || r == '\n'
	}) {
		switch {
		case !dirSet && tok == string(ScrollUp):
			s.Direction, dirSet = ScrollUp, true
		case !dirSet && tok == string(ScrollDown):
			s.Direction, dirSet = ScrollDown, true
		case !pxSet:
			if n, err := strconv.Atoi(strings.TrimSuffix(tok, "px")); err == nil && n > 0 {
				s.Pixels, pxSet = n, true
			}
		}
	}
	return s
}

// ParseWait reads milliseconds from data, accepting an optional "ms" suffix.
// Anything else yields DefaultWait. Long waits are capped at MaxWait.
func ParseWait(data string) time.Duration {
	v := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(data)), "ms")
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) && !strings.HasPrefix(v, "-") {
			return MaxWait
		}
		return DefaultWait
	}
	if n <= 0 {
		return DefaultWait
	}
	if n > MaxWait.Milliseconds() {
		return MaxWait
	}
	return time.Duration(n) * time.Millisecond
}
