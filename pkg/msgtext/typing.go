package msgtext

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTypingRate is the simulated typing speed in characters per minute.
	DefaultTypingRate = 200.0
	// MaxTypingDelay caps the artificial pause before a reply is delivered.
	MaxTypingDelay = 180 * time.Second
)

// StripLinksForCounting removes file links from the text, keeping only the
// parts a reader would actually type out.
func StripLinksForCounting(text string) string {
	var parts []string
	for _, seg := range SplitByLinks(text) {
		if seg.Kind == SegmentFile {
			continue
		}
		txt := strings.TrimSpace(strings.TrimLeft(seg.Value, ".,!? \t;:-"))
		if utf8.RuneCountInString(txt) < 2 {
			continue
		}
		parts = append(parts, txt)
	}
	return strings.Join(parts, " ")
}

// VisibleCharCount counts the characters a human would have typed,
// excluding file links.
func VisibleCharCount(text string) int {
	return utf8.RuneCountInString(StripLinksForCounting(text))
}

// TypingDelay computes how long to pause before delivering a reply so the
// agent appears to type at DefaultTypingRate. Thinking time already spent is
// subtracted; the result is clamped to [0, MaxTypingDelay].
func TypingDelay(reply string, thinking time.Duration) time.Duration {
	chars := VisibleCharCount(reply)

	target := time.Duration(float64(chars) / DefaultTypingRate * float64(time.Minute))
	if thinking < 0 {
		thinking = 0
	}

	delay := target - thinking
	if delay < 0 {
		return 0
	}
	if delay > MaxTypingDelay {
		return MaxTypingDelay
	}
	return delay
}
