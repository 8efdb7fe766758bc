// Package msgtext contains the message-text helpers shared by the inbound and
// outbound pipelines: file-link splitting, intent markers, typing pacing math,
// and contact card payloads.
package msgtext

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// FileLinkRegex matches direct links to sendable files. The extension list is
// part of the delivery contract: only these links are converted into
// file-by-URL gateway sends.
var FileLinkRegex = regexp.MustCompile(`(?i)(https?://\S+?\.(?:pdf|jpe?g|png|docx?|xlsx?|pptx?|txt|csv|gif|webp|mp4|avi|zip|rar))`)

// SegmentKind discriminates the parts of a split message.
type SegmentKind int

const (
	// SegmentText is a plain text part delivered as a normal message.
	SegmentText SegmentKind = iota
	// SegmentFile is a file link delivered via the gateway file-by-URL API.
	SegmentFile
)

// Segment is one part of a message split by file links.
type Segment struct {
	Kind  SegmentKind
	Value string
}

// SplitByLinks splits a message into ordered text and file-link segments.
// Empty text parts are dropped; surrounding punctuation from markdown-style
// wrapping is trimmed.
func SplitByLinks(message string) []Segment {
	var segments []Segment

	appendText := func(s string) {
		s = cleanTextPart(s)
		if s != "" {
			segments = append(segments, Segment{Kind: SegmentText, Value: s})
		}
	}

	last := 0
	for _, loc := range FileLinkRegex.FindAllStringIndex(message, -1) {
		appendText(message[last:loc[0]])
		segments = append(segments, Segment{Kind: SegmentFile, Value: message[loc[0]:loc[1]]})
		last = loc[1]
	}
	appendText(message[last:])

	return segments
}

func cleanTextPart(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, ")")
	s = strings.TrimRight(s, "(")
	return strings.TrimSpace(s)
}

// FileNameFromURL extracts the file name from a direct file link.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	return path.Base(u.Path)
}
