package state

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// plainSegmentPattern matches segments that are valid KV key tokens as-is.
var plainSegmentPattern = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)

// Key joins escaped segments with "/".
// Params: raw segments such as "check", "web-01:http".
// Returns: key valid for every Store backend.
func Key(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = EscapeSegment(segment)
	}
	return strings.Join(escaped, "/")
}

// Prefix returns key prefix matching every key under segments.
func Prefix(segments ...string) string {
	return Key(segments...) + "/"
}

// EscapeSegment keeps plain tokens and base64-encodes anything else behind "=".
// Params: one raw key segment.
// Returns: escaped segment.
func EscapeSegment(segment string) string {
	if plainSegmentPattern.MatchString(segment) {
		return segment
	}
	return "=" + base64.RawURLEncoding.EncodeToString([]byte(segment))
}

// UnescapeSegment reverses EscapeSegment.
// Params: escaped segment.
// Returns: raw segment (unchanged when not encoded or undecodable).
func UnescapeSegment(segment string) string {
	if !strings.HasPrefix(segment, "=") {
		return segment
	}
	raw, err := base64.RawURLEncoding.DecodeString(segment[1:])
	if err != nil {
		return segment
	}
	return string(raw)
}

// LastSegment returns the unescaped final segment of key.
func LastSegment(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return UnescapeSegment(key)
}
