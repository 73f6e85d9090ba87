package logging

import (
	"io"
	"regexp"
	"strings"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
)

// Alternation order sets precedence: quoted strings, then check ids, then numbers.
var tokenPattern = regexp.MustCompile(`("[^"\n]*")|(\b[\w.-]+:[\w.-]+\b)|(\b\d+(?:\.\d+)?\b)`)

var tokenColors = [...]string{ansiGreen, ansiCyan, ansiYellow}

// colorLineWriter tints rendered text lines by level and highlights tokens.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one rendered line; lines without a level marker pass through.
// Returns: bytes of payload consumed.
func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	base := levelColor(line)
	if base == "" {
		return w.dst.Write(payload)
	}
	if _, err := io.WriteString(w.dst, base+highlight(line, base)+ansiReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"), strings.Contains(line, "level=PANIC"):
		return ansiRed
	default:
		return ""
	}
}

// highlight wraps matched tokens in their color and restores base after each.
func highlight(line, base string) string {
	matches := tokenPattern.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line
	}
	var b strings.Builder
	b.Grow(len(line) + len(matches)*12)
	cursor := 0
	for _, m := range matches {
		color := ""
		for group := range tokenColors {
			if m[2+2*group] >= 0 {
				color = tokenColors[group]
				break
			}
		}
		b.WriteString(line[cursor:m[0]])
		b.WriteString(color)
		b.WriteString(line[m[0]:m[1]])
		b.WriteString(ansiReset)
		b.WriteString(base)
		cursor = m[1]
	}
	b.WriteString(line[cursor:])
	return b.String()
}
