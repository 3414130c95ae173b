package features

import (
	"path"
	"strings"
)

// isBoundary reports whether c separates tokens for pattern matching. A slash
// is deliberately not a boundary so that a program name does not match inside
// a path.
func isBoundary(c byte) bool {
	switch c {
	case ' ', '\t', ';', '|', '&', '(', ')', '<', '>', '`':
		return true
	}
	return false
}

// isSegmentStart reports whether c ends one pipeline or list segment.
func isSegmentStart(c byte) bool {
	switch c {
	case ';', '|', '&', '(', '`':
		return true
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

// Normalize lowercases the command, collapses whitespace and replaces the
// program path of every pipeline/list segment with its basename, so that
// `/usr/bin/sudo  ID | /bin/grep x` becomes `sudo id | grep x`.
func Normalize(command string) string {
	s := strings.Join(strings.Fields(strings.ToLower(command)), " ")
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	atStart := true
	for i := 0; i < len(s); {
		c := s[i]
		if isSegmentStart(c) {
			b.WriteByte(c)
			atStart = true
			i++
			continue
		}
		if c == ' ' {
			b.WriteByte(c)
			i++
			continue
		}
		// Read one word.
		j := i
		for j < len(s) && s[j] != ' ' && !isBoundary(s[j]) {
			j++
		}
		if j == i {
			// A boundary that does not start a segment, e.g. a redirect.
			b.WriteByte(c)
			i++
			continue
		}
		word := s[i:j]
		if atStart && strings.Contains(word, "/") && !strings.HasSuffix(word, "/") {
			word = path.Base(word)
		}
		b.WriteString(word)
		atStart = false
		i = j
	}
	return b.String()
}

// matchPattern reports whether pattern occurs in s at token boundaries. Edges
// of the pattern made of punctuation (`/etc/shadow`, `> /var/log/`) match
// without a boundary check on that side.
func matchPattern(s, pattern string) bool {
	if pattern == "" {
		return false
	}
	needLeft := isWordChar(pattern[0])
	needRight := isWordChar(pattern[len(pattern)-1])

	for from := 0; from <= len(s)-len(pattern); {
		idx := strings.Index(s[from:], pattern)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(pattern)

		leftOK := !needLeft || start == 0 || isBoundary(s[start-1])
		rightOK := !needRight || end == len(s) || !isWordChar(s[end])
		if leftOK && rightOK {
			return true
		}
		from = start + 1
	}
	return false
}
