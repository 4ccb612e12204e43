// Package repair applies local syntactic fixes to malformed structured
// responses from the analysis service, recovering JSON that a strict parser
// rejects: markdown fences, trailing commas, single-quoted or unquoted keys,
// and Python-style literals.
package repair

import (
	"bytes"
	"regexp"
	"strings"
)

var fenceRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Repair returns a best-effort cleaned copy of raw. It never fails; callers
// decide by re-parsing the result. The input is not modified.
func Repair(raw []byte) []byte {
	s := string(raw)

	// Markdown fences first: the payload is whatever sits inside the block.
	if m := fenceRE.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	// Narrow to the outermost object so prose before or after the JSON does
	// not poison the parse.
	if start := strings.IndexByte(s, '{'); start >= 0 {
		if end := strings.LastIndexByte(s, '}'); end > start {
			s = s[start : end+1]
		}
	}

	return rewrite(s)
}

// rewrite walks the candidate JSON once, applying fixes only outside string
// literals: single-quoted strings become double-quoted, bare keys get quoted,
// Python literals become JSON literals, and trailing commas are dropped.
func rewrite(s string) []byte {
	var out bytes.Buffer
	out.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"':
			i = copyString(&out, s, i)
		case c == '\'':
			i = convertSingleQuoted(&out, s, i)
		case c == ',':
			if j := skipSpace(s, i+1); j < len(s) && (s[j] == '}' || s[j] == ']') {
				// Trailing comma: drop it, keep the whitespace.
				out.WriteString(s[i+1 : j])
				i = j
				continue
			}
			out.WriteByte(c)
			i++
		case isIdentStart(c):
			i = convertIdent(&out, s, i)
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.Bytes()
}

// copyString copies a double-quoted string verbatim, honoring escapes.
func copyString(out *bytes.Buffer, s string, i int) int {
	out.WriteByte(s[i])
	i++
	for i < len(s) {
		c := s[i]
		out.WriteByte(c)
		i++
		if c == '\\' && i < len(s) {
			out.WriteByte(s[i])
			i++
			continue
		}
		if c == '"' {
			break
		}
	}
	return i
}

// convertSingleQuoted re-emits a single-quoted string as double-quoted,
// escaping any embedded double quotes and unescaping \' sequences.
func convertSingleQuoted(out *bytes.Buffer, s string, i int) int {
	out.WriteByte('"')
	i++
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			if s[i+1] == '\'' {
				out.WriteByte('\'')
			} else {
				out.WriteByte('\\')
				out.WriteByte(s[i+1])
			}
			i += 2
			continue
		}
		if c == '\'' {
			i++
			break
		}
		if c == '"' {
			out.WriteString(`\"`)
			i++
			continue
		}
		out.WriteByte(c)
		i++
	}
	out.WriteByte('"')
	return i
}

// convertIdent handles a bare identifier outside any string: a key missing
// its quotes, or a Python literal.
func convertIdent(out *bytes.Buffer, s string, i int) int {
	j := i
	for j < len(s) && isIdentPart(s[j]) {
		j++
	}
	word := s[i:j]

	if k := skipSpace(s, j); k < len(s) && s[k] == ':' {
		out.WriteByte('"')
		out.WriteString(word)
		out.WriteByte('"')
		return j
	}

	switch word {
	case "None":
		out.WriteString("null")
	case "True":
		out.WriteString("true")
	case "False":
		out.WriteString("false")
	default:
		out.WriteString(word)
	}
	return j
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
