package screen

import "strings"

type commentSyntax struct {
	line       string
	blockOpen  string
	blockClose string
	quotes     string
}

var (
	jsComments  = commentSyntax{line: "//", blockOpen: "/*", blockClose: "*/", quotes: "\"'`"}
	luaComments = commentSyntax{line: "--", blockOpen: "--[[", blockClose: "]]", quotes: "\"'"}
)

// stripComments replaces comments with spaces byte for byte, keeping
// newlines, so offsets map to the same positions. With blankStrings, string
// literal contents are replaced too, leaving the quotes.
func stripComments(code string, blankStrings bool, syn commentSyntax) string {
	var b strings.Builder
	b.Grow(len(code))

	blank := func(s string) {
		for i := 0; i < len(s); i++ {
			if s[i] == '\n' {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
	}

	for i := 0; i < len(code); {
		rest := code[i:]
		switch {
		case strings.HasPrefix(rest, syn.blockOpen):
			end := strings.Index(rest[len(syn.blockOpen):], syn.blockClose)
			n := len(rest)
			if end >= 0 {
				n = len(syn.blockOpen) + end + len(syn.blockClose)
			}
			blank(rest[:n])
			i += n
		case strings.HasPrefix(rest, syn.line):
			n := strings.IndexByte(rest, '\n')
			if n < 0 {
				n = len(rest)
			}
			blank(rest[:n])
			i += n
		case strings.IndexByte(syn.quotes, code[i]) >= 0:
			n := stringLen(rest)
			b.WriteByte(code[i])
			if n >= 2 {
				inner := rest[1 : n-1]
				if blankStrings {
					blank(inner)
				} else {
					b.WriteString(inner)
				}
				b.WriteByte(rest[n-1])
			} else {
				b.WriteString(rest[1:n])
			}
			i += n
		default:
			b.WriteByte(code[i])
			i++
		}
	}
	return b.String()
}

// stringLen returns the length of the string literal starting at s[0],
// including both quotes, or len(s) when it is unterminated.
func stringLen(s string) int {
	quote := s[0]
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		case '\n':
			if quote != '`' {
				return i
			}
		}
	}
	return len(s)
}
