package domain

import (
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var paramNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// lexResult is the outcome of the token-level pass: the statement with
// :name binds rewritten to $1..$n, the bind names in placeholder order,
// and whether the input already carried positional $n references.
type lexResult struct {
	rewritten  string
	paramNames []string
	positional bool
}

// scanPass runs every check that needs the raw token stream rather than the
// parse tree: invisible characters, comment splices, non-ASCII identifiers,
// and the named-parameter rewrite. It never evaluates semantics; anything
// that survives still has to parse and pass the tree walk.
func scanPass(sql string, policy GuardPolicy) (lexResult, *Rejection) {
	for i, r := range sql {
		if invisibleRune(r) {
			return lexResult{}, &Rejection{
				Code:     ReasonObfuscationSuspect,
				Fragment: fragmentAt(sql, i),
				Detail:   fmt.Sprintf("invisible or directional control character U+%04X", r),
			}
		}
	}

	scan, err := pg_query.Scan(sql)
	if err != nil {
		return lexResult{}, &Rejection{Code: ReasonParseFailed, Detail: err.Error()}
	}

	var (
		out        strings.Builder
		names      []string
		positional bool
		index      = make(map[string]int)
		pos        int
		toks       = scan.Tokens
	)

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		start, end := int(tok.Start), int(tok.End)
		if start < 0 || end > len(sql) || start > end {
			continue
		}
		text := sql[start:end]

		switch tok.Token {
		case pg_query.Token_C_COMMENT, pg_query.Token_SQL_COMMENT:
			if splicesWords(sql, start, end) {
				return lexResult{}, &Rejection{
					Code:     ReasonObfuscationSuspect,
					Fragment: fragmentAt(sql, wordStart(sql, start)),
					Detail:   "comment splits adjacent token text",
				}
			}

		case pg_query.Token_IDENT, pg_query.Token_UIDENT:
			if !policy.AllowUnicodeIdentifiers && hasNonASCII(text) {
				return lexResult{}, &Rejection{
					Code:     ReasonObfuscationSuspect,
					Fragment: text,
					Detail:   "identifier contains non-ASCII characters",
				}
			}

		case pg_query.Token_PARAM:
			positional = true

		case pg_query.Token_ASCII_58:
			// A colon directly followed by an identifier is a named bind.
			// Colons inside strings never reach here ('::' lexes as a
			// typecast token, ':=' as an assignment).
			if i+1 >= len(toks) {
				break
			}
			next := toks[i+1]
			if int(next.Start) != end || !bindableName(next) {
				break
			}
			name := sql[next.Start:next.End]
			if !paramNamePattern.MatchString(name) {
				break
			}
			out.WriteString(sql[pos:start])
			n, ok := index[name]
			if !ok {
				names = append(names, name)
				n = len(names)
				index[name] = n
			}
			fmt.Fprintf(&out, "$%d", n)
			pos = int(next.End)
			i++
		}
	}
	out.WriteString(sql[pos:])

	if positional && len(names) > 0 {
		return lexResult{}, &Rejection{
			Code:   ReasonParameterMismatch,
			Detail: "statement mixes named (:name) and positional ($n) parameters",
		}
	}

	return lexResult{rewritten: out.String(), paramNames: names, positional: positional}, nil
}

// bindableName reports whether a token can serve as a parameter name: a
// plain identifier, or any keyword (":limit" is a fine parameter name even
// though LIMIT is reserved).
func bindableName(tok *pg_query.ScanToken) bool {
	return tok.Token == pg_query.Token_IDENT || tok.KeywordKind != pg_query.KeywordKind_NO_KEYWORD
}

// splicesWords reports whether the byte before and the byte after the
// comment are both word characters, i.e. the comment cuts a token in two
// ("SEL/**/ECT").
func splicesWords(sql string, start, end int) bool {
	if start == 0 || end >= len(sql) {
		return false
	}
	return isWordByte(sql[start-1]) && isWordByte(sql[end])
}

func wordStart(sql string, off int) int {
	for off > 0 && isWordByte(sql[off-1]) {
		off--
	}
	return off
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}

// invisibleRune reports whether r is a control or formatting character that
// has no business in SQL text: zero-width and bidirectional formatting
// characters hide intent from human review, and C0 controls other than
// ordinary whitespace are never legitimate.
func invisibleRune(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	if r < 0x20 || r == 0x7f {
		return true
	}
	switch r {
	case 0x00ad, 0x200b, 0x200c, 0x200d, 0x200e, 0x200f, 0x2060, 0xfeff:
		return true
	}
	if r >= 0x202a && r <= 0x202e {
		return true
	}
	if r >= 0x2066 && r <= 0x2069 {
		return true
	}
	return false
}

// fragmentAt returns a short excerpt of s starting at byte offset off, for
// rejection messages.
func fragmentAt(s string, off int) string {
	if off < 0 || off >= len(s) {
		return ""
	}
	end := off + 40
	if end > len(s) {
		end = len(s)
	}
	return s[off:end]
}
