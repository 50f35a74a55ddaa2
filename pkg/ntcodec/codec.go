// Package ntcodec implements the token quoting/splitting codec used by the
// legacy line-oriented gateway protocol (COMMAND<sep>param1<sep>param2...).
//
// Tokens come in three shapes:
//   - plain: runs to the next delimiter,
//   - quoted: starts with the quote character, a doubled quote inside is one
//     literal quote,
//   - enclosed: starts with "(" and consumes balanced parenthesis nesting
//     before the delimiter is honored again.
package ntcodec

import "strings"

// Codec holds the delimiter and quote characters for one protocol dialect.
type Codec struct {
	Delim byte
	Quote byte
}

// Default is the dialect used by the SMS gateway line protocol.
var Default = Codec{Delim: ' ', Quote: '"'}

// QuoteToken wraps v in the codec quote character, doubling any embedded
// quote character. Empty values are returned untouched.
func (c Codec) QuoteToken(v string) string {
	if v == "" {
		return v
	}
	q := string(c.Quote)
	return q + strings.ReplaceAll(v, q, q+q) + q
}

// Split scans s left to right and returns its tokens.
//
// The inverse property Split(QuoteToken(x)) == [x] holds for every x, even
// when x embeds delimiters or quote characters.
func (c Codec) Split(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	i := 0
	for {
		tok, next := c.scanToken(s, i)
		out = append(out, tok)
		if next >= len(s) {
			break
		}
		// next points at the delimiter that terminated the token.
		i = next + 1
		if i > len(s) {
			break
		}
		if i == len(s) {
			// Trailing delimiter yields a final empty token.
			out = append(out, "")
			break
		}
	}
	return out
}

// scanToken consumes one token starting at i and returns the token plus the
// index of the delimiter that ended it (or len(s) at end of input).
func (c Codec) scanToken(s string, i int) (string, int) {
	if i >= len(s) {
		return "", len(s)
	}
	switch s[i] {
	case '(':
		return c.scanEnclosed(s, i)
	case c.Quote:
		return c.scanQuoted(s, i)
	default:
		return c.scanPlain(s, i)
	}
}

func (c Codec) scanPlain(s string, i int) (string, int) {
	j := i
	for j < len(s) && s[j] != c.Delim {
		j++
	}
	return s[i:j], j
}

// scanEnclosed keeps the parentheses as part of the token; only nesting depth
// decides when delimiters become significant again.
func (c Codec) scanEnclosed(s string, i int) (string, int) {
	depth := 0
	j := i
	for j < len(s) {
		switch s[j] {
		case '(':
			depth++
		case ')':
			depth--
		case c.Delim:
			if depth <= 0 {
				return s[i:j], j
			}
		}
		j++
	}
	return s[i:j], j
}

// scanQuoted strips the surrounding quotes and folds doubled quotes into one
// literal quote character.
func (c Codec) scanQuoted(s string, i int) (string, int) {
	var b strings.Builder
	j := i + 1
	for j < len(s) {
		if s[j] == c.Quote {
			if j+1 < len(s) && s[j+1] == c.Quote {
				b.WriteByte(c.Quote)
				j += 2
				continue
			}
			// Closing quote. Anything up to the next delimiter belongs to
			// this token verbatim (malformed input tolerance).
			j++
			for j < len(s) && s[j] != c.Delim {
				b.WriteByte(s[j])
				j++
			}
			return b.String(), j
		}
		b.WriteByte(s[j])
		j++
	}
	// Unterminated quote: treat the rest of the line as the token.
	return b.String(), len(s)
}

// Line assembles a protocol line from a command and its parameters, quoting
// every non-empty parameter.
func (c Codec) Line(command string, params ...string) string {
	var b strings.Builder
	b.WriteString(command)
	for _, p := range params {
		b.WriteByte(c.Delim)
		b.WriteString(c.QuoteToken(p))
	}
	return b.String()
}

// QuoteToken applies the default dialect.
func QuoteToken(v string) string { return Default.QuoteToken(v) }

// Split applies the default dialect.
func Split(s string) []string { return Default.Split(s) }

// Line applies the default dialect.
func Line(command string, params ...string) string { return Default.Line(command, params...) }
