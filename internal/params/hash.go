package params

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// Hash returns the cache key for s: a hex SHA-1 over the (name, normalized
// expression) pairs sorted by name. Insertion order, units, labels and error
// messages do not contribute.
func Hash(s *Set) string {
	items := s.Items()
	pairs := make([][2]string, 0, len(items))
	for _, e := range items {
		pairs = append(pairs, [2]string{e.Name, NormalizeExpression(e.Value)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	h := sha1.New()
	for _, p := range pairs {
		h.Write([]byte(p[0]))
		h.Write([]byte{0x1f})
		h.Write([]byte(p[1]))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeExpression canonicalizes an expression so that textually
// equivalent spellings compare equal: surrounding and repeated whitespace is
// dropped, tokens are separated by one space and a unit token following a
// number is lowercased ("10MM" and " 10 mm" both become "10 mm"). Quoted text
// is kept verbatim. Malformed input is still normalized token by token.
func NormalizeExpression(expr string) string {
	toks := tokenize(strings.TrimSpace(expr))
	for i := 1; i < len(toks); i++ {
		if toks[i].kind == tokIdent && toks[i-1].kind == tokNumber {
			toks[i].text = strings.ToLower(toks[i].text)
		}
	}
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.text
	}
	return strings.Join(parts, " ")
}

type tokKind int

const (
	tokNumber tokKind = iota
	tokIdent
	tokString
	tokOther
)

type token struct {
	kind tokKind
	text string
}

func tokenize(s string) []token {
	rs := []rune(s)
	var out []token
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '"':
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				j++
			}
			if j < len(rs) {
				j++
			}
			out = append(out, token{tokString, string(rs[i:j])})
			i = j
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			out = append(out, token{tokNumber, string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			out = append(out, token{tokIdent, string(rs[i:j])})
			i = j
		default:
			out = append(out, token{tokOther, string(r)})
			i++
		}
	}
	return out
}
