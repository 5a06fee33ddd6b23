package cad

import (
	"strings"
	"unicode"
)

type unitCategory int

const (
	categoryUnknown unitCategory = iota
	categoryLength
	categoryAngle
	categoryMass
	categoryTime
	categoryUnitless
	categoryText
	categoryBoolean
)

var unitCategories = map[string]unitCategory{
	"mm": categoryLength, "cm": categoryLength, "m": categoryLength, "km": categoryLength,
	"um": categoryLength, "in": categoryLength, "ft": categoryLength, "yd": categoryLength,
	"mil": categoryLength,
	"deg": categoryAngle, "rad": categoryAngle, "grad": categoryAngle,
	"g": categoryMass, "kg": categoryMass, "lbmass": categoryMass,
	"s": categoryTime, "ms": categoryTime, "min": categoryTime, "hr": categoryTime,
	"ul": categoryUnitless,
	"text": categoryText,
	"boolean": categoryBoolean,
}

func categoryOf(unit string) unitCategory {
	return unitCategories[strings.ToLower(strings.TrimSpace(unit))]
}

// KnownUnit reports whether unit names a supported unit kind.
func KnownUnit(unit string) bool {
	return categoryOf(unit) != categoryUnknown
}

// ValidateExpression reports whether expr is a well-formed expression for
// unitKind. Text parameters take one double-quoted literal, booleans take
// True or False, and everything else takes arithmetic over numbers, parameter
// references (checked with isParam) and units of the parameter's category.
func ValidateExpression(expr, unitKind string, isParam func(string) bool) bool {
	cat := categoryOf(unitKind)
	expr = strings.TrimSpace(expr)
	switch cat {
	case categoryUnknown:
		return false
	case categoryText:
		return len(expr) >= 2 && strings.HasPrefix(expr, `"`) && strings.HasSuffix(expr, `"`) &&
			!strings.Contains(expr[1:len(expr)-1], `"`)
	case categoryBoolean:
		return strings.EqualFold(expr, "true") || strings.EqualFold(expr, "false")
	}
	toks, ok := lex(expr)
	if !ok || len(toks) == 0 {
		return false
	}
	p := &exprParser{toks: toks, cat: cat, isParam: isParam}
	if !p.expr() {
		return false
	}
	return p.pos == len(p.toks)
}

type lexKind int

const (
	lexNumber lexKind = iota
	lexIdent
	lexOp
	lexOpen
	lexClose
)

type lexeme struct {
	kind lexKind
	text string
}

func lex(s string) ([]lexeme, bool) {
	rs := []rune(s)
	var out []lexeme
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			j, dots := i, 0
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				if rs[j] == '.' {
					dots++
				}
				j++
			}
			if dots > 1 || string(rs[i:j]) == "." {
				return nil, false
			}
			out = append(out, lexeme{lexNumber, string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			out = append(out, lexeme{lexIdent, string(rs[i:j])})
			i = j
		case strings.ContainsRune("+-*/^", r):
			out = append(out, lexeme{lexOp, string(r)})
			i++
		case r == '(':
			out = append(out, lexeme{lexOpen, "("})
			i++
		case r == ')':
			out = append(out, lexeme{lexClose, ")"})
			i++
		default:
			return nil, false
		}
	}
	return out, true
}

// exprParser is a recursive-descent recognizer:
//
//	expr   = term { ("+" | "-") term }
//	term   = factor { ("*" | "/" | "^") factor }
//	factor = ("+" | "-") factor | "(" expr ")" | number [unit] | ident
type exprParser struct {
	toks    []lexeme
	pos     int
	cat     unitCategory
	isParam func(string) bool
}

func (p *exprParser) peek() (lexeme, bool) {
	if p.pos >= len(p.toks) {
		return lexeme{}, false
	}
	return p.toks[p.pos], true
}

func (p *exprParser) expr() bool {
	if !p.term() {
		return false
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != lexOp || (t.text != "+" && t.text != "-") {
			return true
		}
		p.pos++
		if !p.term() {
			return false
		}
	}
}

func (p *exprParser) term() bool {
	if !p.factor() {
		return false
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != lexOp || (t.text != "*" && t.text != "/" && t.text != "^") {
			return true
		}
		p.pos++
		if !p.factor() {
			return false
		}
	}
}

func (p *exprParser) factor() bool {
	t, ok := p.peek()
	if !ok {
		return false
	}
	switch t.kind {
	case lexOp:
		if t.text != "+" && t.text != "-" {
			return false
		}
		p.pos++
		return p.factor()
	case lexOpen:
		p.pos++
		if !p.expr() {
			return false
		}
		c, ok := p.peek()
		if !ok || c.kind != lexClose {
			return false
		}
		p.pos++
		return true
	case lexNumber:
		p.pos++
		if u, ok := p.peek(); ok && u.kind == lexIdent {
			cat := categoryOf(u.text)
			if cat == categoryUnknown {
				return false
			}
			if cat != p.cat && cat != categoryUnitless {
				return false
			}
			p.pos++
		}
		return true
	case lexIdent:
		p.pos++
		return p.isParam != nil && p.isParam(t.text)
	default:
		return false
	}
}
