package threat

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokPath
	tokOp
	tokKeyword
	tokString
	tokNumber
	tokBool
	tokTyped // t'..', h'..', b'..'
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of pattern"
	}
	return fmt.Sprintf("%q at offset %d", t.text, t.pos)
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "FOLLOWEDBY": true, "NOT": true,
	"WITHIN": true, "SECONDS": true, "REPEATS": true, "TIMES": true,
	"START": true, "STOP": true,
	"IN": true, "LIKE": true, "MATCHES": true, "ISSUBSET": true, "ISSUPERSET": true,
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '[':
		l.pos++
		return token{tokLBracket, "[", start}, nil
	case c == ']':
		l.pos++
		return token{tokRBracket, "]", start}, nil
	case c == '(':
		l.pos++
		return token{tokLParen, "(", start}, nil
	case c == ')':
		l.pos++
		return token{tokRParen, ")", start}, nil
	case c == ',':
		l.pos++
		return token{tokComma, ",", start}, nil
	case c == '=':
		l.pos++
		return token{tokOp, "=", start}, nil
	case c == '!' || c == '<' || c == '>':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
		} else if c == '!' {
			return token{}, fmt.Errorf("unexpected '!' at offset %d", start)
		}
		return token{tokOp, l.src[start:l.pos], start}, nil
	case c == '\'':
		s, err := l.quoted()
		if err != nil {
			return token{}, err
		}
		return token{tokString, s, start}, nil
	case c == '-' || c == '+' || isDigit(c):
		return l.number()
	case isLetter(c):
		return l.word()
	}
	return token{}, fmt.Errorf("unexpected %q at offset %d", c, start)
}

// quoted reads a single-quoted literal starting at l.pos and returns the
// unescaped contents.
func (l *lexer) quoted() (string, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '\\':
			if l.pos+1 >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at offset %d", l.pos)
			}
			n := l.src[l.pos+1]
			if n != '\'' && n != '\\' {
				return "", fmt.Errorf("invalid escape \\%c at offset %d", n, l.pos)
			}
			b.WriteByte(n)
			l.pos += 2
		case '\'':
			l.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", fmt.Errorf("unterminated string starting at offset %d", start)
}

func (l *lexer) number() (token, error) {
	start := l.pos
	if c := l.src[l.pos]; c == '-' || c == '+' {
		l.pos++
	}
	digits := l.pos
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	if l.pos == digits {
		return token{}, fmt.Errorf("malformed number at offset %d", start)
	}
	return token{tokNumber, l.src[start:l.pos], start}, nil
}

func (l *lexer) word() (token, error) {
	start := l.pos
	// typed literals: t'2020-01-01T00:00:00Z', h'ff', b'AA=='
	if c := l.src[l.pos]; (c == 't' || c == 'h' || c == 'b') && l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
		l.pos++
		s, err := l.quoted()
		if err != nil {
			return token{}, err
		}
		return token{tokTyped, string(c) + ":" + s, start}, nil
	}
	for l.pos < len(l.src) && isTypeChar(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == ':' {
		return l.path(start)
	}
	w := l.src[start:l.pos]
	switch {
	case keywords[w]:
		return token{tokKeyword, w, start}, nil
	case w == "true" || w == "false":
		return token{tokBool, w, start}, nil
	}
	return token{}, fmt.Errorf("unexpected word %q at offset %d", w, start)
}

// path reads the property part of an object path after the object type.
func (l *lexer) path(start int) (token, error) {
	l.pos++ // ':'
	propStart := l.pos
scan:
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isPropChar(c) || c == '.':
			l.pos++
		case c == '\'':
			if _, err := l.quoted(); err != nil {
				return token{}, err
			}
		case c == '[':
			end := strings.IndexByte(l.src[l.pos:], ']')
			idx := ""
			if end > 0 {
				idx = l.src[l.pos+1 : l.pos+end]
			}
			if idx != "*" && !allDigits(idx) {
				return token{}, fmt.Errorf("invalid list index at offset %d", l.pos)
			}
			l.pos += end + 1
		default:
			break scan
		}
	}
	if l.pos == propStart {
		return token{}, fmt.Errorf("object path without property at offset %d", start)
	}
	return token{tokPath, l.src[start:l.pos], start}, nil
}

func isDigit(c byte) bool     { return c >= '0' && c <= '9' }
func isLetter(c byte) bool    { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isTypeChar(c byte) bool  { return isLetter(c) || isDigit(c) || c == '-' || c == '_' }
func isPropChar(c byte) bool  { return isTypeChar(c) }
func allDigits(s string) bool { return s != "" && strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0 }

type parser struct {
	lex lexer
	tok token
	out []Comparison
}

// ParsePattern parses a STIX-2 pattern and returns its comparison
// expressions in source order. Observation operators and qualifiers are
// validated but otherwise ignored.
func ParsePattern(pattern string) ([]Comparison, error) {
	p := &parser{lex: lexer{src: pattern}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokEOF {
		return nil, fmt.Errorf("empty pattern")
	}
	if err := p.observationExpr(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s", p.tok)
	}
	return p.out, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(kind tokenKind, what string) error {
	if p.tok.kind != kind {
		return fmt.Errorf("expected %s, got %s", what, p.tok)
	}
	return p.advance()
}

func (p *parser) isKeyword(words ...string) bool {
	if p.tok.kind != tokKeyword {
		return false
	}
	for _, w := range words {
		if p.tok.text == w {
			return true
		}
	}
	return false
}

func (p *parser) observationExpr() error {
	if err := p.observationTerm(); err != nil {
		return err
	}
	for p.isKeyword("AND", "OR", "FOLLOWEDBY") {
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.observationTerm(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) observationTerm() error {
	switch p.tok.kind {
	case tokLBracket:
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.comparisonExpr(); err != nil {
			return err
		}
		if err := p.expect(tokRBracket, "']'"); err != nil {
			return err
		}
	case tokLParen:
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.observationExpr(); err != nil {
			return err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("expected observation, got %s", p.tok)
	}
	return p.qualifiers()
}

func (p *parser) qualifiers() error {
	for {
		switch {
		case p.isKeyword("WITHIN"):
			if err := p.qualifier(tokNumber, "SECONDS"); err != nil {
				return err
			}
		case p.isKeyword("REPEATS"):
			if err := p.qualifier(tokNumber, "TIMES"); err != nil {
				return err
			}
		case p.isKeyword("START"):
			if err := p.qualifier(tokTyped, "STOP"); err != nil {
				return err
			}
			if err := p.expect(tokTyped, "timestamp"); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// qualifier consumes `KEYWORD <arg> <closing keyword>`.
func (p *parser) qualifier(arg tokenKind, closing string) error {
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expect(arg, "qualifier argument"); err != nil {
		return err
	}
	if !p.isKeyword(closing) {
		return fmt.Errorf("expected %s, got %s", closing, p.tok)
	}
	return p.advance()
}

func (p *parser) comparisonExpr() error {
	if err := p.comparisonTerm(); err != nil {
		return err
	}
	for p.isKeyword("AND", "OR") {
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.comparisonTerm(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) comparisonTerm() error {
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.comparisonExpr(); err != nil {
			return err
		}
		return p.expect(tokRParen, "')'")
	}
	return p.comparison()
}

func (p *parser) comparison() error {
	if p.tok.kind != tokPath {
		return fmt.Errorf("expected object path, got %s", p.tok)
	}
	c := Comparison{ObjectPath: p.tok.text}
	if err := p.advance(); err != nil {
		return err
	}
	if p.isKeyword("NOT") {
		c.Negated = true
		if err := p.advance(); err != nil {
			return err
		}
	}
	switch {
	case p.tok.kind == tokOp, p.isKeyword("IN", "LIKE", "MATCHES", "ISSUBSET", "ISSUPERSET"):
		c.Operator = p.tok.text
	default:
		return fmt.Errorf("expected comparison operator, got %s", p.tok)
	}
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.value(&c); err != nil {
		return err
	}
	p.out = append(p.out, c)
	return nil
}

func (p *parser) value(c *Comparison) error {
	switch p.tok.kind {
	case tokString:
		c.Value, c.Literal = p.tok.text, true
	case tokNumber, tokBool, tokTyped:
		c.Value = p.tok.text
	case tokLParen:
		if err := p.advance(); err != nil {
			return err
		}
		var items []string
		for {
			switch p.tok.kind {
			case tokString, tokNumber, tokBool, tokTyped:
				items = append(items, p.tok.text)
			default:
				return fmt.Errorf("expected list value, got %s", p.tok)
			}
			if err := p.advance(); err != nil {
				return err
			}
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return err
			}
		}
		if p.tok.kind != tokRParen {
			return fmt.Errorf("expected ')', got %s", p.tok)
		}
		c.Value = "(" + strings.Join(items, ",") + ")"
	default:
		return fmt.Errorf("expected value, got %s", p.tok)
	}
	return p.advance()
}

// ValidateObjectPath reports whether path is a syntactically valid STIX
// object path such as `domain-name:value` or `file:hashes.'SHA-256'`.
func ValidateObjectPath(path string) error {
	l := lexer{src: path}
	t, err := l.next()
	if err != nil {
		return err
	}
	if t.kind != tokPath || t.text != path {
		return fmt.Errorf("%q is not an object path", path)
	}
	return nil
}
