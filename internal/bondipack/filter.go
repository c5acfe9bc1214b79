package bondipack

import (
	"fmt"
	"strings"
)

// Filter is a compiled "if:" expression. Words evaluate to true when they
// are in the set of true terms for the current target; "true" and "false"
// are constants. The empty expression is true.
//
//	expr := term { "or" term }
//	term := factor { "and" factor }
//	factor := "!" factor | "(" expr ")" | word
type Filter struct {
	src  string
	root filterNode
}

const maxFilterDepth = 64

type filterNode interface {
	eval(terms map[string]bool) bool
}

type (
	wordNode string
	notNode  struct{ x filterNode }
	andNode  struct{ l, r filterNode }
	orNode   struct{ l, r filterNode }
)

func (n wordNode) eval(terms map[string]bool) bool {
	switch n {
	case "true":
		return true
	case "false":
		return false
	}
	return terms[string(n)]
}
func (n notNode) eval(t map[string]bool) bool { return !n.x.eval(t) }
func (n andNode) eval(t map[string]bool) bool { return n.l.eval(t) && n.r.eval(t) }
func (n orNode) eval(t map[string]bool) bool  { return n.l.eval(t) || n.r.eval(t) }

// ParseFilter compiles expr. Syntax errors carry the 1-based position.
func ParseFilter(expr string) (*Filter, error) {
	toks, err := tokenizeFilter(expr)
	if err != nil {
		return nil, err
	}
	f := &Filter{src: expr}
	if len(toks) == 0 {
		return f, nil
	}
	p := &filterParser{toks: toks}
	root, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("syntax error at position %d", p.toks[p.pos].pos)
	}
	f.root = root
	return f, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}

// Eval reports whether the filter holds for the given true terms. A nil
// or empty filter is true.
func (f *Filter) Eval(terms map[string]bool) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.eval(terms)
}

type filterToken struct {
	kind string // "word", "and", "or", "not", "open", "close"
	text string
	pos  int
}

func isWordStart(c byte) bool { return c >= 'a' && c <= 'z' }

func isWordChar(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '-' || c == '_'
}

func tokenizeFilter(expr string) ([]filterToken, error) {
	var toks []filterToken
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, filterToken{"open", "(", i + 1})
			i++
		case c == ')':
			toks = append(toks, filterToken{"close", ")", i + 1})
			i++
		case c == '!':
			toks = append(toks, filterToken{"not", "!", i + 1})
			i++
		case isWordStart(c):
			j := i + 1
			for j < len(expr) && isWordChar(expr[j]) {
				j++
			}
			word := expr[i:j]
			kind := "word"
			if word == "and" || word == "or" {
				kind = word
			}
			toks = append(toks, filterToken{kind, word, i + 1})
			i = j
		default:
			return nil, fmt.Errorf("invalid token %q at position %d", string(c), i+1)
		}
	}
	return toks, nil
}

type filterParser struct {
	toks []filterToken
	pos  int
}

func (p *filterParser) peek() *filterToken {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *filterParser) parseOr(depth int) (filterNode, error) {
	left, err := p.parseAnd(depth)
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == "or"; t = p.peek() {
		p.pos++
		right, err := p.parseAnd(depth)
		if err != nil {
			return nil, fmt.Errorf("operator \"or\" at position %d is missing its right hand operand", t.pos)
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *filterParser) parseAnd(depth int) (filterNode, error) {
	left, err := p.parseFactor(depth)
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == "and"; t = p.peek() {
		p.pos++
		right, err := p.parseFactor(depth)
		if err != nil {
			return nil, fmt.Errorf("operator \"and\" at position %d is missing its right hand operand", t.pos)
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *filterParser) parseFactor(depth int) (filterNode, error) {
	if depth > maxFilterDepth {
		return nil, fmt.Errorf("expression generates too many levels of recursion")
	}
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case "word":
		p.pos++
		return wordNode(t.text), nil
	case "not":
		p.pos++
		x, err := p.parseFactor(depth + 1)
		if err != nil {
			return nil, fmt.Errorf("operator '!' requires an operand at position %d", t.pos)
		}
		return notNode{x}, nil
	case "open":
		p.pos++
		x, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if c := p.peek(); c == nil || c.kind != "close" {
			return nil, fmt.Errorf("unmatched '(' at position %d", t.pos)
		}
		p.pos++
		return x, nil
	}
	if t.kind == "and" || t.kind == "or" {
		return nil, fmt.Errorf("operator %q at position %d is missing its left hand operand", t.text, t.pos)
	}
	return nil, fmt.Errorf("syntax error at position %d", t.pos)
}

// TrueTerms returns the words that evaluate to true for cfg.
func TrueTerms(cfg *BuildConfig) map[string]bool {
	return map[string]bool{
		string(cfg.BuildFor) + "-build":           true,
		"tools-" + strings.ToLower(cfg.ToolsArch): true,
		strings.ToLower(cfg.Arch):                 true,
		string(cfg.Libc):                          true,
	}
}
