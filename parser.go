// parser.go: Pratt parser producing compact S-expressions.
//
// OVERVIEW
// --------
// Consumes the token stream from lexer.go and builds a Lisp-style
// S-expression AST. Every node is a []any whose first element is a string
// tag. The tags:
//
//	("int", int64)                  ("float", float64)
//	("str", text)                   ("interp", part...)
//	("path", text) ("hpath", text) ("spath", text)
//	("id", name)
//	("lam", name, body)
//	("plam", ("formals", ("formal", name, defaultOrNil)...), ellipsis, alias, body)
//	("app", fn, arg)
//	("let", ("binds", pair...), body)
//	("rec", pair...)                ("attrs", pair...)
//	("pair", key, value)            ("ipair", key, value)   inherit-derived
//	("list", elem...)
//	("if", cond, then, else)
//	("binop", op, a, b)             ("unop", op, a)
//	("select", base, ("apath", key...), defaultOrNil)
//	("has", base, ("apath", key...))
//	("with", subject, body)
//	("assert", cond, body)
//
// Attribute-path keys are ("str", name) when static, or an arbitrary
// expression when dynamic. An "ipair" is a "pair" whose value must be
// resolved in the scope enclosing the binding group, which matters for
// recursive groups.
//
// Interpolated strings: the lexer captures each ${...} as raw source; this
// parser parses the captured source with a sub-parser and re-bases the
// positions of any diagnostics onto the outer source.
//
// Dependencies
// ------------
//   - lexer.go
//   - errors.go (*Error, DiagParse, DiagIncomplete, IsIncomplete)
package nixsub

import (
	"fmt"
	"strconv"
)

////////////////////////////////////////////////////////////////////////////////
//                                  PUBLIC API
////////////////////////////////////////////////////////////////////////////////

type S = []any

func L(tag string, parts ...any) S { return append([]any{tag}, parts...) }

// ParseExpr parses a complete source string as one expression.
func ParseExpr(src string) (S, error) {
	lex := NewLexer(src)
	toks, err := lex.Scan()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src}
	return p.unit()
}

// ParseExprInteractive parses in REPL-friendly mode. Constructs cut off by
// end of input produce *Error{Kind: DiagIncomplete}.
func ParseExprInteractive(src string) (S, error) {
	lex := NewLexer(src)
	toks, err := lex.Scan()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src, interactive: true}
	return p.unit()
}

// Tag returns the tag of an S-expression node, or "" when the node is not
// one.
func Tag(n any) string {
	s, ok := n.(S)
	if !ok || len(s) == 0 {
		return ""
	}
	t, _ := s[0].(string)
	return t
}

//// END_OF_PUBLIC

////////////////////////////////////////////////////////////////////////////////
///////////////////////////// PRIVATE IMPLEMENTATION ///////////////////////////
////////////////////////////////////////////////////////////////////////////////

type parser struct {
	toks        []Token
	i           int
	interactive bool
	src         string
}

// ─────────────────────────── token basics & helpers ─────────────────────────

func (p *parser) atEnd() bool { return p.peek().Type == EOF }

func (p *parser) peek() Token {
	if p.i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i]
}

func (p *parser) peekAt(n int) Token {
	idx := p.i + n
	if idx >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[idx]
}

func (p *parser) prev() Token { return p.toks[p.i-1] }

func (p *parser) match(tt ...TokenType) bool {
	if p.atEnd() {
		return false
	}
	for _, t := range tt {
		if p.peek().Type == t {
			p.i++
			return true
		}
	}
	return false
}

func (p *parser) need(t TokenType, msg string) (Token, error) {
	if p.match(t) {
		return p.prev(), nil
	}
	return Token{}, p.errHere(msg)
}

// errHere positions a diagnostic at the current token. At EOF in
// interactive mode the diagnostic downgrades to DiagIncomplete.
func (p *parser) errHere(msg string) error {
	g := p.peek()
	kind := DiagParse
	if g.Type == EOF && p.interactive {
		kind = DiagIncomplete
	}
	return &Error{Kind: kind, Msg: msg, Line: g.Line, Col: g.Col}
}

// ───────────────────────────────── entry ────────────────────────────────────

func (p *parser) unit() (S, error) {
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, p.errHere(fmt.Sprintf("unexpected token %q after expression", p.peek().Lexeme))
	}
	return e, nil
}

// ─────────────────────────── expression level ───────────────────────────────

// expr handles the loosest-binding forms (lambdas, let, with, if, assert)
// and otherwise falls through to the operator ladder.
func (p *parser) expr() (S, error) {
	switch p.peek().Type {
	case LET:
		return p.letExpr()
	case WITH:
		p.i++
		subj, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(SEMI, "expected ';' after with subject"); err != nil {
			return nil, err
		}
		body, err := p.expr()
		if err != nil {
			return nil, err
		}
		return L("with", subj, body), nil
	case IF:
		p.i++
		cond, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(THEN, "expected 'then'"); err != nil {
			return nil, err
		}
		thn, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(ELSE, "expected 'else'"); err != nil {
			return nil, err
		}
		els, err := p.expr()
		if err != nil {
			return nil, err
		}
		return L("if", cond, thn, els), nil
	case ASSERT:
		p.i++
		cond, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(SEMI, "expected ';' after assert condition"); err != nil {
			return nil, err
		}
		body, err := p.expr()
		if err != nil {
			return nil, err
		}
		return L("assert", cond, body), nil
	case ID:
		// x: body          simple lambda
		// x @ {...}: body  alias-first pattern lambda
		if p.peekAt(1).Type == COLON {
			name := p.peek().Lexeme
			p.i += 2
			body, err := p.expr()
			if err != nil {
				return nil, err
			}
			return L("lam", name, body), nil
		}
		if p.peekAt(1).Type == AT && p.peekAt(2).Type == LCURLY {
			alias := p.peek().Lexeme
			p.i += 2
			return p.patternLambda(alias)
		}
	case LCURLY:
		if p.plamAhead() {
			return p.patternLambda("")
		}
	}
	return p.opExpr(1)
}

// plamAhead reports whether the '{' at the cursor opens a pattern-lambda
// rather than an attribute set: its matching '}' must be followed by ':'
// or '@'.
func (p *parser) plamAhead() bool {
	depth := 0
	for j := p.i; ; j++ {
		t := p.peekAt(j - p.i)
		switch t.Type {
		case LCURLY, DOLLAR_CURLY:
			depth++
		case RCURLY:
			depth--
			if depth == 0 {
				after := p.peekAt(j - p.i + 1)
				return after.Type == COLON || after.Type == AT
			}
		case EOF:
			return false
		}
	}
}

// patternLambda parses '{' formals '}' with an optional '@' alias on
// either side; the cursor is on the '{'.
func (p *parser) patternLambda(alias string) (S, error) {
	if _, err := p.need(LCURLY, "expected '{'"); err != nil {
		return nil, err
	}
	formals := L("formals")
	ellipsis := false
	for !p.match(RCURLY) {
		if p.atEnd() {
			return nil, p.errHere("expected '}' to close the pattern")
		}
		if p.match(ELLIPSIS) {
			ellipsis = true
			if !p.match(COMMA) {
				if _, err := p.need(RCURLY, "expected '}' after '...'"); err != nil {
					return nil, err
				}
				break
			}
			continue
		}
		nameTok, err := p.need(ID, "expected a formal parameter name")
		if err != nil {
			return nil, err
		}
		var def any
		if p.match(HAS) {
			d, err := p.expr()
			if err != nil {
				return nil, err
			}
			def = d
		}
		formals = append(formals, L("formal", nameTok.Lexeme, def))
		if !p.match(COMMA) {
			if _, err := p.need(RCURLY, "expected ',' or '}' in pattern"); err != nil {
				return nil, err
			}
			break
		}
	}
	if alias == "" && p.match(AT) {
		aliasTok, err := p.need(ID, "expected a name after '@'")
		if err != nil {
			return nil, err
		}
		alias = aliasTok.Lexeme
	}
	if _, err := p.need(COLON, "expected ':' after pattern"); err != nil {
		return nil, err
	}
	body, err := p.expr()
	if err != nil {
		return nil, err
	}
	return L("plam", formals, ellipsis, alias, body), nil
}

// ───────────────────────────── let & bindings ───────────────────────────────

func (p *parser) letExpr() (S, error) {
	p.i++ // 'let'
	binds := L("binds")
	seen := map[string]bool{}
	for !p.match(IN) {
		if p.atEnd() {
			return nil, p.errHere("expected 'in' to close let")
		}
		if p.peek().Type == INHERIT {
			pairs, err := p.inheritClause()
			if err != nil {
				return nil, err
			}
			for _, pr := range pairs {
				name := pr.(S)[1].(S)[1].(string)
				if seen[name] {
					return nil, p.errHere(fmt.Sprintf("attribute %q already defined", name))
				}
				seen[name] = true
				binds = append(binds, pr)
			}
			continue
		}
		nameTok, err := p.need(ID, "expected a binding name in let")
		if err != nil {
			return nil, err
		}
		if seen[nameTok.Lexeme] {
			return nil, &Error{Kind: DiagParse, Msg: fmt.Sprintf("attribute %q already defined", nameTok.Lexeme), Line: nameTok.Line, Col: nameTok.Col}
		}
		seen[nameTok.Lexeme] = true
		if _, err := p.need(ASSIGN, "expected '=' in let binding"); err != nil {
			return nil, err
		}
		val, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(SEMI, "expected ';' after let binding"); err != nil {
			return nil, err
		}
		binds = append(binds, L("pair", L("str", nameTok.Lexeme), val))
	}
	body, err := p.expr()
	if err != nil {
		return nil, err
	}
	return L("let", binds, body), nil
}

// inheritClause parses `inherit a b;` or `inherit (src) a b;` into ipairs.
// The cursor is on 'inherit'.
func (p *parser) inheritClause() ([]any, error) {
	p.i++
	var src S
	if p.match(LROUND) {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(RROUND, "expected ')' after inherit source"); err != nil {
			return nil, err
		}
		src = e
	}
	var pairs []any
	for !p.match(SEMI) {
		if p.atEnd() {
			return nil, p.errHere("expected ';' after inherit")
		}
		name, err := p.attrName()
		if err != nil {
			return nil, err
		}
		key, ok := staticKey(name)
		if !ok {
			return nil, p.errHere("dynamic attributes cannot be inherited")
		}
		var val S
		if src != nil {
			val = L("select", src, L("apath", L("str", key)), nil)
		} else {
			val = L("id", key)
		}
		pairs = append(pairs, L("ipair", L("str", key), val))
	}
	if len(pairs) == 0 {
		return nil, p.errHere("inherit needs at least one attribute")
	}
	return pairs, nil
}

// attrName parses one attrpath element: identifier, string (static or
// interpolated), or ${expr}.
func (p *parser) attrName() (S, error) {
	switch p.peek().Type {
	case ID:
		t := p.peek()
		p.i++
		return L("str", t.Lexeme), nil
	case STRING, IND_STRING:
		t := p.peek()
		p.i++
		return p.stringNode(t)
	case DOLLAR_CURLY:
		p.i++
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(RCURLY, "expected '}' after dynamic attribute"); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, p.errHere("expected an attribute name")
}

// staticKey unwraps ("str", name) attrpath elements.
func staticKey(n S) (string, bool) {
	if Tag(n) == "str" {
		return n[1].(string), true
	}
	return "", false
}

// ───────────────────────────── attribute sets ───────────────────────────────

// bindTree builds the nested structure of `a.b.c = v;` style binds before
// they are flattened into pairs.
type bindTree struct {
	order []string
	sub   map[string]*bindTree
	leaf  map[string]any  // key -> value expr
	inh   map[string]bool // key came from inherit
}

func newBindTree() *bindTree {
	return &bindTree{sub: map[string]*bindTree{}, leaf: map[string]any{}, inh: map[string]bool{}}
}

func (bt *bindTree) note(name string) {
	if _, ok := bt.sub[name]; ok {
		return
	}
	if _, ok := bt.leaf[name]; ok {
		return
	}
	bt.order = append(bt.order, name)
}

func (bt *bindTree) insert(path []string, val any, inherited bool) error {
	name := path[0]
	if len(path) == 1 {
		if _, dup := bt.leaf[name]; dup {
			return fmt.Errorf("attribute %q already defined", name)
		}
		if _, dup := bt.sub[name]; dup {
			return fmt.Errorf("attribute %q already defined", name)
		}
		bt.note(name)
		bt.leaf[name] = val
		bt.inh[name] = inherited
		return nil
	}
	if _, clash := bt.leaf[name]; clash {
		return fmt.Errorf("attribute %q already defined", name)
	}
	child, ok := bt.sub[name]
	if !ok {
		bt.note(name)
		child = newBindTree()
		bt.sub[name] = child
	}
	return child.insert(path[1:], val, inherited)
}

// pairs materializes the tree into pair/ipair nodes, nesting subtrees as
// attrs literals.
func (bt *bindTree) pairs() []any {
	var out []any
	for _, name := range bt.order {
		if v, ok := bt.leaf[name]; ok {
			tag := "pair"
			if bt.inh[name] {
				tag = "ipair"
			}
			out = append(out, L(tag, L("str", name), v))
			continue
		}
		inner := append(S{"attrs"}, bt.sub[name].pairs()...)
		out = append(out, L("pair", L("str", name), inner))
	}
	return out
}

// attrBinds parses the inside of '{' ... '}' for attrs and rec attrs.
func (p *parser) attrBinds() (S, error) {
	tree := newBindTree()
	var dynamic []any // pairs with dynamic keys, kept in source order
	for !p.match(RCURLY) {
		if p.atEnd() {
			return nil, p.errHere("expected '}' to close attribute set")
		}
		if p.peek().Type == INHERIT {
			pairs, err := p.inheritClause()
			if err != nil {
				return nil, err
			}
			for _, pr := range pairs {
				name := pr.(S)[1].(S)[1].(string)
				if err := tree.insert([]string{name}, pr.(S)[2], true); err != nil {
					return nil, p.errHere(err.Error())
				}
			}
			continue
		}
		first, err := p.attrName()
		if err != nil {
			return nil, err
		}
		path := []any{first}
		for p.match(PERIOD) {
			next, err := p.attrName()
			if err != nil {
				return nil, err
			}
			path = append(path, next)
		}
		if _, err := p.need(ASSIGN, "expected '=' in attribute"); err != nil {
			return nil, err
		}
		val, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(SEMI, "expected ';' after attribute"); err != nil {
			return nil, err
		}
		statics := make([]string, 0, len(path))
		allStatic := true
		for _, el := range path {
			if k, ok := staticKey(el.(S)); ok {
				statics = append(statics, k)
			} else {
				allStatic = false
			}
		}
		if !allStatic {
			if len(path) > 1 {
				return nil, p.errHere("dynamic attributes cannot be nested")
			}
			dynamic = append(dynamic, L("pair", path[0], val))
			continue
		}
		if err := tree.insert(statics, val, false); err != nil {
			return nil, p.errHere(err.Error())
		}
	}
	binds := append(S{"binds"}, tree.pairs()...)
	binds = append(binds, dynamic...)
	return binds, nil
}

// ───────────────────────────── operator ladder ──────────────────────────────

type binInfo struct {
	prec  int
	right bool
	op    string
}

// Binding powers, loosest to tightest: -> 1, || 2, && 3, == != 4,
// comparisons 5, // 6, (! 7), + - 8, * / 9, ++ 10, (? 11), (neg 12),
// (application 13), (select 14).
var binPrec = map[TokenType]binInfo{
	IMPL:       {1, true, "->"},
	OR_OR:      {2, false, "||"},
	AND_AND:    {3, false, "&&"},
	EQ:         {4, false, "=="},
	NEQ:        {4, false, "!="},
	LESS:       {5, false, "<"},
	LESS_EQ:    {5, false, "<="},
	GREATER:    {5, false, ">"},
	GREATER_EQ: {5, false, ">="},
	UPDATE:     {6, true, "//"},
	PLUS:       {8, false, "+"},
	MINUS:      {8, false, "-"},
	MULT:       {9, false, "*"},
	DIV:        {9, false, "/"},
	CONCAT:     {10, true, "++"},
}

func (p *parser) opExpr(minPrec int) (S, error) {
	lhs, err := p.prefixExpr()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek().Type
		if t == HAS {
			if 11 < minPrec {
				break
			}
			p.i++
			apath, err := p.attrPath()
			if err != nil {
				return nil, err
			}
			lhs = L("has", lhs, apath)
			continue
		}
		info, ok := binPrec[t]
		if !ok || info.prec < minPrec {
			break
		}
		p.i++
		next := info.prec + 1
		if info.right {
			next = info.prec
		}
		rhs, err := p.opExpr(next)
		if err != nil {
			return nil, err
		}
		lhs = L("binop", info.op, lhs, rhs)
	}
	return lhs, nil
}

func (p *parser) prefixExpr() (S, error) {
	switch p.peek().Type {
	case NOT:
		p.i++
		e, err := p.opExpr(8)
		if err != nil {
			return nil, err
		}
		return L("unop", "!", e), nil
	case MINUS:
		p.i++
		e, err := p.opExpr(13)
		if err != nil {
			return nil, err
		}
		return L("unop", "-", e), nil
	}
	return p.appExpr()
}

// appExpr parses left-associative application by juxtaposition.
func (p *parser) appExpr() (S, error) {
	fn, err := p.selectExpr()
	if err != nil {
		return nil, err
	}
	for p.atomAhead() {
		arg, err := p.selectExpr()
		if err != nil {
			return nil, err
		}
		fn = L("app", fn, arg)
	}
	return fn, nil
}

func (p *parser) atomAhead() bool {
	switch p.peek().Type {
	case INT, FLOAT, STRING, IND_STRING, PATH, HPATH, SPATH, ID,
		LROUND, LCURLY, LSQUARE, REC:
		return true
	default:
		return false
	}
}

// selectExpr parses an atom with postfix attribute selection and an
// optional `or` default that covers the whole path.
func (p *parser) selectExpr() (S, error) {
	base, err := p.atom()
	if err != nil {
		return nil, err
	}
	if p.peek().Type != PERIOD {
		return base, nil
	}
	p.i++
	apath, err := p.attrPath()
	if err != nil {
		return nil, err
	}
	var def any
	if p.match(OR_KW) {
		d, err := p.selectExpr()
		if err != nil {
			return nil, err
		}
		def = d
	}
	return L("select", base, apath, def), nil
}

// attrPath parses a dotted attribute path; the cursor is on its first
// element.
func (p *parser) attrPath() (S, error) {
	first, err := p.attrName()
	if err != nil {
		return nil, err
	}
	apath := L("apath", first)
	for p.match(PERIOD) {
		next, err := p.attrName()
		if err != nil {
			return nil, err
		}
		apath = append(apath, next)
	}
	return apath, nil
}

// ────────────────────────────────── atoms ───────────────────────────────────

func (p *parser) atom() (S, error) {
	t := p.peek()
	switch t.Type {
	case INT:
		p.i++
		return L("int", t.Literal.(int64)), nil
	case FLOAT:
		p.i++
		return L("float", t.Literal.(float64)), nil
	case STRING, IND_STRING:
		p.i++
		return p.stringNode(t)
	case PATH:
		p.i++
		return L("path", t.Literal.(string)), nil
	case HPATH:
		p.i++
		return L("hpath", t.Literal.(string)), nil
	case SPATH:
		p.i++
		return L("spath", t.Literal.(string)), nil
	case ID:
		p.i++
		return L("id", t.Lexeme), nil
	case LROUND:
		p.i++
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(RROUND, "expected ')'"); err != nil {
			return nil, err
		}
		return e, nil
	case LSQUARE:
		p.i++
		list := L("list")
		for !p.match(RSQUARE) {
			if p.atEnd() {
				return nil, p.errHere("expected ']' to close list")
			}
			el, err := p.selectExpr()
			if err != nil {
				return nil, err
			}
			list = append(list, el)
		}
		return list, nil
	case LCURLY:
		p.i++
		binds, err := p.attrBinds()
		if err != nil {
			return nil, err
		}
		return append(S{"attrs"}, binds[1:]...), nil
	case REC:
		p.i++
		if _, err := p.need(LCURLY, "expected '{' after rec"); err != nil {
			return nil, err
		}
		binds, err := p.attrBinds()
		if err != nil {
			return nil, err
		}
		return append(S{"rec"}, binds[1:]...), nil
	}
	return nil, p.errHere("unexpected token " + describeToken(t))
}

func describeToken(t Token) string {
	if t.Type == EOF {
		return "end of input"
	}
	return strconv.Quote(t.Lexeme)
}

// ─────────────────────────── interpolated strings ───────────────────────────

// stringNode turns lexer pieces into ("str", text) when the literal is
// plain, or ("interp", part...) where parts are ("str", text) nodes and
// parsed sub-expressions.
func (p *parser) stringNode(t Token) (S, error) {
	pieces := t.Literal.([]StrPiece)
	if len(pieces) == 1 && !pieces[0].IsExpr {
		return L("str", pieces[0].Text), nil
	}
	node := L("interp")
	for _, pc := range pieces {
		if !pc.IsExpr {
			node = append(node, L("str", pc.Text))
			continue
		}
		sub, err := ParseExpr(pc.Expr)
		if err != nil {
			return nil, rebase(err, pc.Line, pc.Col)
		}
		node = append(node, sub)
	}
	return node, nil
}

// rebase shifts a sub-parse diagnostic onto the position of the piece it
// came from.
func rebase(err error, line, col int) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	if e.Line == 1 {
		e.Col += col
	}
	e.Line += line - 1
	return e
}
