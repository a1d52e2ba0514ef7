// lexer.go: byte scanner for the surface language
package nixsub

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenType represents the kind of token.
type TokenType int

const (
	// Special
	EOF TokenType = iota
	ILLEGAL

	// Punctuation
	LROUND  // "("
	RROUND  // ")"
	LSQUARE // "["
	RSQUARE // "]"
	LCURLY  // "{"
	RCURLY  // "}"
	SEMI    // ";"
	COLON   // ":"
	COMMA   // ","
	PERIOD  // "."
	AT      // "@"
	ASSIGN  // "="
	ELLIPSIS
	DOLLAR_CURLY // "${" opening a dynamic key or interpolation

	// Operators
	PLUS
	MINUS
	MULT
	DIV
	CONCAT // "++"
	UPDATE // "//"
	EQ     // "=="
	NEQ    // "!="
	LESS
	LESS_EQ
	GREATER
	GREATER_EQ
	AND_AND // "&&"
	OR_OR   // "||"
	IMPL    // "->"
	NOT     // "!"
	HAS     // "?"

	// Literals & identifiers
	ID
	INT
	FLOAT
	STRING     // "..." with optional interpolation
	IND_STRING // ''...'' indented string
	PATH       // ./x, ../x, /x, a/b
	HPATH      // ~/x
	SPATH      // <name/in/search/path>

	// Keywords
	LET
	IN
	REC
	WITH
	IF
	THEN
	ELSE
	ASSERT
	INHERIT
	OR_KW
)

// Token is a lexical token with optional literal value.
type Token struct {
	Type    TokenType
	Lexeme  string      // raw text slice
	Literal interface{} // parsed value for literals
	Line    int
	Col     int
}

// StrPiece is one segment of a (possibly interpolated) string literal:
// either literal text or the raw source of a ${...} expression, which the
// parser parses separately.
type StrPiece struct {
	Text   string
	Expr   string
	IsExpr bool
	Line   int
	Col    int
}

// keywords map. true/false/null and import are deliberately absent: the
// language treats them as ordinary identifiers resolved in the outermost
// scope, so they can be shadowed.
var keywords = map[string]TokenType{
	"let":     LET,
	"in":      IN,
	"rec":     REC,
	"with":    WITH,
	"if":      IF,
	"then":    THEN,
	"else":    ELSE,
	"assert":  ASSERT,
	"inherit": INHERIT,
	"or":      OR_KW,
}

// Lexer scans a source string into tokens.
type Lexer struct {
	src              string
	start            int // start index of current token
	cur              int // current index
	line             int // 1-based
	col              int // 0-based column within line
	tokens           []Token
	whitespaceBefore bool

	// precise token start position
	tokStartLine int
	tokStartCol  int
}

// NewLexer creates a new lexer for the given source.
func NewLexer(src string) *Lexer {
	return &Lexer{
		src:  src,
		line: 1,
		col:  0,
	}
}

func (l *Lexer) isAtEnd() bool { return l.cur >= len(l.src) }

func (l *Lexer) peek() (byte, bool) {
	if l.isAtEnd() {
		return 0, false
	}
	return l.src[l.cur], true
}

func (l *Lexer) peekN(n int) (byte, bool) {
	idx := l.cur + n
	if idx >= len(l.src) {
		return 0, false
	}
	return l.src[idx], true
}

func (l *Lexer) advance() (byte, bool) {
	if l.isAtEnd() {
		return 0, false
	}
	ch := l.src[l.cur]
	l.cur++
	if ch == '\n' {
		l.line++
		l.col = 0
	} else {
		l.col++
	}
	return ch, true
}

func (l *Lexer) rewindToStart() {
	// Rewind only within the current token; line/col of the token start are
	// preserved in tokStartLine/Col.
	l.cur = l.start
	l.line = l.tokStartLine
	l.col = l.tokStartCol
}

func (l *Lexer) addToken(tt TokenType, lit interface{}) Token {
	lex := l.src[l.start:l.cur]
	tok := Token{
		Type:    tt,
		Lexeme:  lex,
		Literal: lit,
		Line:    l.tokStartLine,
		Col:     l.tokStartCol,
	}
	l.tokens = append(l.tokens, tok)
	l.start = l.cur
	l.whitespaceBefore = false
	return tok
}

func (l *Lexer) previousToken() *Token {
	if len(l.tokens) == 0 {
		return nil
	}
	return &l.tokens[len(l.tokens)-1]
}

func (l *Lexer) skipWhitespace() {
	l.whitespaceBefore = false
	for !l.isAtEnd() {
		ch, _ := l.peek()
		switch ch {
		case ' ', '\r', '\n', '\t':
			l.whitespaceBefore = true
			l.advance()
			l.start = l.cur
		default:
			return
		}
	}
}

// helpers

func canBeLeftOperand(t TokenType) bool {
	switch t {
	case ID, STRING, IND_STRING, INT, FLOAT, PATH, HPATH, SPATH,
		RROUND, RSQUARE, RCURLY:
		return true
	default:
		return false
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
func isAlpha(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '_' }
func isIdentCont(b byte) bool {
	return (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '_' || b == '\'' || b == '-'
}

// isPathByte reports bytes that may appear in a path segment.
func isPathByte(b byte) bool {
	return (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '.' || b == '_' || b == '+' || b == '-'
}

// ----- errors -----

func (l *Lexer) err(msg string) error {
	return &Error{Kind: DiagLex, Line: l.line, Col: l.col, Msg: msg}
}

// errIncomplete marks constructs cut off by end of input so the REPL can
// keep reading lines.
func (l *Lexer) errIncomplete(msg string) error {
	return &Error{Kind: DiagIncomplete, Line: l.line, Col: l.col, Msg: msg}
}

// ----- path scanning -----

// tryScanPath attempts a maximal-munch path literal at the token start:
// [pathbyte]* ('/' [pathbyte]+)+ with at least one slash, or ~/... for a
// home-rooted path. On failure the lexer rewinds and reports false. Note
// that maximal munch makes `6/2` a path, exactly like the language this
// syntax comes from.
func (l *Lexer) tryScanPath() (Token, bool) {
	home := false
	if b, _ := l.peek(); b == '~' {
		if b2, ok := l.peekN(1); !ok || b2 != '/' {
			return Token{}, false
		}
		home = true
		l.advance()
	}
	sawSlash := false
	for {
		// segment bytes
		for {
			b, ok := l.peek()
			if !ok || !isPathByte(b) {
				break
			}
			l.advance()
		}
		b, ok := l.peek()
		if !ok || b != '/' {
			break
		}
		// a slash only continues the path when a path byte follows;
		// this keeps "//" the update operator and "/*" a comment
		b2, ok2 := l.peekN(1)
		if !ok2 || !isPathByte(b2) {
			break
		}
		l.advance()
		sawSlash = true
	}
	if !sawSlash {
		l.rewindToStart()
		return Token{}, false
	}
	text := l.src[l.start:l.cur]
	if home {
		return l.addToken(HPATH, text), true
	}
	return l.addToken(PATH, text), true
}

// trySearchPath scans <name/like/this> after a '<' has been consumed.
func (l *Lexer) trySearchPath() (Token, bool) {
	save := l.cur
	saveLine, saveCol := l.line, l.col
	var ok bool
	for {
		b, more := l.peek()
		if !more {
			break
		}
		if b == '>' {
			ok = l.cur > save // at least one byte inside
			break
		}
		if !isPathByte(b) && b != '/' {
			break
		}
		l.advance()
	}
	if !ok {
		l.cur = save
		l.line, l.col = saveLine, saveCol
		return Token{}, false
	}
	inner := l.src[save:l.cur]
	l.advance() // consume '>'
	return l.addToken(SPATH, inner), true
}

// ----- string scanning -----

// captureInterp records the raw source between "${" and its matching "}".
// Braces inside nested strings and comments do not count.
func (l *Lexer) captureInterp() (StrPiece, error) {
	startCur := l.cur
	line, col := l.line, l.col
	depth := 1
	for !l.isAtEnd() {
		ch, _ := l.advance()
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return StrPiece{Expr: l.src[startCur : l.cur-1], IsExpr: true, Line: line, Col: col}, nil
			}
		case '"':
			if err := l.skipQuoted(); err != nil {
				return StrPiece{}, err
			}
		case '\'':
			if b, ok := l.peek(); ok && b == '\'' {
				l.advance()
				if err := l.skipIndented(); err != nil {
					return StrPiece{}, err
				}
			}
		case '#':
			l.ignoreUntilNewline()
		case '/':
			if b, ok := l.peek(); ok && b == '*' {
				l.advance()
				if err := l.skipBlockComment(); err != nil {
					return StrPiece{}, err
				}
			}
		}
	}
	return StrPiece{}, l.errIncomplete("interpolation was not terminated")
}

// skipQuoted consumes the remainder of a "..." string during interpolation
// capture, without collecting its pieces.
func (l *Lexer) skipQuoted() error {
	for !l.isAtEnd() {
		ch, _ := l.advance()
		switch ch {
		case '"':
			return nil
		case '\\':
			l.advance()
		case '$':
			if b, ok := l.peek(); ok && b == '{' {
				l.advance()
				if _, err := l.captureInterp(); err != nil {
					return err
				}
			}
		}
	}
	return l.errIncomplete("string was not terminated")
}

// skipIndented consumes the remainder of an ''...'' string during
// interpolation capture.
func (l *Lexer) skipIndented() error {
	for !l.isAtEnd() {
		ch, _ := l.advance()
		switch ch {
		case '\'':
			if b, ok := l.peek(); ok && b == '\'' {
				l.advance()
				// ''' and ''$ and ''\ are escapes, anything else ends it
				if b2, ok2 := l.peek(); ok2 && (b2 == '\'' || b2 == '$' || b2 == '\\') {
					l.advance()
					continue
				}
				return nil
			}
		case '$':
			if b, ok := l.peek(); ok && b == '{' {
				l.advance()
				if _, err := l.captureInterp(); err != nil {
					return err
				}
			}
		}
	}
	return l.errIncomplete("indented string was not terminated")
}

// scanString parses a double-quoted string with \ escapes and ${...}
// interpolation into pieces.
func (l *Lexer) scanString() ([]StrPiece, error) {
	// consume the delimiter
	l.advance()

	var pieces []StrPiece
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			pieces = append(pieces, StrPiece{Text: buf.String()})
			buf.Reset()
		}
	}
	for !l.isAtEnd() {
		ch, _ := l.advance()
		switch ch {
		case '"':
			flush()
			if pieces == nil {
				pieces = []StrPiece{{Text: ""}}
			}
			return pieces, nil
		case '\\':
			esc, ok := l.advance()
			if !ok {
				return nil, l.errIncomplete("unfinished escape sequence")
			}
			switch esc {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			default:
				// covers \" \\ \$ and passes anything else through
				buf.WriteByte(esc)
			}
		case '$':
			if b, ok := l.peek(); ok && b == '{' {
				l.advance()
				part, err := l.captureInterp()
				if err != nil {
					return nil, err
				}
				flush()
				pieces = append(pieces, part)
			} else {
				buf.WriteByte('$')
			}
		default:
			buf.WriteByte(ch)
		}
	}
	return nil, l.errIncomplete("string was not terminated")
}

// scanIndentString parses an ''...'' string (both opening quotes already
// consumed) and strips the common indentation.
func (l *Lexer) scanIndentString() ([]StrPiece, error) {
	var pieces []StrPiece
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			pieces = append(pieces, StrPiece{Text: buf.String()})
			buf.Reset()
		}
	}
	for !l.isAtEnd() {
		ch, _ := l.advance()
		switch ch {
		case '\'':
			b, ok := l.peek()
			if !ok || b != '\'' {
				buf.WriteByte('\'')
				continue
			}
			l.advance()
			// escape forms: ''' -> '', ''$ -> $, ''\x -> x-escape
			if b2, ok2 := l.peek(); ok2 {
				switch b2 {
				case '\'':
					l.advance()
					buf.WriteString("''")
					continue
				case '$':
					l.advance()
					buf.WriteByte('$')
					continue
				case '\\':
					l.advance()
					esc, ok3 := l.advance()
					if !ok3 {
						return nil, l.errIncomplete("unfinished escape sequence")
					}
					switch esc {
					case 'n':
						buf.WriteByte('\n')
					case 'r':
						buf.WriteByte('\r')
					case 't':
						buf.WriteByte('\t')
					default:
						buf.WriteByte(esc)
					}
					continue
				}
			}
			flush()
			if pieces == nil {
				pieces = []StrPiece{{Text: ""}}
			}
			return stripIndent(pieces), nil
		case '$':
			if b, ok := l.peek(); ok && b == '{' {
				l.advance()
				part, err := l.captureInterp()
				if err != nil {
					return nil, err
				}
				flush()
				pieces = append(pieces, part)
			} else {
				buf.WriteByte('$')
			}
		default:
			buf.WriteByte(ch)
		}
	}
	return nil, l.errIncomplete("indented string was not terminated")
}

// stripIndent removes the minimal indentation shared by the lines of an
// indented string, and drops a whitespace-only first line.
func stripIndent(pieces []StrPiece) []StrPiece {
	// drop a whitespace-only opening line
	if len(pieces) > 0 && !pieces[0].IsExpr {
		t := pieces[0].Text
		i := 0
		for i < len(t) && (t[i] == ' ' || t[i] == '\t' || t[i] == '\r') {
			i++
		}
		if i < len(t) && t[i] == '\n' {
			pieces[0].Text = t[i+1:]
		}
	}

	// measure minimal indentation over lines that carry content
	minIndent := 1 << 30
	atLineStart := true
	curIndent := 0
	for _, p := range pieces {
		if p.IsExpr {
			if atLineStart && curIndent < minIndent {
				minIndent = curIndent
			}
			atLineStart = false
			continue
		}
		for i := 0; i < len(p.Text); i++ {
			switch {
			case p.Text[i] == '\n':
				atLineStart = true
				curIndent = 0
			case atLineStart && p.Text[i] == ' ':
				curIndent++
			default:
				if atLineStart && curIndent < minIndent {
					minIndent = curIndent
				}
				atLineStart = false
			}
		}
	}
	if minIndent == 1<<30 || minIndent == 0 {
		return pieces
	}

	// strip it from every line start
	out := make([]StrPiece, 0, len(pieces))
	atLineStart = true
	skip := 0
	for _, p := range pieces {
		if p.IsExpr {
			atLineStart = false
			out = append(out, p)
			continue
		}
		var b strings.Builder
		for i := 0; i < len(p.Text); i++ {
			ch := p.Text[i]
			if atLineStart && skip < minIndent && ch == ' ' {
				skip++
				continue
			}
			if ch == '\n' {
				atLineStart = true
				skip = 0
			} else {
				atLineStart = false
			}
			b.WriteByte(ch)
		}
		out = append(out, StrPiece{Text: b.String()})
	}
	return out
}

// ----- identifiers & numbers -----

// scanIdentifier parses [A-Za-z_][A-Za-z0-9_'-]*
func (l *Lexer) scanIdentifier() string {
	for {
		b, ok := l.peek()
		if !ok || !isIdentCont(b) {
			break
		}
		l.advance()
	}
	return l.src[l.start:l.cur]
}

// scanNumber parses an integer or float; supports .5, 1., 1.23e-4, etc.
func (l *Lexer) scanNumber() (tok TokenType, lit interface{}, err error) {
	sawDigits := false
	for {
		b, ok := l.peek()
		if !ok || !isDigit(b) {
			break
		}
		l.advance()
		sawDigits = true
	}

	sawDot := false
	if b, ok := l.peek(); ok && b == '.' {
		if sawDigits {
			l.advance()
			sawDot = true
			for {
				b, ok := l.peek()
				if !ok || !isDigit(b) {
					break
				}
				l.advance()
			}
		} else if b2, ok2 := l.peekN(1); ok2 && isDigit(b2) {
			l.advance()
			sawDot = true
			for {
				b, ok := l.peek()
				if !ok || !isDigit(b) {
					break
				}
				l.advance()
			}
			sawDigits = true
		}
	}

	sawExp := false
	if b, ok := l.peek(); ok && (b == 'e' || b == 'E') {
		save := l.cur
		l.advance()
		if b2, ok := l.peek(); ok && (b2 == '+' || b2 == '-') {
			l.advance()
		}
		if b3, ok := l.peek(); ok && isDigit(b3) {
			sawExp = true
			for {
				b4, ok := l.peek()
				if !ok || !isDigit(b4) {
					break
				}
				l.advance()
			}
		} else {
			l.cur = save
		}
	}

	if !sawDigits {
		return ILLEGAL, nil, l.err("malformed number")
	}

	lex := l.src[l.start:l.cur]
	if !sawDot && !sawExp {
		v, convErr := strconv.ParseInt(lex, 10, 64)
		if convErr != nil {
			return ILLEGAL, nil, l.err("integer literal does not fit in 64 bits")
		}
		return INT, v, nil
	}
	vf, convErr := strconv.ParseFloat(lex, 64)
	if convErr != nil {
		return ILLEGAL, nil, l.err("invalid float literal")
	}
	return FLOAT, vf, nil
}

// ----- comments -----

// ignoreUntilNewline eats until '\n' or EOF.
func (l *Lexer) ignoreUntilNewline() {
	for {
		b, ok := l.peek()
		if !ok || b == '\n' {
			return
		}
		l.advance()
	}
}

// skipBlockComment eats a slash-star comment; the opener is consumed.
func (l *Lexer) skipBlockComment() error {
	for !l.isAtEnd() {
		ch, _ := l.advance()
		if ch == '*' {
			if b, ok := l.peek(); ok && b == '/' {
				l.advance()
				return nil
			}
		}
	}
	return l.errIncomplete("block comment was not terminated")
}

// --- misc helpers ---

func (l *Lexer) dotStartsNumber() bool {
	b, ok := l.peek()
	if !ok || !isDigit(b) {
		return false
	}
	prev := l.previousToken()
	if l.whitespaceBefore || prev == nil || !canBeLeftOperand(prev.Type) {
		return true
	}
	return false
}

// ----- main scanner -----

func (l *Lexer) scanToken() (Token, error) {
	for {
		l.skipWhitespace()
		l.tokStartLine = l.line
		l.tokStartCol = l.col
		l.start = l.cur

		if l.isAtEnd() {
			return l.addToken(EOF, nil), nil
		}

		// Paths take priority over everything they overlap with
		// (identifiers, numbers, '.', '/', '~').
		if b, _ := l.peek(); isPathByte(b) || b == '~' || b == '/' {
			if tok, ok := l.tryScanPath(); ok {
				return tok, nil
			}
		}

		ch, _ := l.advance()

		switch ch {
		case '(':
			return l.addToken(LROUND, "("), nil
		case ')':
			return l.addToken(RROUND, ")"), nil
		case '[':
			return l.addToken(LSQUARE, "["), nil
		case ']':
			return l.addToken(RSQUARE, "]"), nil
		case '{':
			return l.addToken(LCURLY, "{"), nil
		case '}':
			return l.addToken(RCURLY, "}"), nil
		case ';':
			return l.addToken(SEMI, ";"), nil
		case ':':
			return l.addToken(COLON, ":"), nil
		case ',':
			return l.addToken(COMMA, ","), nil
		case '@':
			return l.addToken(AT, "@"), nil
		case '?':
			return l.addToken(HAS, "?"), nil
		case '*':
			return l.addToken(MULT, "*"), nil
		}

		// '.' : either a decimal-starting float, '...', or PERIOD
		if ch == '.' {
			if b, ok := l.peek(); ok && b == '.' {
				if b2, ok2 := l.peekN(1); ok2 && b2 == '.' {
					l.advance()
					l.advance()
					return l.addToken(ELLIPSIS, "..."), nil
				}
			}
			if l.dotStartsNumber() {
				l.rewindToStart()
				tt, lit, err := l.scanNumber()
				if err != nil {
					return Token{}, err
				}
				return l.addToken(tt, lit), nil
			}
			return l.addToken(PERIOD, "."), nil
		}

		// Two-char operators and fallbacks
		switch ch {
		case '+':
			if b, ok := l.peek(); ok && b == '+' {
				l.advance()
				return l.addToken(CONCAT, "++"), nil
			}
			return l.addToken(PLUS, "+"), nil
		case '-':
			if b, ok := l.peek(); ok && b == '>' {
				l.advance()
				return l.addToken(IMPL, "->"), nil
			}
			return l.addToken(MINUS, "-"), nil
		case '/':
			if b, ok := l.peek(); ok && b == '/' {
				l.advance()
				return l.addToken(UPDATE, "//"), nil
			}
			if b, ok := l.peek(); ok && b == '*' {
				l.advance()
				if err := l.skipBlockComment(); err != nil {
					return Token{}, err
				}
				continue
			}
			return l.addToken(DIV, "/"), nil
		case '=':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(EQ, "=="), nil
			}
			return l.addToken(ASSIGN, "="), nil
		case '!':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(NEQ, "!="), nil
			}
			return l.addToken(NOT, "!"), nil
		case '<':
			if tok, ok := l.trySearchPath(); ok {
				return tok, nil
			}
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(LESS_EQ, "<="), nil
			}
			return l.addToken(LESS, "<"), nil
		case '>':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(GREATER_EQ, ">="), nil
			}
			return l.addToken(GREATER, ">"), nil
		case '&':
			if b, ok := l.peek(); ok && b == '&' {
				l.advance()
				return l.addToken(AND_AND, "&&"), nil
			}
			return Token{}, l.err("unexpected character: '&'")
		case '|':
			if b, ok := l.peek(); ok && b == '|' {
				l.advance()
				return l.addToken(OR_OR, "||"), nil
			}
			return Token{}, l.err("unexpected character: '|'")
		case '$':
			if b, ok := l.peek(); ok && b == '{' {
				l.advance()
				return l.addToken(DOLLAR_CURLY, "${"), nil
			}
			return Token{}, l.err("unexpected character: '$'")
		}

		// Comments
		if ch == '#' {
			l.ignoreUntilNewline()
			continue
		}

		// Strings
		if ch == '"' {
			l.rewindToStart()
			pieces, err := l.scanString()
			if err != nil {
				return Token{}, err
			}
			return l.addToken(STRING, pieces), nil
		}
		if ch == '\'' {
			if b, ok := l.peek(); ok && b == '\'' {
				l.advance()
				pieces, err := l.scanIndentString()
				if err != nil {
					return Token{}, err
				}
				return l.addToken(IND_STRING, pieces), nil
			}
			return Token{}, l.err("unexpected character: '\\''")
		}

		// Numbers (starting with a digit; digit-leading paths were caught above)
		if isDigit(ch) {
			l.rewindToStart()
			tt, lit, err := l.scanNumber()
			if err != nil {
				return Token{}, err
			}
			return l.addToken(tt, lit), nil
		}

		// Identifiers / keywords
		if isAlpha(ch) {
			l.rewindToStart()
			lex := l.scanIdentifier()
			if tt, ok := keywords[lex]; ok {
				return l.addToken(tt, lex), nil
			}
			return l.addToken(ID, lex), nil
		}

		return Token{}, l.err(fmt.Sprintf("unexpected character: %q", ch))
	}
}

// Scan tokenizes the entire source and returns tokens (EOF included).
func (l *Lexer) Scan() ([]Token, error) {
	for {
		tok, err := l.scanToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == EOF {
			return l.tokens, nil
		}
	}
}
