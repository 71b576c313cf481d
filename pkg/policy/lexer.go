package policy

import (
	"fmt"
	"strings"
	"unicode"
)

// LexError is a located tokenization failure.
type LexError struct {
	Message string
	Line    int
	Column  int
}

func (e *LexError) Error() string {
	return fmt.Sprintf("lexer error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// Lexer scans policy source into tokens. Whitespace and comments are
// discarded; line and column are tracked for every token.
type Lexer struct {
	src    []rune
	pos    int
	line   int
	column int
}

// NewLexer creates a lexer over UTF-8 source text.
func NewLexer(src string) *Lexer {
	return &Lexer{src: []rune(src), line: 1, column: 1}
}

// Tokenize scans the whole input, ending with an EOF token.
func (l *Lexer) Tokenize() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		if tok == nil {
			continue
		}
		tokens = append(tokens, *tok)
		if tok.Type == TokenEOF {
			return tokens, nil
		}
	}
}

// next returns the next token, nil for discarded input.
func (l *Lexer) next() (*Token, error) {
	if l.pos >= len(l.src) {
		return &Token{Type: TokenEOF, Line: l.line, Column: l.column}, nil
	}

	ch := l.src[l.pos]
	line, col := l.line, l.column

	switch {
	case ch == '#':
		for l.pos < len(l.src) && l.src[l.pos] != '\n' {
			l.advance()
		}
		return nil, nil

	case ch == '\n' || ch == ' ' || ch == '\t' || ch == '\r':
		l.advance()
		return nil, nil

	case ch == '"' || ch == '\'':
		return l.scanString(ch)

	case unicode.IsDigit(ch):
		return l.scanNumber(), nil

	case ch == '_' || unicode.IsLetter(ch):
		return l.scanWord(), nil
	}

	// Multi-character operators first.
	if op, n := l.matchOperator(); n > 0 {
		for i := 0; i < n; i++ {
			l.advance()
		}
		value := string(l.src[l.pos-n : l.pos])
		return &Token{Type: op, Value: value, Line: line, Column: col}, nil
	}

	if punct, ok := punctTokens[ch]; ok {
		l.advance()
		return &Token{Type: punct, Value: string(ch), Line: line, Column: col}, nil
	}

	return nil, &LexError{Message: fmt.Sprintf("unexpected character %q", ch), Line: line, Column: col}
}

var punctTokens = map[rune]TokenType{
	'(': TokenLParen, ')': TokenRParen,
	'{': TokenLBrace, '}': TokenRBrace,
	'[': TokenLBracket, ']': TokenRBracket,
	',': TokenComma, '.': TokenDot, ':': TokenColon, ';': TokenSemicolon,
}

// matchOperator recognizes ==, !=, >=, <=, >, <, = at the cursor.
// Returns the token type and consumed length, or length 0.
func (l *Lexer) matchOperator() (TokenType, int) {
	two := l.peekString(2)
	switch two {
	case "==":
		return TokenEq, 2
	case "!=":
		return TokenNeq, 2
	case ">=":
		return TokenGte, 2
	case "<=":
		return TokenLte, 2
	}
	switch l.src[l.pos] {
	case '>':
		return TokenGt, 1
	case '<':
		return TokenLt, 1
	case '=':
		return TokenAssign, 1
	}
	return TokenEOF, 0
}

func (l *Lexer) scanString(quote rune) (*Token, error) {
	line, col := l.line, l.column
	l.advance() // opening quote

	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return nil, &LexError{Message: "unterminated string literal", Line: line, Column: col}
		}
		ch := l.src[l.pos]
		if ch == quote {
			l.advance()
			return &Token{Type: TokenString, Value: b.String(), Line: line, Column: col}, nil
		}
		if ch == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case '"', '\'', '\\':
				b.WriteRune(next)
				l.advance()
				l.advance()
				continue
			}
		}
		b.WriteRune(ch)
		l.advance()
	}
}

func (l *Lexer) scanNumber() *Token {
	line, col := l.line, l.column
	start := l.pos
	for l.pos < len(l.src) && unicode.IsDigit(l.src[l.pos]) {
		l.advance()
	}
	// Fractional part only when a digit follows the dot, so that "1.x"
	// lexes as NUMBER DOT IDENT.
	if l.pos+1 < len(l.src) && l.src[l.pos] == '.' && unicode.IsDigit(l.src[l.pos+1]) {
		l.advance()
		for l.pos < len(l.src) && unicode.IsDigit(l.src[l.pos]) {
			l.advance()
		}
	}
	return &Token{Type: TokenNumber, Value: string(l.src[start:l.pos]), Line: line, Column: col}
}

func (l *Lexer) scanWord() *Token {
	line, col := l.line, l.column
	start := l.pos
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			l.advance()
			continue
		}
		break
	}
	word := string(l.src[start:l.pos])
	lower := strings.ToLower(word)

	if tt, ok := wordTokens[lower]; ok {
		return &Token{Type: tt, Value: lower, Line: line, Column: col}
	}
	if _, ok := keywords[lower]; ok {
		return &Token{Type: TokenKeyword, Value: lower, Line: line, Column: col}
	}
	return &Token{Type: TokenIdent, Value: word, Line: line, Column: col}
}

func (l *Lexer) peekString(n int) string {
	if l.pos+n > len(l.src) {
		return ""
	}
	return string(l.src[l.pos : l.pos+n])
}

func (l *Lexer) advance() {
	if l.pos < len(l.src) && l.src[l.pos] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
}
