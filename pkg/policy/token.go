// Package policy implements the declarative policy language used for
// request filtering and response redaction: lexer, recursive-descent
// parser, evaluator with built-in functions, static validator and a
// caching compile engine. Parsing and evaluation are synchronous and
// allocation-light; all I/O stays with the callers.
package policy

import "fmt"

// TokenType classifies lexer output.
type TokenType int

const (
	TokenEOF TokenType = iota

	// Literals.
	TokenString
	TokenNumber
	TokenBool
	TokenNull

	// Names.
	TokenIdent
	TokenKeyword

	// Operators.
	TokenEq        // ==
	TokenNeq       // !=
	TokenGt        // >
	TokenLt        // <
	TokenGte       // >=
	TokenLte       // <=
	TokenAssign    // =
	TokenAnd       // and
	TokenOr        // or
	TokenNot       // not
	TokenContains  // contains
	TokenMatches   // matches
	TokenStarts    // starts_with
	TokenEnds      // ends_with
	TokenIn        // in
	TokenNotIn     // not_in

	// Punctuation.
	TokenLParen
	TokenRParen
	TokenLBrace
	TokenRBrace
	TokenLBracket
	TokenRBracket
	TokenComma
	TokenDot
	TokenColon
	TokenSemicolon
)

// Token is one lexical unit with its source position.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	return fmt.Sprintf("%d:%d %q", t.Line, t.Column, t.Value)
}

// keywords reserves structural words. Operator words (and, or, not,
// contains, ...) and the literal words (true, false, null) get their own
// token types during scanning.
var keywords = map[string]struct{}{
	"policy": {}, "rule": {}, "when": {}, "then": {},
	"allow": {}, "deny": {}, "redact": {}, "log": {}, "alert": {},
	"require_approval": {}, "if": {}, "else": {}, "endif": {},
}

// wordTokens maps operator and literal words to token types.
var wordTokens = map[string]TokenType{
	"and":         TokenAnd,
	"or":          TokenOr,
	"not":         TokenNot,
	"contains":    TokenContains,
	"matches":     TokenMatches,
	"starts_with": TokenStarts,
	"ends_with":   TokenEnds,
	"in":          TokenIn,
	"not_in":      TokenNotIn,
	"true":        TokenBool,
	"false":       TokenBool,
	"null":        TokenNull,
}
