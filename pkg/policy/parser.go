package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError is a located syntax failure.
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// Parse tokenizes and parses policy source into its AST.
func Parse(source string) (*Policy, error) {
	tokens, err := NewLexer(source).Tokenize()
	if err != nil {
		return nil, err
	}
	return NewParser(tokens).Parse()
}

// Parser is a recursive-descent parser over the token stream.
type Parser struct {
	tokens []Token
	pos    int
}

// NewParser creates a parser. The token slice must end with EOF.
func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse consumes the stream and returns the policy.
func (p *Parser) Parse() (*Policy, error) {
	policy, err := p.parsePolicy()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, p.errorf("unexpected trailing input %q", p.current().Value)
	}
	return policy, nil
}

// policy := "policy" STRING "{" (meta | rule)* "}"
func (p *Parser) parsePolicy() (*Policy, error) {
	if _, err := p.expectKeyword("policy"); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(TokenString, "policy name")
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		Name:     nameTok.Value,
		Metadata: map[string]any{},
		Pos:      Pos{nameTok.Line, nameTok.Column},
	}

	if _, err := p.expect(TokenLBrace, "{"); err != nil {
		return nil, err
	}
	for !p.check(TokenRBrace) && !p.atEnd() {
		switch {
		case p.checkKeyword("rule"):
			rule, err := p.parseRule()
			if err != nil {
				return nil, err
			}
			policy.Rules = append(policy.Rules, rule)

		case p.check(TokenIdent):
			key := p.advance().Value
			if _, err := p.expect(TokenColon, ":"); err != nil {
				return nil, err
			}
			value, err := p.parseLiteralValue()
			if err != nil {
				return nil, err
			}
			if strings.EqualFold(key, "description") {
				s, ok := value.(string)
				if !ok {
					return nil, p.errorf("description must be a string")
				}
				policy.Description = s
			} else {
				policy.Metadata[key] = value
			}

		default:
			return nil, p.errorf("unexpected token %q in policy body", p.current().Value)
		}
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return policy, nil
}

// rule := "rule" STRING "{" ("when" expr | "then" actions |
//         "priority" ":" NUM | "enabled" ":" BOOL)* "}"
func (p *Parser) parseRule() (*Rule, error) {
	ruleTok, err := p.expectKeyword("rule")
	if err != nil {
		return nil, err
	}
	nameTok, err := p.expect(TokenString, "rule name")
	if err != nil {
		return nil, err
	}

	rule := &Rule{
		Name:    nameTok.Value,
		Enabled: true,
		Pos:     Pos{ruleTok.Line, ruleTok.Column},
	}

	if _, err := p.expect(TokenLBrace, "{"); err != nil {
		return nil, err
	}
	for !p.check(TokenRBrace) && !p.atEnd() {
		switch {
		case p.checkKeyword("when"):
			p.advance()
			cond, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			rule.Condition = cond

		case p.checkKeyword("then"):
			actions, err := p.parseActions()
			if err != nil {
				return nil, err
			}
			rule.Actions = append(rule.Actions, actions...)

		case p.checkIdent("priority"):
			p.advance()
			if _, err := p.expect(TokenColon, ":"); err != nil {
				return nil, err
			}
			numTok, err := p.expect(TokenNumber, "priority value")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(numTok.Value)
			if err != nil {
				return nil, p.errorf("priority must be an integer")
			}
			rule.Priority = n

		case p.checkIdent("enabled"):
			p.advance()
			if _, err := p.expect(TokenColon, ":"); err != nil {
				return nil, err
			}
			boolTok, err := p.expect(TokenBool, "enabled value")
			if err != nil {
				return nil, err
			}
			rule.Enabled = boolTok.Value == "true"

		default:
			return nil, p.errorf("unexpected token %q in rule body", p.current().Value)
		}
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}

	if rule.Condition == nil {
		return nil, &ParseError{
			Message: fmt.Sprintf("rule %q must have a 'when' condition", rule.Name),
			Line:    ruleTok.Line, Column: ruleTok.Column,
		}
	}
	if len(rule.Actions) == 0 {
		return nil, &ParseError{
			Message: fmt.Sprintf("rule %q must have at least one 'then' action", rule.Name),
			Line:    ruleTok.Line, Column: ruleTok.Column,
		}
	}
	return rule, nil
}

// actions := "then" (action | "{" action* "}")
func (p *Parser) parseActions() ([]Action, error) {
	if _, err := p.expectKeyword("then"); err != nil {
		return nil, err
	}
	if !p.check(TokenLBrace) {
		a, err := p.parseAction()
		if err != nil {
			return nil, err
		}
		return []Action{a}, nil
	}

	p.advance() // {
	var actions []Action
	for !p.check(TokenRBrace) && !p.atEnd() {
		a, err := p.parseAction()
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return actions, nil
}

var actionKeywords = map[string]ActionType{
	"allow": ActionAllow, "deny": ActionDeny, "redact": ActionRedact,
	"log": ActionLog, "alert": ActionAlert, "require_approval": ActionRequireApproval,
}

func (p *Parser) parseAction() (Action, error) {
	tok := p.current()
	at, ok := actionKeywords[tok.Value]
	if tok.Type != TokenKeyword || !ok {
		return Action{}, p.errorf("expected action, got %q", tok.Value)
	}
	p.advance()

	action := Action{Type: at, Parameters: map[string]any{}, Pos: Pos{tok.Line, tok.Column}}
	if !p.check(TokenLParen) {
		return action, nil
	}

	p.advance() // (
	for !p.check(TokenRParen) && !p.atEnd() {
		keyTok, err := p.expect(TokenIdent, "parameter name")
		if err != nil {
			return Action{}, err
		}
		if _, err := p.expect(TokenAssign, "="); err != nil {
			return Action{}, err
		}
		value, err := p.parseLiteralValue()
		if err != nil {
			return Action{}, err
		}
		action.Parameters[keyTok.Value] = value
		if p.check(TokenComma) {
			p.advance()
		}
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return Action{}, err
	}
	return action, nil
}

// Expression precedence, loosest first:
// or < and < ==/!= < comparisons < string ops < in/not_in < not < primary.

func (p *Parser) parseExpression() (Expr, error) {
	return p.parseOr()
}

func (p *Parser) parseOr() (Expr, error) {
	expr, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.check(TokenOr) {
		tok := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		expr = &Binary{Op: OpOr, Left: expr, Right: right, Pos: Pos{tok.Line, tok.Column}}
	}
	return expr, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	expr, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.check(TokenAnd) {
		tok := p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		expr = &Binary{Op: OpAnd, Left: expr, Right: right, Pos: Pos{tok.Line, tok.Column}}
	}
	return expr, nil
}

func (p *Parser) parseEquality() (Expr, error) {
	expr, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.check(TokenEq) || p.check(TokenNeq) {
		tok := p.advance()
		op := OpEq
		if tok.Type == TokenNeq {
			op = OpNeq
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		expr = &Binary{Op: op, Left: expr, Right: right, Pos: Pos{tok.Line, tok.Column}}
	}
	return expr, nil
}

var comparisonOps = map[TokenType]Operator{
	TokenGt: OpGt, TokenLt: OpLt, TokenGte: OpGte, TokenLte: OpLte,
}

func (p *Parser) parseComparison() (Expr, error) {
	expr, err := p.parseStringOp()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := comparisonOps[p.current().Type]
		if !ok {
			return expr, nil
		}
		tok := p.advance()
		right, err := p.parseStringOp()
		if err != nil {
			return nil, err
		}
		expr = &Binary{Op: op, Left: expr, Right: right, Pos: Pos{tok.Line, tok.Column}}
	}
}

var stringOps = map[TokenType]Operator{
	TokenContains: OpContains, TokenMatches: OpMatches,
	TokenStarts: OpStarts, TokenEnds: OpEnds,
}

func (p *Parser) parseStringOp() (Expr, error) {
	expr, err := p.parseMembership()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := stringOps[p.current().Type]
		if !ok {
			return expr, nil
		}
		tok := p.advance()
		right, err := p.parseMembership()
		if err != nil {
			return nil, err
		}
		expr = &Binary{Op: op, Left: expr, Right: right, Pos: Pos{tok.Line, tok.Column}}
	}
}

func (p *Parser) parseMembership() (Expr, error) {
	expr, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.check(TokenIn) || p.check(TokenNotIn) {
		tok := p.advance()
		op := OpIn
		if tok.Type == TokenNotIn {
			op = OpNotIn
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		expr = &Binary{Op: op, Left: expr, Right: right, Pos: Pos{tok.Line, tok.Column}}
	}
	return expr, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.check(TokenNot) {
		tok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: OpNot, Operand: operand, Pos: Pos{tok.Line, tok.Column}}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.current()
	switch tok.Type {
	case TokenString, TokenNumber, TokenBool, TokenNull:
		return p.parseLiteral()

	case TokenIdent:
		return p.parseIdentOrCall()

	case TokenLBracket:
		return p.parseList()

	case TokenLBrace:
		return p.parseDict()

	case TokenLParen:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return nil, p.errorf("unexpected token %q", tok.Value)
}

func (p *Parser) parseLiteral() (Expr, error) {
	tok := p.advance()
	pos := Pos{tok.Line, tok.Column}
	switch tok.Type {
	case TokenString:
		return &Literal{Value: tok.Value, Kind: LitString, Pos: pos}, nil
	case TokenNumber:
		if strings.Contains(tok.Value, ".") {
			f, err := strconv.ParseFloat(tok.Value, 64)
			if err != nil {
				return nil, p.errorf("invalid number %q", tok.Value)
			}
			return &Literal{Value: f, Kind: LitFloat, Pos: pos}, nil
		}
		n, err := strconv.ParseInt(tok.Value, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", tok.Value)
		}
		return &Literal{Value: n, Kind: LitInt, Pos: pos}, nil
	case TokenBool:
		return &Literal{Value: tok.Value == "true", Kind: LitBool, Pos: pos}, nil
	case TokenNull:
		return &Literal{Value: nil, Kind: LitNull, Pos: pos}, nil
	}
	return nil, p.errorf("invalid literal %q", tok.Value)
}

func (p *Parser) parseIdentOrCall() (Expr, error) {
	nameTok := p.advance()
	pos := Pos{nameTok.Line, nameTok.Column}

	if p.check(TokenLParen) {
		p.advance()
		var args []Expr
		for !p.check(TokenRParen) && !p.atEnd() {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.check(TokenComma) {
				p.advance()
			}
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return &Call{Func: nameTok.Value, Args: args, Pos: pos}, nil
	}

	var path []string
	for p.check(TokenDot) {
		p.advance()
		fieldTok, err := p.expect(TokenIdent, "field name")
		if err != nil {
			return nil, err
		}
		path = append(path, fieldTok.Value)
	}
	return &Identifier{Name: nameTok.Value, Path: path, Pos: pos}, nil
}

func (p *Parser) parseList() (Expr, error) {
	tok := p.advance() // [
	list := &List{Pos: Pos{tok.Line, tok.Column}}
	for !p.check(TokenRBracket) && !p.atEnd() {
		el, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		list.Elements = append(list.Elements, el)
		if p.check(TokenComma) {
			p.advance()
		}
	}
	if _, err := p.expect(TokenRBracket, "]"); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *Parser) parseDict() (Expr, error) {
	tok := p.advance() // {
	dict := &Dict{Pos: Pos{tok.Line, tok.Column}}
	for !p.check(TokenRBrace) && !p.atEnd() {
		key, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenColon, ":"); err != nil {
			return nil, err
		}
		value, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		dict.Entries = append(dict.Entries, DictEntry{Key: key, Value: value})
		if p.check(TokenComma) {
			p.advance()
		}
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return dict, nil
}

// parseLiteralValue parses a literal (or list of literals) into its Go
// value, used for metadata and action parameters.
func (p *Parser) parseLiteralValue() (any, error) {
	switch p.current().Type {
	case TokenString:
		return p.advance().Value, nil
	case TokenNumber:
		tok := p.advance()
		if strings.Contains(tok.Value, ".") {
			return strconv.ParseFloat(tok.Value, 64)
		}
		n, err := strconv.ParseInt(tok.Value, 10, 64)
		return n, err
	case TokenBool:
		return p.advance().Value == "true", nil
	case TokenNull:
		p.advance()
		return nil, nil
	case TokenLBracket:
		node, err := p.parseList()
		if err != nil {
			return nil, err
		}
		list := node.(*List)
		out := make([]any, 0, len(list.Elements))
		for _, el := range list.Elements {
			lit, ok := el.(*Literal)
			if !ok {
				return nil, p.errorf("list values must be literals")
			}
			out = append(out, lit.Value)
		}
		return out, nil
	}
	return nil, p.errorf("expected literal value, got %q", p.current().Value)
}

// Cursor helpers.

func (p *Parser) current() Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return Token{Type: TokenEOF}
}

func (p *Parser) advance() Token {
	tok := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *Parser) check(tt TokenType) bool {
	return p.current().Type == tt
}

func (p *Parser) checkKeyword(kw string) bool {
	tok := p.current()
	return tok.Type == TokenKeyword && tok.Value == kw
}

func (p *Parser) checkIdent(name string) bool {
	tok := p.current()
	return tok.Type == TokenIdent && strings.EqualFold(tok.Value, name)
}

func (p *Parser) expect(tt TokenType, what string) (Token, error) {
	if p.check(tt) {
		return p.advance(), nil
	}
	return Token{}, p.errorf("expected %s, got %q", what, p.current().Value)
}

func (p *Parser) expectKeyword(kw string) (Token, error) {
	if p.checkKeyword(kw) {
		return p.advance(), nil
	}
	return Token{}, p.errorf("expected keyword %q, got %q", kw, p.current().Value)
}

func (p *Parser) atEnd() bool {
	return p.current().Type == TokenEOF
}

func (p *Parser) errorf(format string, args ...any) error {
	tok := p.current()
	return &ParseError{Message: fmt.Sprintf(format, args...), Line: tok.Line, Column: tok.Column}
}
