package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeOperatorsAndComments(t *testing.T) {
	src := "# leading comment\na >= 3 and b != \"x\" # trailing\n"
	tokens, err := NewLexer(src).Tokenize()
	require.NoError(t, err)

	var types []TokenType
	for _, tok := range tokens {
		types = append(types, tok.Type)
	}
	assert.Equal(t, []TokenType{
		TokenIdent, TokenGte, TokenNumber, TokenAnd,
		TokenIdent, TokenNeq, TokenString, TokenEOF,
	}, types)
	assert.Equal(t, 2, tokens[0].Line)
}

func TestTokenizeStringEscapes(t *testing.T) {
	tokens, err := NewLexer(`"a\"b" 'c\'d' "e\\f"`).Tokenize()
	require.NoError(t, err)
	assert.Equal(t, `a"b`, tokens[0].Value)
	assert.Equal(t, `c'd`, tokens[1].Value)
	assert.Equal(t, `e\f`, tokens[2].Value)
}

func TestTokenizeNumberThenDottedIdent(t *testing.T) {
	tokens, err := NewLexer("1.5 data.content 2.x").Tokenize()
	require.NoError(t, err)
	assert.Equal(t, TokenNumber, tokens[0].Type)
	assert.Equal(t, "1.5", tokens[0].Value)
	assert.Equal(t, TokenIdent, tokens[1].Type)
	assert.Equal(t, TokenDot, tokens[2].Type)
	// "2.x" is a number, a dot and an identifier.
	assert.Equal(t, "2", tokens[4].Value)
	assert.Equal(t, TokenDot, tokens[5].Type)
	assert.Equal(t, "x", tokens[6].Value)
}

func TestTokenizeErrors(t *testing.T) {
	_, err := NewLexer(`"unterminated`).Tokenize()
	var lexErr *LexError
	require.ErrorAs(t, err, &lexErr)

	_, err = NewLexer("a @ b").Tokenize()
	require.ErrorAs(t, err, &lexErr)
	assert.Equal(t, 3, lexErr.Column)
}

const samplePolicy = `
policy "data-protection" {
  description: "Guards outbound payloads"
  version: "1.2.0"

  rule "block-pii" {
    priority: 100
    when contains_pii(data.content) and context.environment == "prod"
    then {
      deny
      alert(message = "PII detected", severity = "high")
    }
  }

  rule "audit-large" {
    priority: 10
    enabled: false
    when len(data.content) > 1000
    then log(level = "info")
  }
}
`

func TestParsePolicy(t *testing.T) {
	policy, err := Parse(samplePolicy)
	require.NoError(t, err)

	assert.Equal(t, "data-protection", policy.Name)
	assert.Equal(t, "Guards outbound payloads", policy.Description)
	assert.Equal(t, "1.2.0", policy.Metadata["version"])
	require.Len(t, policy.Rules, 2)

	first := policy.Rules[0]
	assert.Equal(t, "block-pii", first.Name)
	assert.Equal(t, 100, first.Priority)
	assert.True(t, first.Enabled)
	require.Len(t, first.Actions, 2)
	assert.Equal(t, ActionDeny, first.Actions[0].Type)
	assert.Equal(t, ActionAlert, first.Actions[1].Type)
	assert.Equal(t, "high", first.Actions[1].Parameters["severity"])

	cond, ok := first.Condition.(*Binary)
	require.True(t, ok)
	assert.Equal(t, OpAnd, cond.Op)

	second := policy.Rules[1]
	assert.False(t, second.Enabled)
	assert.Equal(t, ActionLog, second.Actions[0].Type)
}

func TestParsePrecedence(t *testing.T) {
	policy, err := Parse(`policy "p" { rule "r" {
		when a or b and c == 1
		then allow
	} }`)
	require.NoError(t, err)

	// or binds loosest: (a or (b and (c == 1))).
	root := policy.Rules[0].Condition.(*Binary)
	assert.Equal(t, OpOr, root.Op)
	right := root.Right.(*Binary)
	assert.Equal(t, OpAnd, right.Op)
	eq := right.Right.(*Binary)
	assert.Equal(t, OpEq, eq.Op)
}

func TestParseListDictAndMembership(t *testing.T) {
	policy, err := Parse(`policy "p" { rule "r" {
		when context.region in ["eu", "us"] and not (data.kind not_in {"a": 1})
		then allow
	} }`)
	require.NoError(t, err)

	root := policy.Rules[0].Condition.(*Binary)
	require.Equal(t, OpAnd, root.Op)
	in := root.Left.(*Binary)
	assert.Equal(t, OpIn, in.Op)
	list := in.Right.(*List)
	assert.Len(t, list.Elements, 2)

	neg := root.Right.(*Unary)
	notIn := neg.Operand.(*Binary)
	assert.Equal(t, OpNotIn, notIn.Op)
	assert.IsType(t, &Dict{}, notIn.Right)
}

func TestParseRuleRequirements(t *testing.T) {
	_, err := Parse(`policy "p" { rule "r" { then allow } }`)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Message, "'when' condition")

	_, err = Parse(`policy "p" { rule "r" { when true } }`)
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Message, "at least one 'then' action")
}

func TestParseTrailingGarbage(t *testing.T) {
	_, err := Parse(`policy "p" { } extra`)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestUnparseRoundTrip(t *testing.T) {
	original, err := Parse(samplePolicy)
	require.NoError(t, err)

	reparsed, err := Parse(Unparse(original))
	require.NoError(t, err)

	assert.Equal(t, original.Name, reparsed.Name)
	assert.Equal(t, original.Description, reparsed.Description)
	assert.Equal(t, original.Metadata, reparsed.Metadata)
	require.Len(t, reparsed.Rules, len(original.Rules))
	for i, rule := range original.Rules {
		got := reparsed.Rules[i]
		assert.Equal(t, rule.Name, got.Name)
		assert.Equal(t, rule.Priority, got.Priority)
		assert.Equal(t, rule.Enabled, got.Enabled)
		assert.Equal(t, UnparseExpr(rule.Condition), UnparseExpr(got.Condition))
		require.Len(t, got.Actions, len(rule.Actions))
		for j, a := range rule.Actions {
			assert.Equal(t, a.Type, got.Actions[j].Type)
			assert.Equal(t, a.Parameters, got.Actions[j].Parameters)
		}
	}
}
