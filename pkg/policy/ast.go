package policy

// Operator names every binary and unary operator of the language.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpAnd      Operator = "and"
	OpOr       Operator = "or"
	OpNot      Operator = "not"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
	OpStarts   Operator = "starts_with"
	OpEnds     Operator = "ends_with"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

// ActionType names the actions a rule can take.
type ActionType string

const (
	ActionAllow           ActionType = "allow"
	ActionDeny            ActionType = "deny"
	ActionRedact          ActionType = "redact"
	ActionLog             ActionType = "log"
	ActionAlert           ActionType = "alert"
	ActionRequireApproval ActionType = "require_approval"
)

// Pos locates a node in the source.
type Pos struct {
	Line   int
	Column int
}

// Policy is the root of a parsed policy.
type Policy struct {
	Name        string
	Description string
	Rules       []*Rule
	Metadata    map[string]any
	Pos         Pos
}

// Rule is one named when/then rule. Rules are unordered in source and
// evaluated by descending priority.
type Rule struct {
	Name      string
	Condition Expr
	Actions   []Action
	Priority  int
	Enabled   bool
	Pos       Pos
}

// Action is an action with its literal parameter map.
type Action struct {
	Type       ActionType
	Parameters map[string]any
	Pos        Pos
}

// Expr is the tagged union of expression nodes. Links run parent to
// child only.
type Expr interface {
	Position() Pos
	exprNode()
}

// Binary is a two-operand expression.
type Binary struct {
	Op    Operator
	Left  Expr
	Right Expr
	Pos   Pos
}

// Unary is a one-operand expression (only "not").
type Unary struct {
	Op      Operator
	Operand Expr
	Pos     Pos
}

// LiteralKind tags the static type of a literal.
type LiteralKind string

const (
	LitString LiteralKind = "string"
	LitInt    LiteralKind = "int"
	LitFloat  LiteralKind = "float"
	LitBool   LiteralKind = "boolean"
	LitNull   LiteralKind = "null"
)

// Literal holds a constant. Value is string, int64, float64, bool or nil
// according to Kind.
type Literal struct {
	Value any
	Kind  LiteralKind
	Pos   Pos
}

// Identifier references a context value with an optional dotted path.
type Identifier struct {
	Name string
	Path []string
	Pos  Pos
}

// Call invokes a built-in function.
type Call struct {
	Func string
	Args []Expr
	Pos  Pos
}

// List is a list literal.
type List struct {
	Elements []Expr
	Pos      Pos
}

// DictEntry is one key/value pair of a dict literal.
type DictEntry struct {
	Key   Expr
	Value Expr
}

// Dict is a dictionary literal. Keys must be unique once evaluated.
type Dict struct {
	Entries []DictEntry
	Pos     Pos
}

func (n *Binary) Position() Pos     { return n.Pos }
func (n *Unary) Position() Pos      { return n.Pos }
func (n *Literal) Position() Pos    { return n.Pos }
func (n *Identifier) Position() Pos { return n.Pos }
func (n *Call) Position() Pos       { return n.Pos }
func (n *List) Position() Pos       { return n.Pos }
func (n *Dict) Position() Pos       { return n.Pos }

func (*Binary) exprNode()     {}
func (*Unary) exprNode()      {}
func (*Literal) exprNode()    {}
func (*Identifier) exprNode() {}
func (*Call) exprNode()       {}
func (*List) exprNode()       {}
func (*Dict) exprNode()       {}

// Walk applies fn to expr and every descendant, depth-first. Walking
// stops below a node when fn returns false.
func Walk(expr Expr, fn func(Expr) bool) {
	if expr == nil || !fn(expr) {
		return
	}
	switch n := expr.(type) {
	case *Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Unary:
		Walk(n.Operand, fn)
	case *Call:
		for _, arg := range n.Args {
			Walk(arg, fn)
		}
	case *List:
		for _, el := range n.Elements {
			Walk(el, fn)
		}
	case *Dict:
		for _, e := range n.Entries {
			Walk(e.Key, fn)
			Walk(e.Value, fn)
		}
	}
}
