package orm

// Op is a binary comparison operator in a predicate leaf.
type Op string

const (
	OpEq   Op = "="
	OpNeq  Op = "!="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpIn   Op = "in"
	OpLike Op = "like"
)

// Conj joins sub-expressions in a predicate group.
type Conj string

const (
	ConjAnd Conj = "and"
	ConjOr  Conj = "or"
)

// Expr is a node of the predicate AST. Backends walk the tree and translate
// it into their native query language; they never see raw SQL from the core.
type Expr interface {
	expr()
}

// Cond is a leaf comparison: Field Op Value.
type Cond struct {
	Field string
	Op    Op
	Value any
}

func (Cond) expr() {}

// Group combines sub-expressions with a single conjunction.
type Group struct {
	Conj  Conj
	Exprs []Expr
}

func (Group) expr() {}

// Eq matches records where field equals value.
func Eq(field string, value any) Expr { return Cond{Field: field, Op: OpEq, Value: value} }

// Neq matches records where field differs from value.
func Neq(field string, value any) Expr { return Cond{Field: field, Op: OpNeq, Value: value} }

// Lt matches records where field is less than value.
func Lt(field string, value any) Expr { return Cond{Field: field, Op: OpLt, Value: value} }

// Lte matches records where field is less than or equal to value.
func Lte(field string, value any) Expr { return Cond{Field: field, Op: OpLte, Value: value} }

// Gt matches records where field is greater than value.
func Gt(field string, value any) Expr { return Cond{Field: field, Op: OpGt, Value: value} }

// Gte matches records where field is greater than or equal to value.
func Gte(field string, value any) Expr { return Cond{Field: field, Op: OpGte, Value: value} }

// In matches records where field equals any of the values.
func In(field string, values ...any) Expr { return Cond{Field: field, Op: OpIn, Value: values} }

// Like matches records where field matches the pattern ("%" wildcard).
func Like(field, pattern string) Expr { return Cond{Field: field, Op: OpLike, Value: pattern} }

// IsNull matches records where field is absent or nil.
func IsNull(field string) Expr { return Cond{Field: field, Op: OpEq, Value: nil} }

// NotNull matches records where field is present and non-nil.
func NotNull(field string) Expr { return Cond{Field: field, Op: OpNeq, Value: nil} }

// And combines expressions so that all must match.
func And(exprs ...Expr) Expr { return Group{Conj: ConjAnd, Exprs: exprs} }

// Or combines expressions so that at least one must match.
func Or(exprs ...Expr) Expr { return Group{Conj: ConjOr, Exprs: exprs} }

// Where is a convenience for building a Query from a predicate.
func Where(e Expr) Query { return Query{Where: e} }
