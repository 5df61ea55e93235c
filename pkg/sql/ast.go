// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package sql

// The AST is a pair of closed sum types: Statement and Expr. Downstream
// stages switch over the concrete types; there is no visitor machinery and
// no inheritance. New node kinds are added here and every switch is expected
// to handle them (the compiler's exhaustiveness comes from default-case
// Untranspilable errors in the emitter).

// Statement is the statement sum type.
type Statement interface{ stmtNode() }

// SelectStatement is a SELECT query.
type SelectStatement struct {
	Distinct bool
	// Top is the TOP n row cap; zero means absent.
	Top     int
	Columns []SelectColumn
	From    TableRef
	Joins   []Join
	Where   Expr
	GroupBy []Expr
	OrderBy []OrderItem
}

// SelectColumn is one projection item. Star marks `*`; otherwise Expr holds
// a column reference, aggregate, or computed expression, optionally aliased.
type SelectColumn struct {
	Star  bool
	Expr  Expr
	Alias string
}

// TableRef names a table with an optional alias.
type TableRef struct {
	Name  string
	Alias string
}

// AliasOrName returns the alias when present, the table name otherwise.
func (t TableRef) AliasOrName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// JoinKind distinguishes join flavors.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
)

// Join is one JOIN clause.
type Join struct {
	Kind  JoinKind
	Table TableRef
	On    Expr
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// InsertStatement is a single-row INSERT INTO ... VALUES.
type InsertStatement struct {
	Table   string
	Columns []string
	Values  []Expr
}

// Assignment is one SET clause of an UPDATE.
type Assignment struct {
	Column ColumnRef
	Value  Expr
}

// UpdateStatement is an UPDATE with optional WHERE.
type UpdateStatement struct {
	Table TableRef
	Set   []Assignment
	Where Expr
}

// DeleteStatement is a DELETE with optional WHERE.
type DeleteStatement struct {
	Table TableRef
	Where Expr
}

// BlockStatement is a BEGIN ... END sequence.
type BlockStatement struct {
	Statements []Statement
}

// IfStatement is IF <cond> <then> [ELSE <else>].
type IfStatement struct {
	Cond Expr
	Then Statement
	Else Statement
}

func (*SelectStatement) stmtNode() {}
func (*InsertStatement) stmtNode() {}
func (*UpdateStatement) stmtNode() {}
func (*DeleteStatement) stmtNode() {}
func (*BlockStatement) stmtNode()  {}
func (*IfStatement) stmtNode()     {}

// Expr is the expression sum type.
type Expr interface{ exprNode() }

// LiteralKind classifies literal values.
type LiteralKind int

const (
	NumberLiteral LiteralKind = iota
	StringLiteral
	NullLiteral
)

// Literal is a constant. Text holds the source form (unquoted for strings).
type Literal struct {
	Kind LiteralKind
	Text string
}

// ColumnRef is a possibly qualified column reference.
type ColumnRef struct {
	// Table is the qualifier (a table name or alias); empty when
	// unqualified.
	Table string
	Name  string
}

// FuncCall is a function or aggregate invocation. Star marks COUNT(*);
// Distinct marks COUNT(DISTINCT col). Name is uppercased by the parser.
type FuncCall struct {
	Name     string
	Args     []Expr
	Distinct bool
	Star     bool
}

// CompareOp enumerates binary comparison operators.
type CompareOp int

const (
	Eq CompareOp = iota
	Neq
	Lt
	Le
	Gt
	Ge
	Like
	NotLike
)

// Comparison is a binary comparison.
type Comparison struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

// NullTest is IS NULL / IS NOT NULL.
type NullTest struct {
	Expr    Expr
	Negated bool
}

// InList is <expr> [NOT] IN (v1, v2, ...).
type InList struct {
	Expr    Expr
	Items   []Expr
	Negated bool
}

// InSubquery is <expr> [NOT] IN (SELECT ...).
type InSubquery struct {
	Expr     Expr
	Subquery *SelectStatement
	Negated  bool
}

// Exists is [NOT] EXISTS (SELECT ...).
type Exists struct {
	Subquery *SelectStatement
	Negated  bool
}

// LogicOp enumerates boolean connectives.
type LogicOp int

const (
	And LogicOp = iota
	Or
)

// BinaryLogic is <left> AND/OR <right>.
type BinaryLogic struct {
	Op    LogicOp
	Left  Expr
	Right Expr
}

// Not is a boolean negation.
type Not struct {
	Expr Expr
}

// DateGroup is a date-part grouping attribute produced by the rewrite stage;
// the parser never emits it. Part is "year", "quarter", "month", "week", or
// "day".
type DateGroup struct {
	Part   string
	Column ColumnRef
	Alias  string
}

func (*Literal) exprNode()     {}
func (*ColumnRef) exprNode()   {}
func (*FuncCall) exprNode()    {}
func (*Comparison) exprNode()  {}
func (*NullTest) exprNode()    {}
func (*InList) exprNode()      {}
func (*InSubquery) exprNode()  {}
func (*Exists) exprNode()      {}
func (*BinaryLogic) exprNode() {}
func (*Not) exprNode()         {}
func (*DateGroup) exprNode()   {}
