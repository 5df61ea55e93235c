// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package fetchxml turns rewritten SELECT statements into FetchXML documents.
//
// The emitter is pure: it walks the AST and produces a string, never touching
// the network or metadata. SQL constructs that survived the rewrite stage but
// have no FetchXML equivalent fail with an Untranspilable fault.
package fetchxml

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/sql"
)

// Fetch is the document root.
type Fetch struct {
	XMLName   xml.Name `xml:"fetch"`
	Aggregate string   `xml:"aggregate,attr,omitempty"`
	Distinct  string   `xml:"distinct,attr,omitempty"`
	Top       string   `xml:"top,attr,omitempty"`
	Entity    Entity   `xml:"entity"`
}

// Entity is the primary entity block.
type Entity struct {
	Name          string       `xml:"name,attr"`
	AllAttributes *struct{}     `xml:"all-attributes"`
	Attributes    []Attribute   `xml:"attribute"`
	Filter        *Filter       `xml:"filter"`
	Links         []*LinkEntity `xml:"link-entity"`
	Orders        []Order       `xml:"order"`
}

// Attribute is one projected or grouped column.
type Attribute struct {
	Name         string `xml:"name,attr"`
	Alias        string `xml:"alias,attr,omitempty"`
	GroupBy      string `xml:"groupby,attr,omitempty"`
	Aggregate    string `xml:"aggregate,attr,omitempty"`
	DateGrouping string `xml:"dategrouping,attr,omitempty"`
	Distinct     string `xml:"distinct,attr,omitempty"`
}

// LinkEntity is a join block.
type LinkEntity struct {
	Name       string        `xml:"name,attr"`
	From       string        `xml:"from,attr"`
	To         string        `xml:"to,attr"`
	Alias      string        `xml:"alias,attr,omitempty"`
	LinkType   string        `xml:"link-type,attr"`
	Attributes []Attribute   `xml:"attribute"`
	Filter     *Filter       `xml:"filter"`
	Links      []*LinkEntity `xml:"link-entity"`
}

// Filter groups conditions under and/or semantics.
type Filter struct {
	Type       string      `xml:"type,attr"`
	Conditions []Condition `xml:"condition"`
	Filters    []*Filter   `xml:"filter"`
}

// Condition is one predicate.
type Condition struct {
	Attribute  string   `xml:"attribute,attr"`
	EntityName string   `xml:"entityname,attr,omitempty"`
	Operator   string   `xml:"operator,attr"`
	Value      string   `xml:"value,attr,omitempty"`
	Values     []string `xml:"value"`
}

// Order is one sort key. Aggregate queries sort by alias, plain queries by
// attribute name.
type Order struct {
	Attribute  string `xml:"attribute,attr,omitempty"`
	Alias      string `xml:"alias,attr,omitempty"`
	Descending string `xml:"descending,attr,omitempty"`
}

// aggregateKinds maps SQL aggregate function names to FetchXML aggregate
// attribute values. COUNT is handled separately because its FetchXML form
// depends on the argument.
var aggregateKinds = map[string]string{
	"SUM": "sum",
	"AVG": "avg",
	"MIN": "min",
	"MAX": "max",
}

// compareOps maps comparison operators to FetchXML condition operators.
var compareOps = map[sql.CompareOp]string{
	sql.Eq:      "eq",
	sql.Neq:     "neq",
	sql.Lt:      "lt",
	sql.Le:      "le",
	sql.Gt:      "gt",
	sql.Ge:      "ge",
	sql.Like:    "like",
	sql.NotLike: "not-like",
}

// Emit converts one rewritten SELECT into a FetchXML document string.
func Emit(sel *sql.SelectStatement) (string, error) {
	doc, err := Build(sel)
	if err != nil {
		return "", err
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", faults.Wrap(faults.CodeInternal, "failed to serialize query document", err)
	}
	return string(out), nil
}

// Build converts one rewritten SELECT into a Fetch document without
// serializing it.
func Build(sel *sql.SelectStatement) (*Fetch, error) {
	em := &emitter{
		doc:   &Fetch{},
		links: make(map[string]*LinkEntity),
		root:  make(map[string]bool),
	}
	if err := em.build(sel); err != nil {
		return nil, err
	}
	return em.doc, nil
}

type emitter struct {
	doc       *Fetch
	aggregate bool
	// root holds the lowercased names that qualify the primary entity;
	// links maps lowercased join qualifiers to their blocks.
	root  map[string]bool
	links map[string]*LinkEntity
	// groupAliases and aggAliases record the aliases an aggregate ORDER BY
	// may legally reference.
	groupAliases map[string]bool
	aliasSeq     int
}

func (em *emitter) build(sel *sql.SelectStatement) error {
	em.doc.Entity.Name = sel.From.Name
	em.root[strings.ToLower(sel.From.Name)] = true
	if sel.From.Alias != "" {
		em.root[strings.ToLower(sel.From.Alias)] = true
	}
	em.groupAliases = make(map[string]bool)

	em.aggregate = len(sel.GroupBy) > 0
	for _, col := range sel.Columns {
		if isAggregateExpr(col.Expr) {
			em.aggregate = true
		}
	}
	if em.aggregate {
		em.doc.Aggregate = "true"
	}
	if sel.Distinct {
		em.doc.Distinct = "true"
	}
	if sel.Top > 0 {
		em.doc.Top = strconv.Itoa(sel.Top)
	}

	// Joins first so qualified columns and conditions can be routed into
	// their link blocks.
	for _, join := range sel.Joins {
		if err := em.addJoin(join); err != nil {
			return err
		}
	}

	if err := em.addGroupBy(sel); err != nil {
		return err
	}
	for _, col := range sel.Columns {
		if err := em.addColumn(sel, col); err != nil {
			return err
		}
	}
	if sel.Where != nil {
		filter, err := em.buildFilter(sel.Where)
		if err != nil {
			return err
		}
		em.doc.Entity.Filter = filter
	}
	for _, item := range sel.OrderBy {
		if err := em.addOrder(sel, item); err != nil {
			return err
		}
	}
	return nil
}

func isAggregateExpr(e sql.Expr) bool {
	call, ok := e.(*sql.FuncCall)
	if !ok {
		return false
	}
	if call.Name == "COUNT" {
		return true
	}
	_, ok = aggregateKinds[call.Name]
	return ok
}

func (em *emitter) addJoin(join sql.Join) error {
	on, ok := join.On.(*sql.Comparison)
	if !ok || on.Op != sql.Eq {
		return untranspilable("join conditions must be a single equality")
	}
	left, lok := on.Left.(*sql.ColumnRef)
	right, rok := on.Right.(*sql.ColumnRef)
	if !lok || !rok {
		return untranspilable("join conditions must compare two columns")
	}

	// Normalize so the joined table's column is on the left.
	self := strings.ToLower(join.Table.AliasOrName())
	if strings.ToLower(right.Table) == self {
		left, right = right, left
	}
	if strings.ToLower(left.Table) != self {
		return untranspilable(fmt.Sprintf("join condition does not reference %s", join.Table.AliasOrName()))
	}

	linkType := "inner"
	if join.Kind == sql.LeftOuterJoin {
		linkType = "outer"
	}
	link := &LinkEntity{
		Name:     join.Table.Name,
		From:     left.Name,
		To:       right.Name,
		Alias:    join.Table.Alias,
		LinkType: linkType,
	}

	parent := strings.ToLower(right.Table)
	if parent == "" || em.root[parent] {
		em.doc.Entity.Links = append(em.doc.Entity.Links, link)
		em.links[self] = link
		return nil
	}
	if parentLink, ok := em.links[parent]; ok {
		parentLink.Links = append(parentLink.Links, link)
		em.links[self] = link
		return nil
	}
	return untranspilable(fmt.Sprintf("join references unknown table %q", right.Table))
}

// target returns the attribute list to append to for a given qualifier.
func (em *emitter) target(qualifier string) (*[]Attribute, error) {
	q := strings.ToLower(qualifier)
	if q == "" || em.root[q] {
		return &em.doc.Entity.Attributes, nil
	}
	if link, ok := em.links[q]; ok {
		return &link.Attributes, nil
	}
	return nil, untranspilable(fmt.Sprintf("column references unknown table %q", qualifier))
}

func (em *emitter) addGroupBy(sel *sql.SelectStatement) error {
	for _, g := range sel.GroupBy {
		switch expr := g.(type) {
		case *sql.DateGroup:
			attrs, err := em.target(expr.Column.Table)
			if err != nil {
				return err
			}
			*attrs = append(*attrs, Attribute{
				Name:         expr.Column.Name,
				Alias:        expr.Alias,
				GroupBy:      "true",
				DateGrouping: expr.Part,
			})
			em.groupAliases[expr.Alias] = true

		case *sql.ColumnRef:
			attrs, err := em.target(expr.Table)
			if err != nil {
				return err
			}
			alias := em.groupAlias(sel, expr)
			*attrs = append(*attrs, Attribute{
				Name:    expr.Name,
				Alias:   alias,
				GroupBy: "true",
			})
			em.groupAliases[alias] = true

		default:
			return untranspilable("GROUP BY supports plain columns and date functions only")
		}
	}
	return nil
}

// groupAlias resolves the alias for a grouped column: a matching projection
// alias wins, then the column's own name.
func (em *emitter) groupAlias(sel *sql.SelectStatement, col *sql.ColumnRef) string {
	for _, sc := range sel.Columns {
		ref, ok := sc.Expr.(*sql.ColumnRef)
		if ok && sc.Alias != "" &&
			strings.EqualFold(ref.Name, col.Name) && strings.EqualFold(ref.Table, col.Table) {
			return sc.Alias
		}
	}
	return col.Name
}

func (em *emitter) addColumn(sel *sql.SelectStatement, col sql.SelectColumn) error {
	if col.Star {
		if em.aggregate {
			return untranspilable("SELECT * cannot be combined with aggregates")
		}
		em.doc.Entity.AllAttributes = &struct{}{}
		return nil
	}

	switch expr := col.Expr.(type) {
	case *sql.ColumnRef:
		if em.aggregate {
			// Grouped columns were already emitted by addGroupBy; anything
			// else is an ungrouped plain column.
			if em.isGrouped(sel, expr) {
				return nil
			}
			return untranspilable(fmt.Sprintf("column %s must appear in GROUP BY or an aggregate", expr.Name))
		}
		attrs, err := em.target(expr.Table)
		if err != nil {
			return err
		}
		*attrs = append(*attrs, Attribute{Name: expr.Name, Alias: col.Alias})
		return nil

	case *sql.DateGroup:
		// Already emitted by addGroupBy.
		return nil

	case *sql.FuncCall:
		return em.addAggregate(sel, expr, col.Alias)

	default:
		return untranspilable("unsupported expression in select list")
	}
}

func (em *emitter) isGrouped(sel *sql.SelectStatement, col *sql.ColumnRef) bool {
	for _, g := range sel.GroupBy {
		ref, ok := g.(*sql.ColumnRef)
		if ok && strings.EqualFold(ref.Name, col.Name) && strings.EqualFold(ref.Table, col.Table) {
			return true
		}
	}
	return false
}

func (em *emitter) addAggregate(sel *sql.SelectStatement, call *sql.FuncCall, alias string) error {
	if alias == "" {
		alias = fmt.Sprintf("%s_%d", strings.ToLower(call.Name), em.aliasSeq)
		em.aliasSeq++
	}
	em.groupAliases[alias] = true

	if call.Name == "COUNT" {
		if call.Star {
			// COUNT(*) has no column; count over the first grouping column
			// when one exists, otherwise over the primary key by naming
			// convention.
			if name, qualifier, ok := firstGroupColumn(sel); ok {
				attrs, err := em.target(qualifier)
				if err != nil {
					return err
				}
				*attrs = append(*attrs, Attribute{Name: name, Alias: alias, Aggregate: "countcolumn"})
				return nil
			}
			em.doc.Entity.Attributes = append(em.doc.Entity.Attributes, Attribute{
				Name:      sel.From.Name + "id",
				Alias:     alias,
				Aggregate: "count",
			})
			return nil
		}
		col, ok := singleColumnArg(call)
		if !ok {
			return untranspilable("COUNT requires a column or *")
		}
		attrs, err := em.target(col.Table)
		if err != nil {
			return err
		}
		attr := Attribute{Name: col.Name, Alias: alias, Aggregate: "countcolumn"}
		if call.Distinct {
			attr.Distinct = "true"
		}
		*attrs = append(*attrs, attr)
		return nil
	}

	kind, ok := aggregateKinds[call.Name]
	if !ok {
		return untranspilable(fmt.Sprintf("function %s is not supported in the select list", call.Name))
	}
	col, colOK := singleColumnArg(call)
	if !colOK {
		return untranspilable(fmt.Sprintf("%s requires a single column argument", call.Name))
	}
	attrs, err := em.target(col.Table)
	if err != nil {
		return err
	}
	*attrs = append(*attrs, Attribute{Name: col.Name, Alias: alias, Aggregate: kind})
	return nil
}

func singleColumnArg(call *sql.FuncCall) (*sql.ColumnRef, bool) {
	if len(call.Args) != 1 {
		return nil, false
	}
	col, ok := call.Args[0].(*sql.ColumnRef)
	return col, ok
}

// firstGroupColumn returns the name and qualifier of the first grouped
// column, if any.
func firstGroupColumn(sel *sql.SelectStatement) (name, qualifier string, ok bool) {
	for _, g := range sel.GroupBy {
		switch expr := g.(type) {
		case *sql.DateGroup:
			return expr.Column.Name, expr.Column.Table, true
		case *sql.ColumnRef:
			return expr.Name, expr.Table, true
		}
	}
	return "", "", false
}

// buildFilter converts a boolean expression to a filter tree. AND/OR spines
// become filters of the matching type; mixed nesting becomes nested filters.
func (em *emitter) buildFilter(e sql.Expr) (*Filter, error) {
	logic, ok := e.(*sql.BinaryLogic)
	if !ok {
		cond, err := em.buildCondition(e)
		if err != nil {
			return nil, err
		}
		return &Filter{Type: "and", Conditions: []Condition{cond}}, nil
	}

	ftype := "and"
	op := sql.And
	if logic.Op == sql.Or {
		ftype = "or"
		op = sql.Or
	}

	filter := &Filter{Type: ftype}
	for _, part := range splitLogic(e, op) {
		if inner, ok := part.(*sql.BinaryLogic); ok && inner.Op != op {
			sub, err := em.buildFilter(inner)
			if err != nil {
				return nil, err
			}
			filter.Filters = append(filter.Filters, sub)
			continue
		}
		cond, err := em.buildCondition(part)
		if err != nil {
			return nil, err
		}
		filter.Conditions = append(filter.Conditions, cond)
	}
	return filter, nil
}

func splitLogic(e sql.Expr, op sql.LogicOp) []sql.Expr {
	if bl, ok := e.(*sql.BinaryLogic); ok && bl.Op == op {
		return append(splitLogic(bl.Left, op), splitLogic(bl.Right, op)...)
	}
	return []sql.Expr{e}
}

func (em *emitter) buildCondition(e sql.Expr) (Condition, error) {
	switch expr := e.(type) {
	case *sql.Comparison:
		col, ok := expr.Left.(*sql.ColumnRef)
		if !ok {
			return Condition{}, untranspilable("condition left side must be a column")
		}
		lit, ok := expr.Right.(*sql.Literal)
		if !ok {
			return Condition{}, untranspilable("condition right side must be a literal")
		}
		cond := Condition{
			Attribute: col.Name,
			Operator:  compareOps[expr.Op],
		}
		if lit.Kind == sql.NullLiteral {
			switch expr.Op {
			case sql.Eq:
				cond.Operator = "null"
			case sql.Neq:
				cond.Operator = "not-null"
			default:
				return Condition{}, untranspilable("NULL may only be compared with = or <>")
			}
		} else {
			cond.Value = lit.Text
		}
		em.qualifyCondition(&cond, col)
		return cond, nil

	case *sql.NullTest:
		col, ok := expr.Expr.(*sql.ColumnRef)
		if !ok {
			return Condition{}, untranspilable("IS NULL requires a column")
		}
		op := "null"
		if expr.Negated {
			op = "not-null"
		}
		cond := Condition{Attribute: col.Name, Operator: op}
		em.qualifyCondition(&cond, col)
		return cond, nil

	case *sql.InList:
		col, ok := expr.Expr.(*sql.ColumnRef)
		if !ok {
			return Condition{}, untranspilable("IN requires a column")
		}
		op := "in"
		if expr.Negated {
			op = "not-in"
		}
		cond := Condition{Attribute: col.Name, Operator: op}
		for _, item := range expr.Items {
			lit, ok := item.(*sql.Literal)
			if !ok || lit.Kind == sql.NullLiteral {
				return Condition{}, untranspilable("IN list items must be literals")
			}
			cond.Values = append(cond.Values, lit.Text)
		}
		em.qualifyCondition(&cond, col)
		return cond, nil

	case *sql.InSubquery, *sql.Exists:
		return Condition{}, untranspilable("subquery could not be rewritten to a join")

	case *sql.Not:
		return Condition{}, untranspilable("NOT is only supported as NOT IN, NOT LIKE, or NOT EXISTS")

	default:
		return Condition{}, untranspilable("unsupported predicate")
	}
}

// qualifyCondition tags conditions on joined tables with entityname so they
// can live in the root filter.
func (em *emitter) qualifyCondition(cond *Condition, col *sql.ColumnRef) {
	q := strings.ToLower(col.Table)
	if q == "" || em.root[q] {
		return
	}
	if link, ok := em.links[q]; ok {
		if link.Alias != "" {
			cond.EntityName = link.Alias
		} else {
			cond.EntityName = link.Name
		}
	}
}

func (em *emitter) addOrder(sel *sql.SelectStatement, item sql.OrderItem) error {
	desc := ""
	if item.Desc {
		desc = "true"
	}

	if em.aggregate {
		// Aggregate orders must reference a grouped or aggregate alias.
		name, ok := orderAliasName(item.Expr)
		if !ok || !em.groupAliases[name] {
			return untranspilable("aggregate ORDER BY must reference a grouped or aggregate alias")
		}
		em.doc.Entity.Orders = append(em.doc.Entity.Orders, Order{Alias: name, Descending: desc})
		return nil
	}

	col, ok := item.Expr.(*sql.ColumnRef)
	if !ok {
		return untranspilable("ORDER BY supports plain columns only")
	}
	q := strings.ToLower(col.Table)
	if q == "" || em.root[q] {
		em.doc.Entity.Orders = append(em.doc.Entity.Orders, Order{Attribute: col.Name, Descending: desc})
		return nil
	}
	return untranspilable("ORDER BY on joined tables is not supported")
}

// orderAliasName extracts the alias an aggregate order refers to: either a
// bare identifier or a date-group node.
func orderAliasName(e sql.Expr) (string, bool) {
	switch expr := e.(type) {
	case *sql.ColumnRef:
		if expr.Table == "" {
			return expr.Name, true
		}
	case *sql.DateGroup:
		return expr.Alias, true
	}
	return "", false
}

func untranspilable(msg string) error {
	return faults.New(faults.CodeUntranspilable, msg)
}
