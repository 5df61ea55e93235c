// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package sql lexes and parses the T-SQL subset accepted by the transpiler.
//
// The parser is a plain recursive-descent parser over a flat token stream.
// It performs no semantic checks: unknown entities and attributes surface
// later, from the executor, once metadata is consulted. Anything outside the
// subset fails with a ParseError carrying the byte offset of the offending
// token.
package sql

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses one statement, or a semicolon-separated sequence wrapped in a
// BlockStatement.
func Parse(src string) (Statement, error) {
	tokens, err := Lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}

	var stmts []Statement
	for {
		p.skipSemicolons()
		if p.peek().Kind == TokenEOF {
			break
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}

	switch len(stmts) {
	case 0:
		return nil, &ParseError{Offset: 0, Message: "empty statement"}
	case 1:
		return stmts[0], nil
	default:
		return &BlockStatement{Statements: stmts}, nil
	}
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) peek() Token { return p.tokens[p.pos] }

func (p *parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Kind != TokenEOF {
		p.pos++
	}
	return tok
}

// matchKeyword consumes the keyword when it is next.
func (p *parser) matchKeyword(kw string) bool {
	if tok := p.peek(); tok.Kind == TokenKeyword && tok.Text == kw {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.matchKeyword(kw) {
		tok := p.peek()
		return &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("expected %s, found %q", kw, tok.Text)}
	}
	return nil
}

// matchPunct consumes the punctuation token when it is next.
func (p *parser) matchPunct(text string) bool {
	if tok := p.peek(); tok.Kind == TokenPunct && tok.Text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(text string) error {
	if !p.matchPunct(text) {
		tok := p.peek()
		return &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("expected %q, found %q", text, tok.Text)}
	}
	return nil
}

func (p *parser) expectIdent() (Token, error) {
	tok := p.peek()
	if tok.Kind != TokenIdent {
		return Token{}, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("expected identifier, found %q", tok.Text)}
	}
	p.pos++
	return tok, nil
}

func (p *parser) skipSemicolons() {
	for p.matchPunct(";") {
	}
}

func (p *parser) parseStatement() (Statement, error) {
	tok := p.peek()
	if tok.Kind != TokenKeyword {
		return nil, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("expected a statement, found %q", tok.Text)}
	}
	switch tok.Text {
	case "SELECT":
		return p.parseSelect()
	case "INSERT":
		return p.parseInsert()
	case "UPDATE":
		return p.parseUpdate()
	case "DELETE":
		return p.parseDelete()
	case "BEGIN":
		return p.parseBlock()
	case "IF":
		return p.parseIf()
	default:
		return nil, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("unsupported statement %s", tok.Text)}
	}
}

func (p *parser) parseBlock() (Statement, error) {
	if err := p.expectKeyword("BEGIN"); err != nil {
		return nil, err
	}
	block := &BlockStatement{}
	for {
		p.skipSemicolons()
		if p.matchKeyword("END") {
			return block, nil
		}
		if p.peek().Kind == TokenEOF {
			return nil, &ParseError{Offset: p.peek().Offset, Message: "unterminated BEGIN block"}
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		block.Statements = append(block.Statements, stmt)
	}
}

func (p *parser) parseIf() (Statement, error) {
	if err := p.expectKeyword("IF"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	stmt := &IfStatement{Cond: cond, Then: then}
	p.skipSemicolons()
	if p.matchKeyword("ELSE") {
		stmt.Else, err = p.parseStatement()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func (p *parser) parseSelect() (*SelectStatement, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	sel := &SelectStatement{}
	sel.Distinct = p.matchKeyword("DISTINCT")

	if p.matchKeyword("TOP") {
		tok := p.peek()
		if tok.Kind != TokenNumber {
			return nil, &ParseError{Offset: tok.Offset, Message: "TOP requires a row count"}
		}
		p.pos++
		n, err := strconv.Atoi(tok.Text)
		if err != nil || n <= 0 {
			return nil, &ParseError{Offset: tok.Offset, Message: "TOP requires a positive integer"}
		}
		sel.Top = n
	}

	for {
		col, err := p.parseSelectColumn()
		if err != nil {
			return nil, err
		}
		sel.Columns = append(sel.Columns, col)
		if !p.matchPunct(",") {
			break
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	sel.From = table

	for {
		join, ok, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		sel.Joins = append(sel.Joins, join)
	}

	if p.matchKeyword("WHERE") {
		sel.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}

	if p.matchKeyword("GROUP") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			expr, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, expr)
			if !p.matchPunct(",") {
				break
			}
		}
	}

	if p.matchKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			expr, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: expr}
			if p.matchKeyword("DESC") {
				item.Desc = true
			} else {
				p.matchKeyword("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, item)
			if !p.matchPunct(",") {
				break
			}
		}
	}

	return sel, nil
}

func (p *parser) parseSelectColumn() (SelectColumn, error) {
	if p.matchPunct("*") {
		return SelectColumn{Star: true}, nil
	}
	expr, err := p.parsePrimary()
	if err != nil {
		return SelectColumn{}, err
	}
	col := SelectColumn{Expr: expr}
	if p.matchKeyword("AS") {
		alias, err := p.expectIdent()
		if err != nil {
			return SelectColumn{}, err
		}
		col.Alias = alias.Text
	} else if tok := p.peek(); tok.Kind == TokenIdent {
		p.pos++
		col.Alias = tok.Text
	}
	return col, nil
}

func (p *parser) parseTableRef() (TableRef, error) {
	name, err := p.expectIdent()
	if err != nil {
		return TableRef{}, err
	}
	ref := TableRef{Name: name.Text}
	if p.matchKeyword("AS") {
		alias, err := p.expectIdent()
		if err != nil {
			return TableRef{}, err
		}
		ref.Alias = alias.Text
	} else if tok := p.peek(); tok.Kind == TokenIdent {
		p.pos++
		ref.Alias = tok.Text
	}
	return ref, nil
}

// parseJoin parses one join clause; ok is false when no join follows.
func (p *parser) parseJoin() (Join, bool, error) {
	kind := InnerJoin
	switch {
	case p.matchKeyword("JOIN"):
	case p.matchKeyword("INNER"):
		if err := p.expectKeyword("JOIN"); err != nil {
			return Join{}, false, err
		}
	case p.matchKeyword("LEFT"):
		p.matchKeyword("OUTER")
		if err := p.expectKeyword("JOIN"); err != nil {
			return Join{}, false, err
		}
		kind = LeftOuterJoin
	default:
		return Join{}, false, nil
	}

	table, err := p.parseTableRef()
	if err != nil {
		return Join{}, false, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return Join{}, false, err
	}
	on, err := p.parseExpr()
	if err != nil {
		return Join{}, false, err
	}
	return Join{Kind: kind, Table: table, On: on}, true, nil
}

func (p *parser) parseInsert() (Statement, error) {
	if err := p.expectKeyword("INSERT"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &InsertStatement{Table: table.Text}

	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col.Text)
		if !p.matchPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	for {
		val, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		stmt.Values = append(stmt.Values, val)
		if !p.matchPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	if len(stmt.Columns) != len(stmt.Values) {
		tok := p.peek()
		return nil, &ParseError{Offset: tok.Offset, Message: "INSERT column count does not match value count"}
	}
	return stmt, nil
}

func (p *parser) parseUpdate() (Statement, error) {
	if err := p.expectKeyword("UPDATE"); err != nil {
		return nil, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}

	stmt := &UpdateStatement{Table: table}
	for {
		colTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		col := ColumnRef{Name: colTok.Text}
		if p.matchPunct(".") {
			nameTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			col = ColumnRef{Table: colTok.Text, Name: nameTok.Text}
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		val, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		stmt.Set = append(stmt.Set, Assignment{Column: col, Value: val})
		if !p.matchPunct(",") {
			break
		}
	}

	if p.matchKeyword("WHERE") {
		stmt.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func (p *parser) parseDelete() (Statement, error) {
	if err := p.expectKeyword("DELETE"); err != nil {
		return nil, err
	}
	// Optional `DELETE FROM t` vs `DELETE t`.
	p.matchKeyword("FROM")
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	stmt := &DeleteStatement{Table: table}
	if p.matchKeyword("WHERE") {
		stmt.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// Expression grammar: OR < AND < NOT < predicate.

func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryLogic{Op: Or, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryLogic{Op: And, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if tok := p.peek(); tok.Kind == TokenKeyword && tok.Text == "NOT" {
		// NOT EXISTS and NOT IN are handled inside the predicate; only a
		// bare boolean NOT is consumed here.
		if after := p.tokens[p.pos+1]; after.Kind == TokenKeyword && after.Text == "EXISTS" {
			return p.parsePredicate()
		}
		p.pos++
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Expr, error) {
	// [NOT] EXISTS (subquery)
	negated := false
	if tok := p.peek(); tok.Kind == TokenKeyword && tok.Text == "NOT" {
		if after := p.tokens[p.pos+1]; after.Kind == TokenKeyword && after.Text == "EXISTS" {
			p.pos++
			negated = true
		}
	}
	if p.matchKeyword("EXISTS") {
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		sub, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &Exists{Subquery: sub, Negated: negated}, nil
	}

	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parsePredicateTail(left)
}

// parsePredicateTail parses the comparison following a primary expression.
func (p *parser) parsePredicateTail(left Expr) (Expr, error) {
	tok := p.peek()

	if tok.Kind == TokenPunct {
		var op CompareOp
		switch tok.Text {
		case "=":
			op = Eq
		case "<>", "!=":
			op = Neq
		case "<":
			op = Lt
		case "<=":
			op = Le
		case ">":
			op = Gt
		case ">=":
			op = Ge
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Comparison{Op: op, Left: left, Right: right}, nil
	}

	if tok.Kind != TokenKeyword {
		return left, nil
	}

	switch tok.Text {
	case "IS":
		p.pos++
		negated := p.matchKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &NullTest{Expr: left, Negated: negated}, nil

	case "LIKE":
		p.pos++
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Comparison{Op: Like, Left: left, Right: right}, nil

	case "NOT":
		after := p.tokens[p.pos+1]
		if after.Kind != TokenKeyword || (after.Text != "IN" && after.Text != "LIKE") {
			return left, nil
		}
		p.pos++
		if p.matchKeyword("LIKE") {
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &Comparison{Op: NotLike, Left: left, Right: right}, nil
		}
		return p.parseIn(left, true)

	case "IN":
		return p.parseIn(left, false)
	}

	return left, nil
}

// parseIn parses the parenthesized tail of [NOT] IN: either a subquery or a
// literal list.
func (p *parser) parseIn(left Expr, negated bool) (Expr, error) {
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.Kind == TokenKeyword && tok.Text == "SELECT" {
		sub, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &InSubquery{Expr: left, Subquery: sub, Negated: negated}, nil
	}

	in := &InList{Expr: left, Negated: negated}
	for {
		item, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		in.Items = append(in.Items, item)
		if !p.matchPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return in, nil
}

// parsePrimary parses a literal, column reference, function call, or
// parenthesized expression.
func (p *parser) parsePrimary() (Expr, error) {
	tok := p.peek()

	switch tok.Kind {
	case TokenNumber:
		p.pos++
		return &Literal{Kind: NumberLiteral, Text: tok.Text}, nil

	case TokenString:
		p.pos++
		return &Literal{Kind: StringLiteral, Text: tok.Text}, nil

	case TokenKeyword:
		if tok.Text == "NULL" {
			p.pos++
			return &Literal{Kind: NullLiteral}, nil
		}
		return nil, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("unexpected keyword %s in expression", tok.Text)}

	case TokenPunct:
		if tok.Text == "(" {
			p.pos++
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
		return nil, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("unexpected %q in expression", tok.Text)}

	case TokenIdent:
		p.pos++
		// Function call.
		if p.matchPunct("(") {
			return p.parseFuncCall(strings.ToUpper(tok.Text))
		}
		// Qualified column.
		if p.matchPunct(".") {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			return &ColumnRef{Table: tok.Text, Name: name.Text}, nil
		}
		return &ColumnRef{Name: tok.Text}, nil
	}

	return nil, &ParseError{Offset: tok.Offset, Message: "expected an expression"}
}

// parseFuncCall parses the argument list after `name(`.
func (p *parser) parseFuncCall(name string) (Expr, error) {
	call := &FuncCall{Name: name}

	if p.matchPunct("*") {
		call.Star = true
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return call, nil
	}

	call.Distinct = p.matchKeyword("DISTINCT")

	if p.matchPunct(")") {
		return call, nil
	}
	for {
		arg, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if !p.matchPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return call, nil
}
