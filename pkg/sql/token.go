// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package sql

import "fmt"

// TokenKind classifies lexer output.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenKeyword
	TokenNumber
	TokenString
	TokenPunct
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenIdent:
		return "identifier"
	case TokenKeyword:
		return "keyword"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenPunct:
		return "punctuation"
	default:
		return "unknown"
	}
}

// Token is one lexical unit. Text holds the normalized form: keywords are
// uppercased, bracketed identifiers are unwrapped, string literals are
// unquoted. Offset is the byte offset of the token's first character in the
// source, used for error reporting.
type Token struct {
	Kind   TokenKind
	Text   string
	Offset int
}

// keywords recognized by the lexer. Identifiers matching these
// (case-insensitively) are tokenized as TokenKeyword with uppercase text.
var keywords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"FROM": true, "WHERE": true, "INTO": true, "VALUES": true, "SET": true,
	"DISTINCT": true, "TOP": true, "AS": true,
	"JOIN": true, "INNER": true, "LEFT": true, "OUTER": true, "ON": true,
	"GROUP": true, "ORDER": true, "BY": true, "ASC": true, "DESC": true,
	"AND": true, "OR": true, "NOT": true, "IN": true, "IS": true,
	"NULL": true, "LIKE": true, "EXISTS": true,
	"BEGIN": true, "END": true, "IF": true, "ELSE": true,
}

// ParseError reports a lexing or parsing failure with the byte offset of the
// offending token.
type ParseError struct {
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Message)
}
