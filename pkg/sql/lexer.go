// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package sql

import (
	"strings"
	"unicode"
)

// lexer produces a flat token stream over a SQL source string. The parser
// consumes the stream through next/peek; there is no backtracking beyond one
// token of lookahead.
type lexer struct {
	src string
	pos int
}

// Lex tokenizes the whole source. Returned tokens always end with TokenEOF.
func Lex(src string) ([]Token, error) {
	lx := &lexer{src: src}
	var tokens []Token
	for {
		tok, err := lx.scan()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF {
			return tokens, nil
		}
	}
}

// scan returns the next token.
func (lx *lexer) scan() (Token, error) {
	lx.skipSpaceAndComments()
	if lx.pos >= len(lx.src) {
		return Token{Kind: TokenEOF, Offset: lx.pos}, nil
	}

	start := lx.pos
	ch := lx.src[lx.pos]

	switch {
	case ch == '\'':
		return lx.scanString(start)
	case ch == '[':
		return lx.scanBracketed(start)
	case isDigit(ch):
		return lx.scanNumber(start)
	case isIdentStart(ch):
		return lx.scanWord(start)
	}

	// Multi-character comparison operators first.
	if lx.pos+1 < len(lx.src) {
		two := lx.src[lx.pos : lx.pos+2]
		switch two {
		case "<>", "<=", ">=", "!=":
			lx.pos += 2
			return Token{Kind: TokenPunct, Text: two, Offset: start}, nil
		}
	}

	switch ch {
	case '(', ')', ',', '.', '=', '<', '>', '*', ';':
		lx.pos++
		return Token{Kind: TokenPunct, Text: string(ch), Offset: start}, nil
	}

	return Token{}, &ParseError{Offset: start, Message: "unexpected character " + string(ch)}
}

// skipSpaceAndComments consumes whitespace, -- line comments, and /* */
// block comments.
func (lx *lexer) skipSpaceAndComments() {
	for lx.pos < len(lx.src) {
		ch := lx.src[lx.pos]
		switch {
		case unicode.IsSpace(rune(ch)):
			lx.pos++
		case ch == '-' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '-':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case ch == '/' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '*':
			end := strings.Index(lx.src[lx.pos+2:], "*/")
			if end < 0 {
				lx.pos = len(lx.src)
				return
			}
			lx.pos += 2 + end + 2
		default:
			return
		}
	}
}

// scanString consumes a single-quoted literal with '' escaping.
func (lx *lexer) scanString(start int) (Token, error) {
	lx.pos++ // opening quote
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		ch := lx.src[lx.pos]
		if ch == '\'' {
			if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\'' {
				sb.WriteByte('\'')
				lx.pos += 2
				continue
			}
			lx.pos++
			return Token{Kind: TokenString, Text: sb.String(), Offset: start}, nil
		}
		sb.WriteByte(ch)
		lx.pos++
	}
	return Token{}, &ParseError{Offset: start, Message: "unterminated string literal"}
}

// scanBracketed consumes a [bracketed] identifier.
func (lx *lexer) scanBracketed(start int) (Token, error) {
	lx.pos++ // opening bracket
	end := strings.IndexByte(lx.src[lx.pos:], ']')
	if end < 0 {
		return Token{}, &ParseError{Offset: start, Message: "unterminated bracketed identifier"}
	}
	text := lx.src[lx.pos : lx.pos+end]
	lx.pos += end + 1
	return Token{Kind: TokenIdent, Text: text, Offset: start}, nil
}

// scanNumber consumes an integer or decimal literal.
func (lx *lexer) scanNumber(start int) (Token, error) {
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	return Token{Kind: TokenNumber, Text: lx.src[start:lx.pos], Offset: start}, nil
}

// scanWord consumes an identifier or keyword.
func (lx *lexer) scanWord(start int) (Token, error) {
	for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
		lx.pos++
	}
	word := lx.src[start:lx.pos]
	upper := strings.ToUpper(word)
	if keywords[upper] {
		return Token{Kind: TokenKeyword, Text: upper, Offset: start}, nil
	}
	return Token{Kind: TokenIdent, Text: word, Offset: start}, nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '@' || ch == '#' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '$'
}
