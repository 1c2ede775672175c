// Package query compiles free-text/boolean query strings into an abstract
// query tree. The grammar supports free terms (implicit AND), quoted phrases,
// AND/OR/NOT operators, parenthesised groups, trailing-wildcard prefixes
// (term*), and field-scoped terms (field:term). Ambiguous input fails with a
// malformed-query error naming the offending token; the parser never degrades
// silently to a partial match.
package query

import (
	"strings"
	"unicode"

	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

// TokenType classifies a lexical token.
type TokenType int

const (
	TokenTerm TokenType = iota
	TokenPhrase
	TokenPrefix
	TokenAnd
	TokenOr
	TokenNot
	TokenLParen
	TokenRParen
	TokenEOF
)

func (t TokenType) String() string {
	switch t {
	case TokenTerm:
		return "TERM"
	case TokenPhrase:
		return "PHRASE"
	case TokenPrefix:
		return "PREFIX"
	case TokenAnd:
		return "AND"
	case TokenOr:
		return "OR"
	case TokenNot:
		return "NOT"
	case TokenLParen:
		return "LPAREN"
	case TokenRParen:
		return "RPAREN"
	case TokenEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// Token is one lexical token. Field is set for field-scoped terms, phrases,
// and prefixes.
type Token struct {
	Type  TokenType
	Value string
	Field string
	Pos   int
}

type lexer struct {
	input string
	pos   int
}

// Tokenize splits a query string into tokens. Unterminated phrases are
// rejected here, before parsing.
func Tokenize(input string) ([]Token, error) {
	l := &lexer{input: input}
	var tokens []Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (Token, error) {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}, nil
	}

	start := l.pos
	switch l.input[l.pos] {
	case '(':
		l.pos++
		return Token{Type: TokenLParen, Value: "(", Pos: start}, nil
	case ')':
		l.pos++
		return Token{Type: TokenRParen, Value: ")", Pos: start}, nil
	case '"':
		return l.readPhrase("")
	}

	word := l.readWord()
	switch strings.ToUpper(word) {
	case "AND":
		return Token{Type: TokenAnd, Value: word, Pos: start}, nil
	case "OR":
		return Token{Type: TokenOr, Value: word, Pos: start}, nil
	case "NOT":
		return Token{Type: TokenNot, Value: word, Pos: start}, nil
	}

	field := ""
	if idx := strings.Index(word, ":"); idx > 0 {
		field = word[:idx]
		rest := word[idx+1:]
		if rest == "" {
			// field: directly followed by a quoted phrase
			l.skipSpace()
			if l.pos < len(l.input) && l.input[l.pos] == '"' {
				return l.readPhrase(field)
			}
			return Token{}, apperrors.MalformedQuery(
				"field scope %q at position %d has no term", word, start)
		}
		word = rest
	}

	if strings.HasSuffix(word, "*") {
		prefix := strings.TrimSuffix(word, "*")
		if prefix == "" {
			return Token{}, apperrors.MalformedQuery(
				"bare wildcard at position %d", start)
		}
		return Token{Type: TokenPrefix, Value: prefix, Field: field, Pos: start}, nil
	}
	return Token{Type: TokenTerm, Value: word, Field: field, Pos: start}, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

func (l *lexer) readWord() string {
	start := l.pos
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if unicode.IsSpace(rune(ch)) || ch == '(' || ch == ')' || ch == '"' {
			break
		}
		l.pos++
	}
	return l.input[start:l.pos]
}

func (l *lexer) readPhrase(field string) (Token, error) {
	start := l.pos
	l.pos++ // opening quote
	bodyStart := l.pos
	for l.pos < len(l.input) && l.input[l.pos] != '"' {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return Token{}, apperrors.MalformedQuery(
			"unbalanced quote starting at position %d", start)
	}
	value := l.input[bodyStart:l.pos]
	l.pos++ // closing quote
	return Token{Type: TokenPhrase, Value: value, Field: field, Pos: start}, nil
}
