package query

import (
	"strings"

	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

// Parse compiles a query string into an abstract query tree. An empty or
// all-whitespace query returns (nil, nil); the caller decides what an empty
// query means. Malformed input (unbalanced quotes or parentheses, dangling
// boolean operators) fails with a malformed-query error identifying the
// offending token.
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	tokens, err := Tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	tree, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.current(); tok.Type != TokenEOF {
		return nil, apperrors.MalformedQuery(
			"unexpected %s %q at position %d", tok.Type, tok.Value, tok.Pos)
	}
	return tree, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() Token {
	tok := p.current()
	p.pos++
	return tok
}

// parseOr handles the lowest-precedence level: andExpr (OR andExpr)*.
func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Node{left}
	for p.current().Type == TokenOr {
		orTok := p.advance()
		if atClauseEnd(p.current()) {
			return nil, apperrors.MalformedQuery(
				"dangling %q at position %d", orTok.Value, orTok.Pos)
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Or{Children: children}, nil
}

// parseAnd handles explicit AND and the implicit-AND of adjacent clauses.
func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []Node{left}
	for {
		tok := p.current()
		if tok.Type == TokenAnd {
			andTok := p.advance()
			if atClauseEnd(p.current()) {
				return nil, apperrors.MalformedQuery(
					"dangling %q at position %d", andTok.Value, andTok.Pos)
			}
		} else if !startsClause(tok) {
			break
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &And{Children: children}, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.current().Type == TokenNot {
		notTok := p.advance()
		if atClauseEnd(p.current()) {
			return nil, apperrors.MalformedQuery(
				"dangling %q at position %d", notTok.Value, notTok.Pos)
		}
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.advance()
	switch tok.Type {
	case TokenTerm:
		return &Term{Field: tok.Field, Word: strings.ToLower(tok.Value)}, nil
	case TokenPrefix:
		return &Prefix{Field: tok.Field, Stem: strings.ToLower(tok.Value)}, nil
	case TokenPhrase:
		words := strings.Fields(strings.ToLower(tok.Value))
		if len(words) == 0 {
			return nil, apperrors.MalformedQuery(
				"empty phrase at position %d", tok.Pos)
		}
		if len(words) == 1 {
			return &Term{Field: tok.Field, Word: words[0]}, nil
		}
		return &Phrase{Field: tok.Field, Words: words}, nil
	case TokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.Type != TokenRParen {
			return nil, apperrors.MalformedQuery(
				"unbalanced parenthesis opened at position %d", tok.Pos)
		}
		return inner, nil
	case TokenAnd, TokenOr:
		return nil, apperrors.MalformedQuery(
			"operator %q at position %d has no left operand", tok.Value, tok.Pos)
	case TokenRParen:
		return nil, apperrors.MalformedQuery(
			"unmatched closing parenthesis at position %d", tok.Pos)
	default:
		return nil, apperrors.MalformedQuery(
			"unexpected end of query")
	}
}

// startsClause reports whether the token can begin a new implicit-AND clause.
func startsClause(tok Token) bool {
	switch tok.Type {
	case TokenTerm, TokenPhrase, TokenPrefix, TokenNot, TokenLParen:
		return true
	default:
		return false
	}
}

// atClauseEnd reports whether the token cannot serve as an operand.
func atClauseEnd(tok Token) bool {
	switch tok.Type {
	case TokenEOF, TokenRParen, TokenAnd, TokenOr:
		return true
	default:
		return false
	}
}
