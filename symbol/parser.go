package symbol

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError is returned for malformed macro text. Line is 1-indexed and
// zero when parsing a single statement; Pos is a byte offset in the line.
type SyntaxError struct {
	Line int
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d, position %d: %s", e.Line, e.Pos, e.Msg)
	}
	return fmt.Sprintf("position %d: %s", e.Pos, e.Msg)
}

// Parse parses a single statement: a comment, an expression, or an
// assignment. It returns nil for a blank line.
func Parse(input string) (Symbol, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	return p.parseStatement()
}

// ParseScript parses one statement per line, skipping blank lines.
func ParseScript(text string) ([]Symbol, error) {
	var out []Symbol
	for i, line := range strings.Split(text, "\n") {
		stmt, err := Parse(line)
		if err != nil {
			if se, ok := err.(*SyntaxError); ok {
				se.Line = i + 1
				return nil, se
			}
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if stmt != nil {
			out = append(out, stmt)
		}
	}
	return out, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) peek() Token {
	if p.pos+1 >= len(p.tokens) {
		return Token{Kind: TokenEOF}
	}
	return p.tokens[p.pos+1]
}

func (p *parser) advance() Token {
	tok := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.current()
	if tok.Kind != kind {
		return tok, p.errorf(tok, "expected %s but got %s", kind, tok.Kind)
	}
	p.advance()
	return tok, nil
}

func (p *parser) errorf(tok Token, format string, args ...any) error {
	return &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseStatement() (Symbol, error) {
	switch p.current().Kind {
	case TokenEOF:
		return nil, nil
	case TokenComment:
		return &Comment{Text: p.advance().Value}, nil
	}

	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.current().Kind == TokenAssign {
		tok := p.advance()
		switch expr.(type) {
		case *Variable, *Attribute, *Index:
		default:
			return nil, p.errorf(tok, "cannot assign to %s", expr)
		}
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		expr = &Assign{Target: expr, Value: value}
	}

	// A trailing comment is allowed and dropped.
	if p.current().Kind == TokenComment {
		p.advance()
	}
	if tok := p.current(); tok.Kind != TokenEOF {
		return nil, p.errorf(tok, "unexpected token %s", tok.Kind)
	}
	return expr, nil
}

func (p *parser) parseExpr() (Symbol, error) {
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Symbol, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.current().Kind {
		case TokenDot:
			p.advance()
			tok := p.current()
			switch tok.Kind {
			case TokenIdent, TokenTrue, TokenFalse, TokenNull:
				// Keywords are allowed as attribute names (e.g. ui.null).
				p.advance()
				expr = &Attribute{Object: expr, Name: tok.Value}
			default:
				return nil, p.errorf(tok, "expected identifier but got %s", tok.Kind)
			}

		case TokenLBracket:
			p.advance()
			index, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenRBracket); err != nil {
				return nil, err
			}
			expr = &Index{Object: expr, Index: index}

		case TokenLParen:
			call, err := p.parseCallArgs(expr)
			if err != nil {
				return nil, err
			}
			expr = call

		default:
			return expr, nil
		}
	}
}

func (p *parser) parseCallArgs(fn Symbol) (Symbol, error) {
	p.advance() // skip (
	call := &Call{Func: fn}

	for p.current().Kind != TokenRParen {
		if p.current().Kind == TokenIdent && p.peek().Kind == TokenAssign {
			name := p.advance().Value
			p.advance() // skip =
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, dup := call.Keyword(name); dup {
				return nil, p.errorf(p.current(), "duplicate keyword argument %q", name)
			}
			call.Keywords = append(call.Keywords, Keyword{Name: name, Value: value})
		} else {
			tok := p.current()
			if len(call.Keywords) > 0 {
				return nil, p.errorf(tok, "positional argument follows keyword argument")
			}
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
		}

		if p.current().Kind != TokenComma {
			break
		}
		p.advance() // skip comma
	}

	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parsePrimary() (Symbol, error) {
	tok := p.current()

	switch tok.Kind {
	case TokenInt:
		p.advance()
		val, err := strconv.ParseInt(tok.Value, 10, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid integer %q", tok.Value)
		}
		return &Literal{Value: val, Text: tok.Value}, nil

	case TokenFloat:
		p.advance()
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", tok.Value)
		}
		return Float(val), nil

	case TokenString:
		p.advance()
		return Str(tok.Value), nil

	case TokenTrue:
		p.advance()
		return Bool(true), nil

	case TokenFalse:
		p.advance()
		return Bool(false), nil

	case TokenNull:
		p.advance()
		return Null(), nil

	case TokenIdent:
		p.advance()
		return &Variable{Name: tok.Value}, nil

	case TokenLParen:
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return expr, nil

	case TokenLBracket:
		return p.parseList()

	case TokenLBrace:
		return p.parseDict()

	default:
		return nil, p.errorf(tok, "unexpected token %s", tok.Kind)
	}
}

func (p *parser) parseList() (Symbol, error) {
	p.advance() // skip [
	list := &List{}

	for p.current().Kind != TokenRBracket {
		elem, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list.Elems = append(list.Elems, elem)

		if p.current().Kind != TokenComma {
			break
		}
		p.advance() // skip comma
	}

	if _, err := p.expect(TokenRBracket); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) parseDict() (Symbol, error) {
	p.advance() // skip {
	dict := &Dict{}

	for p.current().Kind != TokenRBrace {
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenColon); err != nil {
			return nil, err
		}
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dict.Entries = append(dict.Entries, DictEntry{Key: key, Value: value})

		if p.current().Kind != TokenComma {
			break
		}
		p.advance() // skip comma
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}
	return dict, nil
}
