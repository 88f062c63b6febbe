package symbol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind classifies a token of a macro statement.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenInt
	TokenFloat
	TokenString
	TokenComment // '#' to end of line, Value holds the trimmed text

	TokenAssign
	TokenDot
	TokenComma
	TokenColon
	TokenLBracket
	TokenRBracket
	TokenLParen
	TokenRParen
	TokenLBrace
	TokenRBrace

	TokenTrue
	TokenFalse
	TokenNull
)

var kindNames = [...]string{
	TokenEOF:      "end of line",
	TokenIdent:    "identifier",
	TokenInt:      "integer",
	TokenFloat:    "float",
	TokenString:   "string",
	TokenComment:  "comment",
	TokenAssign:   "=",
	TokenDot:      ".",
	TokenComma:    ",",
	TokenColon:    ":",
	TokenLBracket: "[",
	TokenRBracket: "]",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenLBrace:   "{",
	TokenRBrace:   "}",
	TokenTrue:     "true",
	TokenFalse:    "false",
	TokenNull:     "null",
}

func (k TokenKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "TokenKind(" + strconv.Itoa(int(k)) + ")"
}

// Token is one lexeme and its byte offset in the statement.
type Token struct {
	Kind  TokenKind
	Value string // unquoted for strings, source text otherwise
	Pos   int
}

var punctuation = map[byte]TokenKind{
	'=': TokenAssign,
	'.': TokenDot,
	',': TokenComma,
	':': TokenColon,
	'[': TokenLBracket,
	']': TokenRBracket,
	'(': TokenLParen,
	')': TokenRParen,
	'{': TokenLBrace,
	'}': TokenRBrace,
}

var keywords = map[string]TokenKind{
	"true":  TokenTrue,
	"false": TokenFalse,
	"null":  TokenNull,
}

// signFollows lists the tokens after which '-' begins a negative number.
// The language has no subtraction.
var signFollows = map[TokenKind]bool{
	TokenAssign:   true,
	TokenComma:    true,
	TokenColon:    true,
	TokenLParen:   true,
	TokenLBracket: true,
	TokenLBrace:   true,
}

// Lex splits one statement line into tokens ending with TokenEOF.
func Lex(src string) ([]Token, error) {
	s := scanner{src: src, prev: TokenAssign}
	var out []Token
	for {
		tok, err := s.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.Kind == TokenEOF {
			return out, nil
		}
		s.prev = tok.Kind
	}
}

type scanner struct {
	src  string
	pos  int
	prev TokenKind
}

func (s *scanner) next() (Token, error) {
	s.pos += len(s.src[s.pos:]) - len(strings.TrimLeftFunc(s.src[s.pos:], unicode.IsSpace))
	start := s.pos
	if start == len(s.src) {
		return Token{Kind: TokenEOF, Pos: start}, nil
	}

	c := s.src[start]
	if kind, ok := punctuation[c]; ok {
		s.pos++
		return Token{Kind: kind, Value: s.src[start:s.pos], Pos: start}, nil
	}
	switch {
	case c == '#':
		s.pos = len(s.src)
		return Token{Kind: TokenComment, Value: strings.TrimSpace(s.src[start+1:]), Pos: start}, nil
	case c == '"':
		return s.quoted()
	case isDigit(rune(c)), c == '-' && signFollows[s.prev] && start+1 < len(s.src) && isDigit(rune(s.src[start+1])):
		return s.number()
	}

	r, _ := utf8.DecodeRuneInString(s.src[start:])
	if !isIdentStart(r) {
		return Token{}, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unexpected character %q", string(r))}
	}
	end := strings.IndexFunc(s.src[start:], func(r rune) bool { return !isIdentPart(r) })
	if end < 0 {
		end = len(s.src) - start
	}
	s.pos = start + end
	word := s.src[start:s.pos]
	kind, ok := keywords[word]
	if !ok {
		kind = TokenIdent
	}
	return Token{Kind: kind, Value: word, Pos: start}, nil
}

// quoted scans a Go-quoted string; Render writes strings with
// strconv.Quote, so strconv.Unquote reads them back exactly.
func (s *scanner) quoted() (Token, error) {
	start := s.pos
	for i := start + 1; i < len(s.src); i++ {
		switch s.src[i] {
		case '\\':
			i++
		case '"':
			s.pos = i + 1
			raw := s.src[start:s.pos]
			val, err := strconv.Unquote(raw)
			if err != nil {
				return Token{}, &SyntaxError{Pos: start, Msg: "invalid string " + raw}
			}
			return Token{Kind: TokenString, Value: val, Pos: start}, nil
		}
	}
	return Token{}, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

func (s *scanner) number() (Token, error) {
	start := s.pos
	kind := TokenInt
	if s.src[s.pos] == '-' {
		s.pos++
	}
	s.digits()
	if s.peek() == '.' {
		kind = TokenFloat
		s.pos++
		s.digits()
	}
	if c := s.peek(); c == 'e' || c == 'E' {
		kind = TokenFloat
		s.pos++
		if c := s.peek(); c == '+' || c == '-' {
			s.pos++
		}
		if s.digits() == 0 {
			return Token{}, &SyntaxError{Pos: start, Msg: fmt.Sprintf("malformed number %q", s.src[start:s.pos])}
		}
	}
	return Token{Kind: kind, Value: s.src[start:s.pos], Pos: start}, nil
}

func (s *scanner) peek() byte {
	if s.pos < len(s.src) {
		return s.src[s.pos]
	}
	return 0
}

// digits consumes a run of ASCII digits and returns its length.
func (s *scanner) digits() int {
	n := 0
	for isDigit(rune(s.peek())) {
		s.pos++
		n++
	}
	return n
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

// IsIdent reports whether s is a valid identifier and not a keyword.
func IsIdent(s string) bool {
	if s == "" || keywords[s] != 0 {
		return false
	}
	for i, ch := range s {
		if !isIdentPart(ch) || (i == 0 && !isIdentStart(ch)) {
			return false
		}
	}
	return true
}
