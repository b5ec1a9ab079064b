package declarative

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal

	// Literals
	TokenIdent
	TokenString
	TokenNumber

	// Delimiters
	TokenLBrace    // {
	TokenRBrace    // }
	TokenLBracket  // [
	TokenRBracket  // ]
	TokenAssign    // =
	TokenColon     // :
	TokenComma     // ,
	TokenSemicolon // ;
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "EOF",
	TokenIllegal:   "ILLEGAL",
	TokenIdent:     "IDENT",
	TokenString:    "STRING",
	TokenNumber:    "NUMBER",
	TokenLBrace:    "{",
	TokenRBrace:    "}",
	TokenLBracket:  "[",
	TokenRBracket:  "]",
	TokenAssign:    "=",
	TokenColon:     ":",
	TokenComma:     ",",
	TokenSemicolon: ";",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

// Token is a single lexical token with its position.
type Token struct {
	Type  TokenType
	Value string
	Line  int
	Col   int
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%q) at %d:%d", t.Type, t.Value, t.Line, t.Col)
}

// Lexer tokenizes declarative block text.
type Lexer struct {
	input   string
	file    string
	pos     int
	line    int
	col     int
	startLn int
	startCl int
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input, file string) *Lexer {
	return &Lexer{
		input: input,
		file:  file,
		line:  1,
		col:   1,
	}
}

// Tokenize scans the entire input. The only error it returns is a
// *ParseError for an unterminated string or block comment.
func (l *Lexer) Tokenize() ([]Token, error) {
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

func (l *Lexer) next() (Token, error) {
	if err := l.skipWhitespaceAndComments(); err != nil {
		return Token{}, err
	}

	l.startLn = l.line
	l.startCl = l.col

	if l.pos >= len(l.input) {
		return l.makeToken(TokenEOF, ""), nil
	}

	ch := l.peek()
	switch ch {
	case '{':
		l.advance()
		return l.makeToken(TokenLBrace, "{"), nil
	case '}':
		l.advance()
		return l.makeToken(TokenRBrace, "}"), nil
	case '[':
		l.advance()
		return l.makeToken(TokenLBracket, "["), nil
	case ']':
		l.advance()
		return l.makeToken(TokenRBracket, "]"), nil
	case '=':
		l.advance()
		return l.makeToken(TokenAssign, "="), nil
	case ':':
		l.advance()
		return l.makeToken(TokenColon, ":"), nil
	case ',':
		l.advance()
		return l.makeToken(TokenComma, ","), nil
	case ';':
		l.advance()
		return l.makeToken(TokenSemicolon, ";"), nil
	case '"':
		return l.scanString()
	}

	if isWordChar(ch) {
		return l.scanWord(), nil
	}

	l.advance()
	return l.makeToken(TokenIllegal, string(ch)), nil
}

func (l *Lexer) scanString() (Token, error) {
	l.advance() // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.peek()
		switch ch {
		case '"':
			l.advance()
			return l.makeToken(TokenString, sb.String()), nil
		case '\\':
			l.advance()
			if l.pos >= len(l.input) {
				break
			}
			esc := l.peek()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			default:
				sb.WriteByte('\\')
				sb.WriteRune(esc)
			}
			l.advance()
		default:
			sb.WriteRune(ch)
			l.advance()
		}
	}
	return Token{}, &ParseError{
		File:    l.file,
		Line:    l.startLn,
		Col:     l.startCl,
		Message: "unterminated string",
	}
}

// scanWord reads a bare token. Words that parse as a number become
// TokenNumber, everything else is an identifier (e.g. 1.2.3 stays a word).
func (l *Lexer) scanWord() Token {
	start := l.pos
	for l.pos < len(l.input) && isWordChar(l.peek()) {
		l.advance()
	}
	word := l.input[start:l.pos]
	if _, err := strconv.ParseFloat(word, 64); err == nil && looksNumeric(word) {
		return l.makeToken(TokenNumber, word)
	}
	return l.makeToken(TokenIdent, word)
}

func (l *Lexer) skipWhitespaceAndComments() error {
	for l.pos < len(l.input) {
		ch := l.peek()
		switch {
		case unicode.IsSpace(ch):
			l.advance()
		case ch == '#', ch == '/' && l.peekAt(1) == '/':
			for l.pos < len(l.input) && l.peek() != '\n' {
				l.advance()
			}
		case ch == '/' && l.peekAt(1) == '*':
			line, col := l.line, l.col
			l.advance()
			l.advance()
			for {
				if l.pos >= len(l.input) {
					return &ParseError{File: l.file, Line: line, Col: col, Message: "unterminated block comment"}
				}
				if l.peek() == '*' && l.peekAt(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *Lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.pos:])
	return r
}

func (l *Lexer) peekAt(offset int) rune {
	p := l.pos
	for i := 0; i < offset; i++ {
		if p >= len(l.input) {
			return 0
		}
		_, size := utf8.DecodeRuneInString(l.input[p:])
		p += size
	}
	if p >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[p:])
	return r
}

func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	l.pos += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
}

func (l *Lexer) makeToken(typ TokenType, value string) Token {
	return Token{Type: typ, Value: value, Line: l.startLn, Col: l.startCl}
}

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-' || ch == '.' || ch == '+'
}

// looksNumeric rejects words ParseFloat accepts but nobody writes as numbers
// in a config file, such as "inf", "NaN" or hex floats.
func looksNumeric(word string) bool {
	for _, r := range word {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-', r == '+', r == 'e', r == 'E':
		default:
			return false
		}
	}
	return true
}
