package declarative

import (
	"fmt"
	"strconv"
)

// ParseStatus distinguishes the three non-error outcomes of a parse.
type ParseStatus string

const (
	// StatusEmpty means the input held nothing but whitespace and comments.
	StatusEmpty ParseStatus = "empty"
	// StatusNoResources means the input had content but no resource block.
	StatusNoResources ParseStatus = "no_resources"
	// StatusOK means at least one resource block was found.
	StatusOK ParseStatus = "ok"
)

// ParseResult is the outcome of a successful parse.
type ParseResult struct {
	Status    ParseStatus `json:"status"`
	Resources []Resource  `json:"resources"`
	// Skipped counts top-level tokens that were not part of a resource block.
	Skipped int `json:"skipped"`
}

// ParseError reports malformed input with its position.
type ParseError struct {
	File    string
	Line    int
	Col     int
	Message string
}

func (e *ParseError) Error() string {
	file := e.File
	if file == "" {
		file = "<input>"
	}
	return fmt.Sprintf("%s:%d:%d: %s", file, e.Line, e.Col, e.Message)
}

// Parse extracts resource blocks from text. file is only used in error
// positions and may be empty.
func Parse(text, file string) (*ParseResult, error) {
	tokens, err := NewLexer(text, file).Tokenize()
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens, file: file}
	resources, err := p.parseFile()
	if err != nil {
		return nil, err
	}

	result := &ParseResult{Resources: resources, Skipped: p.skipped}
	switch {
	case len(tokens) == 1:
		result.Status = StatusEmpty
	case len(resources) == 0:
		result.Status = StatusNoResources
	default:
		result.Status = StatusOK
	}
	return result, nil
}

type parser struct {
	tokens  []Token
	pos     int
	file    string
	skipped int
}

func (p *parser) parseFile() ([]Resource, error) {
	resources := []Resource{}
	for !p.atEnd() {
		tok := p.cur()

		// resource "type" "name" { ... }
		if tok.Type == TokenIdent && tok.Value == "resource" &&
			p.peek(1).Type == TokenString && p.peek(2).Type == TokenString && p.peek(3).Type == TokenLBrace {
			typ, name := p.peek(1).Value, p.peek(2).Value
			p.pos += 3
			res, err := p.parseBlock(typ, name, tok)
			if err != nil {
				return nil, err
			}
			resources = append(resources, res)
			continue
		}

		// type "name" { ... }
		if tok.Type == TokenIdent && p.peek(1).Type == TokenString && p.peek(2).Type == TokenLBrace {
			name := p.peek(1).Value
			p.pos += 2
			res, err := p.parseBlock(tok.Value, name, tok)
			if err != nil {
				return nil, err
			}
			resources = append(resources, res)
			continue
		}

		// Unrecognized brace groups are skipped whole so that blocks nested
		// inside them are not mistaken for resources.
		if tok.Type == TokenLBrace {
			start := p.pos
			if !p.skipGroup(TokenLBrace, TokenRBrace) {
				p.skipped += len(p.tokens) - 1 - start
				break
			}
			p.skipped += p.pos - start
			continue
		}

		p.skipped++
		p.pos++
	}
	return resources, nil
}

// parseBlock reads attributes until the closing brace. p.pos must point at
// the opening brace.
func (p *parser) parseBlock(typ, name string, start Token) (Resource, error) {
	res := Resource{
		Type:       typ,
		Name:       name,
		Attributes: make(map[string]interface{}),
		Line:       start.Line,
	}
	unclosed := &ParseError{
		File:    p.file,
		Line:    start.Line,
		Col:     start.Col,
		Message: fmt.Sprintf("block %s %q is never closed", typ, name),
	}

	p.pos++ // {
	for {
		tok := p.cur()
		switch tok.Type {
		case TokenEOF:
			return Resource{}, unclosed
		case TokenRBrace:
			p.pos++
			return res, nil
		case TokenComma, TokenSemicolon:
			p.pos++
			continue
		case TokenLBrace:
			if !p.skipGroup(TokenLBrace, TokenRBrace) {
				return Resource{}, unclosed
			}
			continue
		case TokenIdent, TokenString, TokenNumber:
		default:
			p.pos++
			continue
		}

		next := p.peek(1)
		switch {
		case next.Type == TokenAssign || next.Type == TokenColon:
			p.pos += 2
			value, ok, err := p.parseValue(unclosed)
			if err != nil {
				return Resource{}, err
			}
			if ok {
				res.Attributes[tok.Value] = value
			}
		case next.Type == TokenLBrace:
			// nested block: lifecycle { ... }
			p.pos++
			if !p.skipGroup(TokenLBrace, TokenRBrace) {
				return Resource{}, unclosed
			}
		case next.Type == TokenString && p.peek(2).Type == TokenLBrace:
			// labeled nested block: step "one" { ... }
			p.pos += 2
			if !p.skipGroup(TokenLBrace, TokenRBrace) {
				return Resource{}, unclosed
			}
		default:
			p.pos++
		}
	}
}

// parseValue reads one attribute value. ok is false when the value is an
// object or missing and the attribute should be dropped.
func (p *parser) parseValue(unclosed *ParseError) (interface{}, bool, error) {
	tok := p.cur()
	switch tok.Type {
	case TokenString:
		p.pos++
		return tok.Value, true, nil
	case TokenNumber, TokenIdent:
		p.pos++
		return coerceScalar(tok), true, nil
	case TokenLBracket:
		list, err := p.parseList()
		if err != nil {
			return nil, false, err
		}
		return list, true, nil
	case TokenLBrace:
		if !p.skipGroup(TokenLBrace, TokenRBrace) {
			return nil, false, unclosed
		}
		return nil, false, nil
	default:
		// key = } or key = , : leave the token for the block loop
		return nil, false, nil
	}
}

func (p *parser) parseList() ([]interface{}, error) {
	open := p.cur()
	p.pos++ // [
	list := []interface{}{}
	for {
		tok := p.cur()
		switch tok.Type {
		case TokenEOF:
			return nil, &ParseError{File: p.file, Line: open.Line, Col: open.Col, Message: "list is never closed"}
		case TokenRBracket:
			p.pos++
			return list, nil
		case TokenString:
			list = append(list, tok.Value)
			p.pos++
		case TokenNumber, TokenIdent:
			list = append(list, coerceScalar(tok))
			p.pos++
		case TokenLBracket:
			// nested lists are not scalars
			if !p.skipGroup(TokenLBracket, TokenRBracket) {
				return nil, &ParseError{File: p.file, Line: open.Line, Col: open.Col, Message: "list is never closed"}
			}
		case TokenLBrace:
			if !p.skipGroup(TokenLBrace, TokenRBrace) {
				return nil, &ParseError{File: p.file, Line: open.Line, Col: open.Col, Message: "list is never closed"}
			}
		default:
			p.pos++
		}
	}
}

// skipGroup advances past a balanced open/closing group starting at p.pos.
// It returns false if the input ends first.
func (p *parser) skipGroup(open, closing TokenType) bool {
	depth := 0
	for !p.atEnd() {
		switch p.cur().Type {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				p.pos++
				return true
			}
		}
		p.pos++
	}
	return false
}

func (p *parser) cur() Token {
	return p.peek(0)
}

func (p *parser) peek(offset int) Token {
	i := p.pos + offset
	if i >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[i]
}

func (p *parser) atEnd() bool {
	return p.cur().Type == TokenEOF
}

// coerceScalar converts a bare token: true/false become bool, numbers
// become float64, anything else stays a string.
func coerceScalar(tok Token) interface{} {
	switch tok.Value {
	case "true":
		return true
	case "false":
		return false
	}
	if tok.Type == TokenNumber {
		if f, err := strconv.ParseFloat(tok.Value, 64); err == nil {
			return f
		}
	}
	return tok.Value
}
