package pointcut

import "strings"

type TokenType int

const (
	// Special tokens
	ILLEGAL TokenType = iota
	EOF

	// Literals
	IDENT  // designators and bare words: name, kind, public, method
	STRING // "quoted"

	// Operators
	AND // &&
	OR  // ||
	NOT // !

	// Delimiters
	COMMA  // ,
	LPAREN // (
	RPAREN // )
)

type Token struct {
	Type     TokenType
	Literal  string
	Position int
}

type Lexer struct {
	input        string
	position     int  // current position in input (points to current char)
	readPosition int  // current reading position in input (after current char)
	ch           byte // current char under examination
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	tok := Token{Position: l.position}

	switch l.ch {
	case '&':
		if l.peekChar() == '&' {
			l.readChar()
			tok.Type, tok.Literal = AND, "&&"
		} else {
			tok.Type, tok.Literal = ILLEGAL, "&"
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			tok.Type, tok.Literal = OR, "||"
		} else {
			tok.Type, tok.Literal = ILLEGAL, "|"
		}
	case '!':
		tok.Type, tok.Literal = NOT, "!"
	case ',':
		tok.Type, tok.Literal = COMMA, ","
	case '(':
		tok.Type, tok.Literal = LPAREN, "("
	case ')':
		tok.Type, tok.Literal = RPAREN, ")"
	case '"':
		lit, ok := l.readString()
		if !ok {
			tok.Type, tok.Literal = ILLEGAL, "unterminated string"
			return tok
		}
		tok.Type, tok.Literal = STRING, lit
	case 0:
		tok.Type = EOF
		return tok
	default:
		if isLetter(l.ch) {
			tok.Type = IDENT
			tok.Literal = l.readIdentifier()
			return tok
		}
		tok.Type, tok.Literal = ILLEGAL, string(l.ch)
	}

	l.readChar()
	return tok
}

func (l *Lexer) readIdentifier() string {
	position := l.position
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[position:l.position]
}

// readString reads a double-quoted literal. Only \" is an escape; every other
// backslash is kept so regular expressions can be written naturally.
func (l *Lexer) readString() (string, bool) {
	var out strings.Builder
	for {
		l.readChar()
		switch {
		case l.ch == 0:
			return "", false
		case l.ch == '"':
			return out.String(), true
		case l.ch == '\\' && l.peekChar() == '"':
			l.readChar()
			out.WriteByte('"')
		default:
			out.WriteByte(l.ch)
		}
	}
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func (t TokenType) String() string {
	switch t {
	case ILLEGAL:
		return "ILLEGAL"
	case EOF:
		return "EOF"
	case IDENT:
		return "IDENT"
	case STRING:
		return "STRING"
	case AND:
		return "&&"
	case OR:
		return "||"
	case NOT:
		return "!"
	case COMMA:
		return ","
	case LPAREN:
		return "("
	case RPAREN:
		return ")"
	default:
		return "UNKNOWN"
	}
}
