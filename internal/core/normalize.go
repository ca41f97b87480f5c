// Package core implements statement classification, the approval gate, the
// bounded executor and the tool-call orchestrator.
package core

import (
	"errors"
	"strings"

	"github.com/Dicklesworthstone/sqlgate/internal/target"
)

// errUnterminated is returned when a quote, comment or dollar body never closes.
var errUnterminated = errors.New("unterminated quoted text or comment")

// lexMode selects the lexical rules of one SQL dialect.
type lexMode struct {
	// backslash enables \-escapes inside '...' and "..." (MySQL).
	backslash bool
	// nested enables nested /* */ comments (Postgres).
	nested bool
	// dollar enables $tag$ bodies and E'...' strings (Postgres).
	dollar bool
	// mysql enables # comments, "-- " needing whitespace, and /*! */ as code.
	mysql bool
}

var (
	ansiMode     = lexMode{}
	postgresMode = lexMode{nested: true, dollar: true}
	mysqlMode    = lexMode{backslash: true, mysql: true}

	allModes = []lexMode{ansiMode, postgresMode, mysqlMode}
)

func modeFor(d target.Dialect) lexMode {
	switch d {
	case target.Postgres:
		return postgresMode
	case target.MySQL:
		return mysqlMode
	default:
		return ansiMode
	}
}

type tokKind int

const (
	tokWord    tokKind = iota // bare identifier or keyword
	tokIdent                  // quoted identifier
	tokLiteral                // string, number or dollar body
	tokPunct
)

type token struct {
	kind tokKind
	// text is the source text; for tokIdent the unquoted name.
	text  string
	upper string
	depth int
}

func (t token) is(words ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, w := range words {
		if t.upper == w {
			return true
		}
	}
	return false
}

// piece is one statement between terminators that contains code.
type piece struct {
	text   string
	tokens []token
}

// splitStatements cuts text on ';' outside literals, quoted identifiers and
// comments. Pieces holding only whitespace or comments are dropped.
func splitStatements(text string, m lexMode) ([]piece, error) {
	l := &lexer{src: text, mode: m}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l.pieces, nil
}

// countStatements returns the largest piece count any dialect's rules yield,
// so text that is one statement to us but several to the server is caught.
// Modes that cannot lex the text are skipped.
func countStatements(text string) int {
	most := 0
	for _, m := range allModes {
		if pieces, err := splitStatements(text, m); err == nil && len(pieces) > most {
			most = len(pieces)
		}
	}
	return most
}

type lexer struct {
	src    string
	mode   lexMode
	pos    int
	start  int
	depth  int
	toks   []token
	pieces []piece
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) emit(kind tokKind, text string) {
	t := token{kind: kind, text: text, depth: l.depth}
	if kind == tokWord {
		t.upper = strings.ToUpper(text)
	}
	l.toks = append(l.toks, t)
}

func (l *lexer) flush(end int) {
	if len(l.toks) > 0 {
		l.pieces = append(l.pieces, piece{
			text:   strings.TrimSpace(l.src[l.start:end]),
			tokens: l.toks,
		})
	}
	l.toks = nil
	l.depth = 0
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ';':
			l.flush(l.pos)
			l.pos++
			l.start = l.pos
		case isSpace(c):
			l.pos++
		case c == '-' && l.peek(1) == '-' && (!l.mode.mysql || l.peek(2) == 0 || isSpace(l.peek(2))):
			l.skipLine()
		case c == '#' && l.mode.mysql:
			l.skipLine()
		case c == '/' && l.peek(1) == '*':
			if l.mode.mysql && l.peek(2) == '!' {
				// Executable comment: the body runs on the server.
				l.pos += 3
				continue
			}
			if err := l.skipBlockComment(); err != nil {
				return err
			}
		case c == '\'':
			if err := l.quoted('\'', l.mode.backslash); err != nil {
				return err
			}
		case c == '"':
			if err := l.quoted('"', l.mode.backslash); err != nil {
				return err
			}
		case c == '`':
			if err := l.quoted('`', false); err != nil {
				return err
			}
		case c == '$' && l.mode.dollar:
			ok, err := l.dollarBody()
			if err != nil {
				return err
			}
			if !ok {
				l.punct()
			}
		case isIdentStart(c):
			if err := l.word(); err != nil {
				return err
			}
		case c >= '0' && c <= '9':
			j := l.pos
			for j < len(l.src) && (isIdentChar(l.src[j]) || l.src[j] == '.') {
				j++
			}
			l.emit(tokLiteral, l.src[l.pos:j])
			l.pos = j
		case c == '(':
			l.punct()
			l.depth++
		case c == ')':
			if l.depth > 0 {
				l.depth--
			}
			l.punct()
		default:
			l.punct()
		}
	}
	l.flush(len(l.src))
	return nil
}

func (l *lexer) punct() {
	l.emit(tokPunct, l.src[l.pos:l.pos+1])
	l.pos++
}

func (l *lexer) skipLine() {
	if i := strings.IndexByte(l.src[l.pos:], '\n'); i >= 0 {
		l.pos += i + 1
		return
	}
	l.pos = len(l.src)
}

func (l *lexer) skipBlockComment() error {
	level := 0
	for l.pos < len(l.src) {
		switch {
		case l.peek(0) == '/' && l.peek(1) == '*':
			if level == 0 || l.mode.nested {
				level++
			}
			l.pos += 2
		case l.peek(0) == '*' && l.peek(1) == '/':
			level--
			l.pos += 2
			if level == 0 {
				return nil
			}
		default:
			l.pos++
		}
	}
	return errUnterminated
}

// quoted consumes a q-delimited run where a doubled q is an escaped q.
func (l *lexer) quoted(q byte, backslash bool) error {
	var b strings.Builder
	for i := l.pos + 1; i < len(l.src); i++ {
		c := l.src[i]
		switch {
		case backslash && c == '\\' && i+1 < len(l.src):
			b.WriteByte(l.src[i+1])
			i++
		case c == q && i+1 < len(l.src) && l.src[i+1] == q:
			b.WriteByte(q)
			i++
		case c == q:
			l.pos = i + 1
			kind := tokLiteral
			if q == '`' || (q == '"' && !l.mode.mysql) {
				kind = tokIdent
			}
			l.emit(kind, b.String())
			return nil
		default:
			b.WriteByte(c)
		}
	}
	return errUnterminated
}

// dollarBody consumes $tag$...$tag$. It reports false when the $ does not open one.
func (l *lexer) dollarBody() (bool, error) {
	if l.pos > 0 && isIdentChar(l.src[l.pos-1]) {
		return false, nil
	}
	j := l.pos + 1
	for j < len(l.src) && l.src[j] != '$' {
		if !isIdentChar(l.src[j]) || (j == l.pos+1 && l.src[j] >= '0' && l.src[j] <= '9') {
			return false, nil
		}
		j++
	}
	if j >= len(l.src) {
		return false, nil
	}
	tag := l.src[l.pos : j+1]
	end := strings.Index(l.src[j+1:], tag)
	if end < 0 {
		return false, errUnterminated
	}
	l.emit(tokLiteral, l.src[j+1:j+1+end])
	l.pos = j + 1 + end + len(tag)
	return true, nil
}

func (l *lexer) word() error {
	j := l.pos
	for j < len(l.src) && isIdentChar(l.src[j]) {
		j++
	}
	w := l.src[l.pos:j]
	l.pos = j
	if l.mode.dollar && (w == "E" || w == "e") && l.peek(0) == '\'' {
		// E'...' takes backslash escapes even with standard strings on.
		return l.quoted('\'', true)
	}
	l.emit(tokWord, w)
	return nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}
