package core

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
)

// Parser names recorded on a ClassifiedStatement.
const (
	ParserAST    = "ast"
	ParserTokens = "tokens"
)

// ClassifiedStatement is the derived, immutable view of one proposed statement.
type ClassifiedStatement struct {
	// SQL is the normalized single statement without its terminator.
	SQL  string           `json:"sql"`
	Kind db.StatementKind `json:"kind"`
	// Verb is the leading keyword that decided Kind.
	Verb   string   `json:"verb,omitempty"`
	Tables []string `json:"tables"`
	// UnknownTables are referenced tables missing from the snapshot.
	UnknownTables    []string `json:"unknown_tables,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	// Hash is the hex SHA-256 of SQL.
	Hash   string `json:"hash"`
	Parser string `json:"parser"`
}

// Rejected reports whether the statement can never execute.
func (c *ClassifiedStatement) Rejected() bool {
	return c.RejectionReason != "" || c.Kind == db.KindUnknown
}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	// AutoApproveDDL lists case-insensitive globs (e.g. "CREATE INDEX *") of
	// DDL statements that skip review.
	AutoApproveDDL []string
	// MySQLVersion is the server version the AST parser emulates.
	MySQLVersion string
	Logger       *log.Logger
}

// DefaultMySQLVersion is the parser's server version when none is configured.
const DefaultMySQLVersion = "8.0.40"

// Classifier labels SQL text by effect.
type Classifier struct {
	parser     *sqlparser.Parser
	autoDDL    []*regexp.Regexp
	whitespace *regexp.Regexp
}

// NewClassifier compiles the auto-approve globs. If the AST parser cannot be
// built, every statement goes through the token path.
func NewClassifier(opts ClassifierOptions) *Classifier {
	if opts.MySQLVersion == "" {
		opts.MySQLVersion = DefaultMySQLVersion
	}
	c := &Classifier{whitespace: regexp.MustCompile(`\s+`)}
	parser, err := sqlparser.New(sqlparser.Options{MySQLServerVersion: opts.MySQLVersion})
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Warn("sql parser unavailable; classifying by tokens", "version", opts.MySQLVersion, "error", err)
		}
	} else {
		c.parser = parser
	}
	for _, g := range opts.AutoApproveDDL {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		c.autoDDL = append(c.autoDDL, globToRegexp(g))
	}
	return c
}

func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case ' ':
			b.WriteString(`\s+`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return regexp.MustCompile(b.String())
}

// Classify labels sqlText. snap may be nil, in which case no table is flagged unknown.
func (c *Classifier) Classify(sqlText string, snap *schema.Snapshot) *ClassifiedStatement {
	mode := ansiMode
	if snap != nil {
		mode = modeFor(snap.Dialect)
	}

	out := &ClassifiedStatement{Kind: db.KindUnknown, Tables: []string{}, Parser: ParserTokens}
	pieces, err := splitStatements(sqlText, mode)
	if err != nil {
		out.SQL = strings.TrimSpace(sqlText)
		out.Hash = hashSQL(out.SQL)
		out.RejectionReason = err.Error()
		return out
	}
	// Text one dialect sees as several statements is rejected whatever the target.
	n := max(countStatements(sqlText), len(pieces))

	switch {
	case len(pieces) == 0:
		out.RejectionReason = ReasonEmptyStatement
		out.Hash = hashSQL("")
		return out
	case n > 1:
		out.SQL = strings.TrimSpace(sqlText)
		out.Hash = hashSQL(out.SQL)
		out.RejectionReason = ReasonMultipleStatements
		return out
	}

	p := pieces[0]
	out.SQL = p.text
	out.Hash = hashSQL(p.text)

	kind, verb := verbKind(p.tokens)
	out.Verb = verb
	if kind == db.KindUnknown {
		out.RejectionReason = "unsupported statement: " + verb
		if verb == "" {
			out.RejectionReason = "unsupported statement"
		}
		out.Tables = tokenTables(p.tokens)
		return out
	}

	if stmt, ok := c.parse(p.text); ok {
		out.Parser = ParserAST
		if astK := astKind(stmt); astK != "" {
			kind = kind.Stricter(astK)
		}
		out.Tables = astTables(stmt)
	} else {
		out.Tables = tokenTables(p.tokens)
	}
	out.Kind = kind

	if snap != nil {
		for _, t := range out.Tables {
			if !snap.HasTable(t) {
				out.UnknownTables = append(out.UnknownTables, t)
			}
		}
	}

	out.RequiresApproval = !kind.IsRead()
	if kind == db.KindDDL && c.autoApproved(p.text) {
		out.RequiresApproval = false
	}
	return out
}

func (c *Classifier) parse(text string) (sqlparser.Statement, bool) {
	if c.parser == nil {
		return nil, false
	}
	stmt, err := c.parser.Parse(text)
	return stmt, err == nil
}

func (c *Classifier) autoApproved(sql string) bool {
	flat := c.whitespace.ReplaceAllString(strings.TrimSpace(sql), " ")
	for _, re := range c.autoDDL {
		if re.MatchString(flat) {
			return true
		}
	}
	return false
}

func hashSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

var (
	readVerbs   = map[string]bool{"SELECT": true, "SHOW": true, "DESCRIBE": true, "DESC": true}
	ddlVerbs    = map[string]bool{"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true, "RENAME": true, "COMMENT": true}
	bodyVerbs   = map[string]bool{"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "REPLACE": true}
	verbToKinds = map[string]db.StatementKind{
		"INSERT":  db.KindInsert,
		"REPLACE": db.KindInsert,
		"UPDATE":  db.KindUpdate,
		"MERGE":   db.KindUpdate,
		"DELETE":  db.KindDelete,
	}
)

// verbKind maps the leading verb of a statement to its kind.
func verbKind(toks []token) (db.StatementKind, string) {
	i := 0
	for i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "(" {
		i++
	}
	if i >= len(toks) || toks[i].kind != tokWord {
		return db.KindUnknown, ""
	}
	verb := toks[i].upper
	rest := toks[i+1:]

	switch {
	case verb == "WITH":
		j := bodyVerbIndex(rest, toks[i].depth)
		if j < 0 {
			return db.KindUnknown, verb
		}
		kind, _ := verbKind(rest[j:])
		// Postgres allows data-modifying CTEs: WITH d AS (DELETE ...) SELECT ...
		for k := 1; k < len(rest); k++ {
			if rest[k-1].kind == tokPunct && rest[k-1].text == "(" {
				if mk, ok := verbToKinds[rest[k].upper]; ok && rest[k].kind == tokWord && rest[k].upper != "REPLACE" {
					kind = kind.Stricter(mk)
				}
			}
		}
		return kind, verb
	case verb == "EXPLAIN":
		j := bodyVerbIndex(rest, -1)
		for k := 0; k < len(rest) && (j < 0 || k < j); k++ {
			if rest[k].is("ANALYZE", "ANALYSE") {
				if j < 0 {
					return db.KindUnknown, verb
				}
				kind, _ := verbKind(rest[j:])
				return kind, verb
			}
		}
		return db.KindSelect, verb
	case verb == "SELECT":
		if lockingOrWriting(rest) {
			return db.KindUpdate, verb
		}
		return db.KindSelect, verb
	case readVerbs[verb]:
		return db.KindSelect, verb
	case ddlVerbs[verb]:
		return db.KindDDL, verb
	}
	if k, ok := verbToKinds[verb]; ok {
		return k, verb
	}
	return db.KindUnknown, verb
}

// bodyVerbIndex finds the first statement verb at depth, or at any depth when depth < 0.
func bodyVerbIndex(toks []token, depth int) int {
	for i, t := range toks {
		if (depth < 0 || t.depth == depth) && t.kind == tokWord && bodyVerbs[t.upper] {
			return i
		}
	}
	return -1
}

// lockingOrWriting reports SELECT ... FOR UPDATE/SHARE, LOCK IN SHARE MODE and SELECT ... INTO.
func lockingOrWriting(toks []token) bool {
	for i, t := range toks {
		switch {
		case t.is("INTO"):
			return true
		case t.is("FOR") && i+1 < len(toks) && toks[i+1].is("UPDATE", "SHARE", "NO", "KEY"):
			return true
		case t.is("LOCK") && i+1 < len(toks) && toks[i+1].is("IN"):
			return true
		}
	}
	return false
}

func astKind(stmt sqlparser.Statement) db.StatementKind {
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		return db.KindSelect
	case *sqlparser.Insert:
		return db.KindInsert
	case *sqlparser.Update:
		return db.KindUpdate
	case *sqlparser.Delete:
		return db.KindDelete
	case sqlparser.DDLStatement, sqlparser.DBDDLStatement:
		return db.KindDDL
	default:
		return ""
	}
}

// astTables collects table names, ignoring column qualifiers and CTE names.
func astTables(stmt sqlparser.Statement) []string {
	seen := map[string]bool{}
	ctes := map[string]bool{}
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.ColName:
			return false, nil
		case *sqlparser.CommonTableExpr:
			ctes[n.ID.String()] = true
		case sqlparser.TableName:
			if !n.Name.IsEmpty() && !strings.EqualFold(n.Name.String(), "dual") {
				seen[qualified(n.Qualifier.String(), n.Name.String())] = true
			}
		}
		return true, nil
	}, stmt)
	for name := range ctes {
		delete(seen, name)
	}
	return sortedKeys(seen)
}

func qualified(qualifier, name string) string {
	if qualifier == "" {
		return name
	}
	return qualifier + "." + name
}

var (
	tableLeaders = map[string]bool{"FROM": true, "JOIN": true, "INTO": true, "UPDATE": true, "TABLE": true, "TRUNCATE": true}
	tableNoise   = map[string]bool{"ONLY": true, "IF": true, "NOT": true, "EXISTS": true, "TABLE": true, "LATERAL": true}
	notTables    = map[string]bool{"SELECT": true, "SET": true, "WHERE": true, "VALUES": true, "DEFAULT": true, "OF": true, "DUAL": true}
)

// tokenTables is the fallback table scan when the AST parser rejects the text.
func tokenTables(toks []token) []string {
	seen := map[string]bool{}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord || !tableLeaders[t.upper] {
			continue
		}
		if t.upper == "UPDATE" && i > 0 && toks[i-1].is("FOR", "KEY", "DO", "NO") {
			continue
		}
		j := i + 1
		for {
			for j < len(toks) && toks[j].kind == tokWord && tableNoise[toks[j].upper] {
				j++
			}
			name, next := readName(toks, j)
			if name == "" {
				break
			}
			seen[name] = true
			j = next
			// Optional alias, then a comma continues a FROM list.
			if j < len(toks) && toks[j].is("AS") {
				j++
			}
			if j < len(toks) && (toks[j].kind == tokIdent || (toks[j].kind == tokWord && !isClauseWord(toks[j].upper))) {
				j++
			}
			if j < len(toks) && toks[j].kind == tokPunct && toks[j].text == "," && t.upper == "FROM" {
				j++
				continue
			}
			break
		}
	}
	for name := range cteNames(toks) {
		delete(seen, name)
	}
	return sortedKeys(seen)
}

// cteNames returns the names WITH clauses define, so references to them are
// not reported as tables.
func cteNames(toks []token) map[string]bool {
	names := map[string]bool{}
	for i := 0; i < len(toks); i++ {
		if !toks[i].is("WITH") {
			continue
		}
		depth := toks[i].depth
		j := i + 1
		if j < len(toks) && toks[j].is("RECURSIVE") {
			j++
		}
		for j < len(toks) {
			name, next := readName(toks, j)
			if name == "" {
				break
			}
			names[name] = true
			// Skip the column list, AS [NOT] MATERIALIZED and the body.
			k := next
			for k < len(toks) && (toks[k].depth > depth || toks[k].is("AS", "NOT", "MATERIALIZED") ||
				(toks[k].kind == tokPunct && (toks[k].text == "(" || toks[k].text == ")"))) {
				k++
			}
			if k < len(toks) && toks[k].kind == tokPunct && toks[k].text == "," {
				j = k + 1
				continue
			}
			i = k - 1
			break
		}
	}
	return names
}

// readName reads a possibly qualified table name starting at toks[i].
func readName(toks []token, i int) (string, int) {
	var parts []string
	for i < len(toks) {
		t := toks[i]
		switch {
		case t.kind == tokIdent:
			parts = append(parts, t.text)
		case t.kind == tokWord && !notTables[t.upper]:
			parts = append(parts, strings.ToLower(t.text))
		default:
			return strings.Join(parts, "."), i
		}
		i++
		if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "." {
			i++
			continue
		}
		break
	}
	return strings.Join(parts, "."), i
}

var clauseWords = map[string]bool{
	"WHERE": true, "SET": true, "ON": true, "USING": true, "JOIN": true, "LEFT": true,
	"RIGHT": true, "INNER": true, "OUTER": true, "CROSS": true, "FULL": true, "NATURAL": true,
	"GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true, "UNION": true, "VALUES": true,
	"SELECT": true, "RETURNING": true, "WINDOW": true, "OFFSET": true, "FOR": true, "ADD": true,
	"DROP": true, "RENAME": true, "ALTER": true, "CASCADE": true, "RESTRICT": true, "DEFAULT": true,
}

func isClauseWord(w string) bool { return clauseWords[w] }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
