// Package perms compiles grant statements into executable rules,
// resolves which root entity a mutation belongs to via foreign-key
// ancestry, and decides whether a role may apply a change. A rejected
// mutation is a normal outcome reported as a structured denial, never
// an error.
package perms

import (
	"fmt"
	"strings"

	"github.com/walpipe/walpipe/wal"
)

// Privilege is one of the four grantable operations.
type Privilege string

const (
	PrivSelect Privilege = "SELECT"
	PrivInsert Privilege = "INSERT"
	PrivUpdate Privilege = "UPDATE"
	PrivDelete Privilege = "DELETE"
)

// Subject role sentinels.
const (
	RoleAnyone        = "__anyone__"
	RoleAuthenticated = "__authenticated__"
)

// Grant is one compiled grant rule. Compiled once from a grant
// statement and immutable thereafter.
type Grant struct {
	// Table the privilege applies to.
	Table string
	// Role the privilege is granted to; may be a sentinel.
	Role string
	// Privilege granted.
	Privilege Privilege
	// Columns allowed; nil means all columns.
	Columns []string
	// Scope names the root table whose row id bounds authorization;
	// empty for unscoped grants.
	Scope string
	// Check is an optional row-level check expression, carried verbatim.
	Check string
	// Path is the foreign-key column path from Table towards Scope;
	// empty when the schema graph supplies it.
	Path []string

	columnSet map[string]struct{}
}

// AllowsAllColumns reports whether the grant has no column restriction.
func (g *Grant) AllowsAllColumns() bool {
	return g.Columns == nil
}

// ColumnsValid reports whether every requested column is allowed by the
// grant. True when the grant allows all columns. Works for any column
// sequence; duplicates are fine.
func (g *Grant) ColumnsValid(columns []string) bool {
	if g.AllowsAllColumns() {
		return true
	}
	for _, col := range columns {
		if !g.allowsColumn(col) {
			return false
		}
	}
	return true
}

func (g *Grant) allowsColumn(col string) bool {
	if g.columnSet != nil {
		_, ok := g.columnSet[col]
		return ok
	}
	for _, allowed := range g.Columns {
		if allowed == col {
			return true
		}
	}
	return false
}

// ColumnSetValid is ColumnsValid for set input.
func (g *Grant) ColumnSetValid(columns map[string]struct{}) bool {
	if g.AllowsAllColumns() {
		return true
	}
	for col := range columns {
		if !g.allowsColumn(col) {
			return false
		}
	}
	return true
}

// MatchesRole reports whether the grant's subject covers a role name.
// The caller resolves authentication itself: RoleAuthenticated matches
// any named role.
func (g *Grant) MatchesRole(role string) bool {
	switch g.Role {
	case RoleAnyone, RoleAuthenticated:
		return true
	default:
		return g.Role == role
	}
}

// ForTable filters grants for a table, preserving input order.
func ForTable(grants []Grant, table string) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Table == table {
			out = append(out, g)
		}
	}
	return out
}

// ForPrivilege filters grants for a privilege, preserving input order.
func ForPrivilege(grants []Grant, priv Privilege) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Privilege == priv {
			out = append(out, g)
		}
	}
	return out
}

// ForScope filters grants for a scope table, preserving input order.
func ForScope(grants []Grant, scope string) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Scope == scope {
			out = append(out, g)
		}
	}
	return out
}

// Compile parses a batch of grant statements. Called whenever the
// authoritative permission ruleset changes; the result replaces the
// previous rule set wholesale.
func Compile(statements []string) ([]Grant, error) {
	grants := make([]Grant, 0, len(statements))
	for i, stmt := range statements {
		g, err := ParseGrant(stmt)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		grants = append(grants, *g)
	}
	return grants, nil
}

// ParseGrant parses one grant statement:
//
//	GRANT <PRIV> [(col, ...)] ON <table> TO <subject>
//	      [USING <fk-col>[/<fk-col>...]] [CHECK (<expr>)]
//
// The subject is either ANYONE, AUTHENTICATED, 'role' or
// '<scope-table>:role'; the latter binds the grant to a root scope.
func ParseGrant(stmt string) (*Grant, error) {
	p := &grantParser{input: stmt}
	return p.parse()
}

type grantParser struct {
	input string
	pos   int
}

func (p *grantParser) parse() (*Grant, error) {
	if !p.keyword("GRANT") {
		return nil, fmt.Errorf("expected GRANT, got %q", p.peekWord())
	}

	privWord := strings.ToUpper(p.word())
	priv := Privilege(privWord)
	switch priv {
	case PrivSelect, PrivInsert, PrivUpdate, PrivDelete:
	default:
		return nil, fmt.Errorf("unknown privilege %q", privWord)
	}

	g := &Grant{Privilege: priv}

	if cols, ok, err := p.columnList(); err != nil {
		return nil, err
	} else if ok {
		g.Columns = cols
		g.columnSet = make(map[string]struct{}, len(cols))
		for _, col := range cols {
			g.columnSet[col] = struct{}{}
		}
	}

	if !p.keyword("ON") {
		return nil, fmt.Errorf("expected ON, got %q", p.peekWord())
	}
	g.Table = p.word()
	if g.Table == "" {
		return nil, fmt.Errorf("missing table name")
	}

	if !p.keyword("TO") {
		return nil, fmt.Errorf("expected TO, got %q", p.peekWord())
	}
	if err := p.subject(g); err != nil {
		return nil, err
	}

	for {
		switch {
		case p.keyword("USING"):
			path := p.word()
			if path == "" {
				return nil, fmt.Errorf("USING requires a foreign-key path")
			}
			g.Path = strings.Split(path, "/")
		case p.keyword("CHECK"):
			expr, err := p.parenExpr()
			if err != nil {
				return nil, err
			}
			g.Check = expr
		default:
			p.skipSpace()
			if p.pos != len(p.input) {
				return nil, fmt.Errorf("unexpected trailing input %q", p.input[p.pos:])
			}
			return g, nil
		}
	}
}

func (p *grantParser) subject(g *Grant) error {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '\'' {
		end := strings.IndexByte(p.input[p.pos+1:], '\'')
		if end < 0 {
			return fmt.Errorf("unterminated role literal")
		}
		literal := p.input[p.pos+1 : p.pos+1+end]
		p.pos += end + 2

		if scope, role, ok := strings.Cut(literal, ":"); ok {
			if scope == "" || role == "" {
				return fmt.Errorf("invalid scoped role %q", literal)
			}
			g.Scope = scope
			g.Role = role
		} else {
			g.Role = literal
		}
		return nil
	}

	switch word := strings.ToUpper(p.word()); word {
	case "ANYONE":
		g.Role = RoleAnyone
	case "AUTHENTICATED":
		g.Role = RoleAuthenticated
	case "":
		return fmt.Errorf("missing grant subject")
	default:
		return fmt.Errorf("unquoted role %q (use 'role' or 'scope:role')", word)
	}
	return nil
}

func (p *grantParser) columnList() ([]string, bool, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return nil, false, nil
	}
	end := strings.IndexByte(p.input[p.pos:], ')')
	if end < 0 {
		return nil, false, fmt.Errorf("unterminated column list")
	}
	inner := p.input[p.pos+1 : p.pos+end]
	p.pos += end + 1

	parts := strings.Split(inner, ",")
	cols := make([]string, 0, len(parts))
	for _, part := range parts {
		col := strings.TrimSpace(part)
		if col == "" {
			return nil, false, fmt.Errorf("empty column name in list")
		}
		cols = append(cols, col)
	}
	return cols, true, nil
}

func (p *grantParser) parenExpr() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return "", fmt.Errorf("CHECK requires a parenthesized expression")
	}
	depth := 0
	for i := p.pos; i < len(p.input); i++ {
		switch p.input[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				expr := p.input[p.pos+1 : i]
				p.pos = i + 1
				return strings.TrimSpace(expr), nil
			}
		}
	}
	return "", fmt.Errorf("unterminated CHECK expression")
}

func (p *grantParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *grantParser) word() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '(' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *grantParser) peekWord() string {
	saved := p.pos
	w := p.word()
	p.pos = saved
	return w
}

func (p *grantParser) keyword(kw string) bool {
	saved := p.pos
	if strings.EqualFold(p.word(), kw) {
		return true
	}
	p.pos = saved
	return false
}

// Role assigns a named role to a user within an optional scope.
type Role struct {
	// Name of the role, matched against Grant.Role.
	Name string
	// ScopeTable and ScopeID bound the role to one root entity; both
	// empty for global roles.
	ScopeTable string
	ScopeID    string
	// AssignmentID ties the role to the assignment that produced it.
	AssignmentID string
	// ValidTo optionally expires the role after a log position; nil
	// means no expiry.
	ValidTo *wal.Position
}

// ActiveAt reports whether the role is still valid at a log position.
func (r *Role) ActiveAt(pos wal.Position) bool {
	return r.ValidTo == nil || r.ValidTo.Compare(pos) >= 0
}
