// Package dialect enumerates the legacy SQL dialects sqlconv accepts and the
// line-level conventions each one uses to separate statements.
package dialect

import (
	"sort"
	"strings"

	"github.com/johndauphine/sqlconv/internal/fault"
)

// Dialect is a source SQL dialect tag. It is fixed per run and copied onto
// every unit at analysis time.
type Dialect string

const (
	TSQL      Dialect = "tsql"
	PLSQL     Dialect = "plsql"
	PLPGSQL   Dialect = "plpgsql"
	NZPLSQL   Dialect = "nzplsql"
	Redshift  Dialect = "redshift"
	Snowflake Dialect = "snowflake"
	Teradata  Dialect = "teradata"
	MySQL     Dialect = "mysql"
)

// Separator describes how a dialect marks the end of a statement or batch.
type Separator int

const (
	// SeparatorSemicolon ends statements with a trailing ';'.
	SeparatorSemicolon Separator = iota
	// SeparatorGo uses a line containing only GO as batch terminator (T-SQL).
	SeparatorGo
	// SeparatorSlash uses a line containing only '/' (PL/SQL, BTEQ scripts).
	SeparatorSlash
	// SeparatorDelimiter honours MySQL DELIMITER directives.
	SeparatorDelimiter
)

type info struct {
	display   string
	separator Separator
	// bodyOpen/bodyClose delimit procedure bodies that may contain ';'.
	bodyOpen  string
	bodyClose string
	// blocks: BEGIN ... END bodies sit in plain text, so ';' inside them
	// does not end the statement.
	blocks    bool
	// headers: CREATE PROCEDURE/FUNCTION/TRIGGER and DECLARE open a block
	// before its BEGIN (PL/SQL declaration sections).
	headers   bool
	aliases   []string
}

var registry = map[Dialect]info{
	TSQL:      {display: "T-SQL (SQL Server)", separator: SeparatorGo, blocks: true, aliases: []string{"mssql", "sqlserver", "t-sql"}},
	PLSQL:     {display: "Oracle PL/SQL", separator: SeparatorSlash, blocks: true, headers: true, aliases: []string{"oracle", "pl/sql"}},
	PLPGSQL:   {display: "PostgreSQL PL/pgSQL", separator: SeparatorSemicolon, bodyOpen: "$", bodyClose: "$", aliases: []string{"postgres", "postgresql", "pl/pgsql"}},
	NZPLSQL:   {display: "Netezza NZPLSQL", separator: SeparatorSemicolon, bodyOpen: "BEGIN_PROC", bodyClose: "END_PROC", aliases: []string{"netezza"}},
	Redshift:  {display: "Amazon Redshift", separator: SeparatorSemicolon, bodyOpen: "$", bodyClose: "$"},
	Snowflake: {display: "Snowflake", separator: SeparatorSemicolon, bodyOpen: "$", bodyClose: "$"},
	Teradata:  {display: "Teradata", separator: SeparatorSlash, blocks: true, aliases: []string{"bteq"}},
	MySQL:     {display: "MySQL", separator: SeparatorDelimiter, blocks: true, aliases: []string{"mariadb"}},
}

// All returns every supported dialect in name order.
func All() []Dialect {
	out := make([]Dialect, 0, len(registry))
	for d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse resolves a dialect name or alias case-insensitively.
// Unknown names are a ConfigFault.
func Parse(name string) (Dialect, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := registry[Dialect(n)]; ok {
		return Dialect(n), nil
	}
	for d, inf := range registry {
		for _, a := range inf.aliases {
			if a == n {
				return d, nil
			}
		}
	}
	return "", fault.Config("dialect", "unknown dialect %q (valid: %s)", name, strings.Join(names(), ", "))
}

func names() []string {
	all := All()
	out := make([]string, len(all))
	for i, d := range all {
		out[i] = string(d)
	}
	return out
}

// Valid reports whether d is a registered dialect.
func (d Dialect) Valid() bool {
	_, ok := registry[d]
	return ok
}

// DisplayName returns a human-readable name used in prompts and reports.
func (d Dialect) DisplayName() string {
	if inf, ok := registry[d]; ok {
		return inf.display
	}
	return string(d)
}

// Separator returns the statement separator convention.
func (d Dialect) Separator() Separator {
	return registry[d].separator
}

// BodyMarkers returns the markers that open and close a procedure body in
// which ';' does not end a statement. "$" means PostgreSQL-style dollar quoting.
func (d Dialect) BodyMarkers() (openMarker, closeMarker string) {
	inf := registry[d]
	return inf.bodyOpen, inf.bodyClose
}

// Blocks reports whether BEGIN ... END bodies appear outside any quoting, so
// statement boundaries must wait for the outermost END. headers is set when
// a routine header or DECLARE already opens the block.
func (d Dialect) Blocks() (blocks, headers bool) {
	inf := registry[d]
	return inf.blocks, inf.headers
}
