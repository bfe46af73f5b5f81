package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// dialect captures the few statements that differ between engines.
type dialect struct {
	name       string
	numbered   bool // $1 placeholders instead of ?
	propsParam string
	mergeProps string
	lockSuffix string
	textProp   string // expression reading a top-level text property: column, key
	schema     []string
}

var postgresDialect = dialect{
	name:       "postgres",
	numbered:   true,
	propsParam: "?::jsonb",
	mergeProps: "graph_nodes.props || EXCLUDED.props",
	lockSuffix: " FOR UPDATE",
	textProp:   "%s->>'%s'",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS graph_nodes (
  seq BIGSERIAL PRIMARY KEY,
  label TEXT NOT NULL,
  id TEXT NOT NULL,
  props JSONB NOT NULL DEFAULT '{}'::jsonb,
  UNIQUE (label, id)
)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
  seq BIGSERIAL PRIMARY KEY,
  rel TEXT NOT NULL,
  from_label TEXT NOT NULL,
  from_id TEXT NOT NULL,
  to_label TEXT NOT NULL,
  to_id TEXT NOT NULL,
  UNIQUE (rel, from_label, from_id, to_label, to_id)
)`,
		`CREATE INDEX IF NOT EXISTS graph_edges_to_idx ON graph_edges (to_label, to_id)`,
		`CREATE INDEX IF NOT EXISTS graph_nodes_status_idx ON graph_nodes (label, (props->>'status'))`,
	},
}

var sqliteDialect = dialect{
	name:       "sqlite",
	propsParam: "?",
	mergeProps: "json_patch(graph_nodes.props, excluded.props)",
	textProp:   "json_extract(%s, '$.%s')",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS graph_nodes (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  label TEXT NOT NULL,
  id TEXT NOT NULL,
  props TEXT NOT NULL DEFAULT '{}',
  UNIQUE (label, id)
)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  rel TEXT NOT NULL,
  from_label TEXT NOT NULL,
  from_id TEXT NOT NULL,
  to_label TEXT NOT NULL,
  to_id TEXT NOT NULL,
  UNIQUE (rel, from_label, from_id, to_label, to_id)
)`,
		`CREATE INDEX IF NOT EXISTS graph_edges_to_idx ON graph_edges (to_label, to_id)`,
		`CREATE INDEX IF NOT EXISTS graph_nodes_status_idx ON graph_nodes (label, json_extract(props, '$.status'))`,
	},
}

// bind rewrites ? placeholders for engines that number them.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d dialect) mergeSQL() string {
	return d.bind(`INSERT INTO graph_nodes (label, id, props) VALUES (?, ?, ` + d.propsParam + `)
ON CONFLICT (label, id) DO UPDATE SET props = ` + d.mergeProps)
}

func (d dialect) createSQL() string {
	return d.bind(`INSERT INTO graph_nodes (label, id, props) VALUES (?, ?, ` + d.propsParam + `)
ON CONFLICT (label, id) DO NOTHING`)
}

func (d dialect) replaceSQL() string {
	return d.bind(`INSERT INTO graph_nodes (label, id, props) VALUES (?, ?, ` + d.propsParam + `)
ON CONFLICT (label, id) DO UPDATE SET props = EXCLUDED.props`)
}

func (d dialect) edgeSQL() string {
	return d.bind(`INSERT INTO graph_edges (rel, from_label, from_id, to_label, to_id) VALUES (?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`)
}

func (d dialect) existsSQL() string {
	return d.bind(`SELECT COUNT(*) FROM graph_nodes WHERE label = ? AND id = ?`)
}

func (d dialect) lockSQL() string {
	return d.bind(`SELECT props FROM graph_nodes WHERE label = ? AND id = ?` + d.lockSuffix)
}

var plainKey = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// whereSQL narrows the scan by the string-valued Where entries. Other values
// are left to the in-memory filter, which always runs.
func (d dialect) whereSQL(col string, where Props) (string, []any) {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var (
		b    strings.Builder
		args []any
	)
	for _, k := range keys {
		v, ok := where[k].(string)
		if !ok || !plainKey.MatchString(k) {
			continue
		}
		b.WriteString(" AND " + fmt.Sprintf(d.textProp, col, k) + " = ?")
		args = append(args, v)
	}
	return b.String(), args
}

// matchSQL builds the read for p.
func (d dialect) matchSQL(p Pattern) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	if p.Via != nil {
		b.WriteString(`SELECT n.id, n.props FROM graph_nodes n
JOIN graph_edges e ON e.to_label = n.label AND e.to_id = n.id
WHERE e.rel = ? AND e.from_label = ? AND e.from_id = ? AND n.label = ?`)
		args = append(args, p.Via.Rel, p.Via.From.Label, p.Via.From.ID, p.Label)
		if p.ID != "" {
			b.WriteString(` AND n.id = ?`)
			args = append(args, p.ID)
		}
		where, wargs := d.whereSQL("n.props", p.Where)
		b.WriteString(where)
		args = append(args, wargs...)
		b.WriteString(` ORDER BY n.seq`)
	} else {
		b.WriteString(`SELECT id, props FROM graph_nodes WHERE label = ?`)
		args = append(args, p.Label)
		if p.ID != "" {
			b.WriteString(` AND id = ?`)
			args = append(args, p.ID)
		}
		where, wargs := d.whereSQL("props", p.Where)
		b.WriteString(where)
		args = append(args, wargs...)
		b.WriteString(` ORDER BY seq`)
	}
	return d.bind(b.String()), args
}
