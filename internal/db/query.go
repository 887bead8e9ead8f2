package db

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidQuery = errors.New("invalid query")

// Filter is one field/operator/value triplet of a cache query, or a nested
// sub-query when Sub is set.
//
// Supported operators: "=", "!=", "<", "<=", ">", ">=", "~" (substring
// match), "!~" (negated substring match), "~*" (word prefix match against
// the whitespace-padded tags and words columns) and "!~*" (negated prefix
// match). A "=" filter with a slice value compiles to an IN list.
type Filter struct {
	Field string
	Op    string
	Value any

	// Sub nests a complete sub-query in place of the triplet. It compiles
	// to a parenthesized condition, so an OR group can hold AND chains and
	// conditions nest to any depth.
	Sub Where
}

// OrGroup is a set of filters joined with OR. A group with one filter is a
// plain condition.
type OrGroup []Filter

// Where is the top level of a cache query: groups joined with AND.
type Where []OrGroup

// And appends a single condition to the query.
func (w Where) And(field, op string, value any) Where {
	return append(w, OrGroup{{Field: field, Op: op, Value: value}})
}

// AndAny appends an OR group of conditions to the query.
func (w Where) AndAny(filters ...Filter) Where {
	return append(w, OrGroup(filters))
}

// Group wraps a sub-query so it stands where a single condition does.
func Group(sub Where) Filter {
	return Filter{Sub: sub}
}

// queryColumns lists the columns a query may reference, per table variant.
func queryColumns(typ string, dav bool) map[string]bool {
	cols := map[string]bool{
		"folder_id": true,
		"uid":       true,
		"created":   true,
		"changed":   true,
		"tags":      true,
		"words":     true,
	}
	if dav {
		cols["etag"] = true
	} else {
		cols["msguid"] = true
	}
	for _, c := range extraColumns(typ) {
		cols[c] = true
	}
	return cols
}

// CompileWhere renders a query into a SQL condition and its arguments.
func CompileWhere(typ string, dav bool, where Where) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	return compileGroups(queryColumns(typ, dav), where)
}

func compileGroups(allowed map[string]bool, where Where) (string, []any, error) {
	var groups []string
	var args []any
	for _, group := range where {
		if len(group) == 0 {
			return "", nil, fmt.Errorf("%w: empty condition group", ErrInvalidQuery)
		}
		var terms []string
		for _, f := range group {
			term, termArgs, err := compileFilter(allowed, f)
			if err != nil {
				return "", nil, err
			}
			terms = append(terms, term)
			args = append(args, termArgs...)
		}
		if len(terms) == 1 {
			groups = append(groups, terms[0])
		} else {
			groups = append(groups, "("+strings.Join(terms, " OR ")+")")
		}
	}
	return strings.Join(groups, " AND "), args, nil
}

// likeEscapeClause accompanies every LIKE pattern so literal wildcard
// characters in the value survive likeEscape.
const likeEscapeClause = ` ESCAPE '\'`

func compileFilter(allowed map[string]bool, f Filter) (string, []any, error) {
	if len(f.Sub) > 0 {
		cond, args, err := compileGroups(allowed, f.Sub)
		if err != nil {
			return "", nil, err
		}
		return "(" + cond + ")", args, nil
	}

	if !allowed[f.Field] {
		return "", nil, fmt.Errorf("%w: unknown column %q", ErrInvalidQuery, f.Field)
	}

	// Tags and words are stored with surrounding spaces so whole-token and
	// prefix matches stay simple LIKE patterns.
	padded := f.Field == "tags" || f.Field == "words"

	switch f.Op {
	case "=":
		if vals, ok := sliceValues(f.Value); ok {
			if len(vals) == 0 {
				// Empty IN list matches nothing.
				return "1 = 0", nil, nil
			}
			if padded {
				var terms []string
				var args []any
				for _, v := range vals {
					terms = append(terms, f.Field+" LIKE ?"+likeEscapeClause)
					args = append(args, "% "+likeEscape(fmt.Sprint(v))+" %")
				}
				return "(" + strings.Join(terms, " OR ") + ")", args, nil
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
			return f.Field + " IN (" + placeholders + ")", vals, nil
		}
		if padded {
			return f.Field + " LIKE ?" + likeEscapeClause, []any{"% " + likeEscape(stringValue(f.Value)) + " %"}, nil
		}
		return f.Field + " = ?", []any{scalarValue(f.Value)}, nil
	case "!=":
		// Inequality on the padded columns means token non-membership, not
		// a mismatch of the whole column.
		if padded {
			return f.Field + " NOT LIKE ?" + likeEscapeClause, []any{"% " + likeEscape(stringValue(f.Value)) + " %"}, nil
		}
		return f.Field + " != ?", []any{scalarValue(f.Value)}, nil
	case "<", "<=", ">", ">=":
		return f.Field + " " + f.Op + " ?", []any{scalarValue(f.Value)}, nil
	case "~", "LIKE":
		return f.Field + " LIKE ?" + likeEscapeClause, []any{"%" + likeEscape(stringValue(f.Value)) + "%"}, nil
	case "!~", "!LIKE":
		return f.Field + " NOT LIKE ?" + likeEscapeClause, []any{"%" + likeEscape(stringValue(f.Value)) + "%"}, nil
	case "~*":
		return f.Field + " LIKE ?" + likeEscapeClause, []any{"% " + likeEscape(stringValue(f.Value)) + "%"}, nil
	case "!~*":
		return f.Field + " NOT LIKE ?" + likeEscapeClause, []any{"% " + likeEscape(stringValue(f.Value)) + "%"}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
	}
}

func sliceValues(v any) ([]any, bool) {
	switch vals := v.(type) {
	case []string:
		out := make([]any, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out, true
	case []any:
		return vals, true
	case []uint64:
		out := make([]any, len(vals))
		for i, n := range vals {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func scalarValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(DBDateFormat)
	}
	return v
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// likeEscape protects literal wildcard characters in a LIKE value. The
// backslash must match likeEscapeClause.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// SelectRows runs a compiled query against a cache table.
func (db *DB) SelectRows(typ string, dav bool, folderID int64, where Where, orderBy string, limit, offset int) ([]*Row, error) {
	cond, args, err := CompileWhere(typ, dav, where)
	if err != nil {
		return nil, err
	}

	query := baseSelect(typ, dav) + ` WHERE folder_id = ?`
	queryArgs := append([]any{folderID}, args...)
	if cond != "" {
		query += " AND " + cond
	}
	if orderBy != "" {
		if !queryColumns(typ, dav)[orderBy] {
			return nil, fmt.Errorf("%w: unknown order column %q", ErrInvalidQuery, orderBy)
		}
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := db.conn.Query(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache rows: %w", err)
	}
	return scanRows(rows, dav)
}

// CountRows counts the rows a query matches.
func (db *DB) CountRows(typ string, dav bool, folderID int64, where Where) (int, error) {
	cond, args, err := CompileWhere(typ, dav, where)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE folder_id = ?`, CacheTable(typ, dav))
	queryArgs := append([]any{folderID}, args...)
	if cond != "" {
		query += " AND " + cond
	}

	var count int
	if err := db.conn.QueryRow(query, queryArgs...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache rows: %w", err)
	}
	return count, nil
}
