package scopedstore

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Filter is an open equality document combined with AND semantics. Keys are
// column names and must be plain identifiers; values are bound parameters.
type Filter map[string]any

// Document is an open row document used for inserts, update sets, and read
// results.
type Document map[string]any

var ErrInvalidColumn = errors.New("invalid column name")

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, name)
	}
	return nil
}

// merge returns a copy of base with extra applied on top. Used for tenant
// predicate injection; extra always wins.
func merge(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// whereClause renders the filter as "WHERE a = $n AND b = $n+1" with
// deterministic column order. An empty filter yields an empty clause. argPos
// is the 1-based index of the first placeholder.
func whereClause(filter Filter, argPos int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(filter)
	conds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if err := validIdent(key); err != nil {
			return "", nil, err
		}
		if filter[key] == nil {
			conds = append(conds, key+" IS NULL")
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", key, argPos))
		args = append(args, filter[key])
		argPos++
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// setClause renders "SET a = $n, b = $n+1" with deterministic order.
func setClause(set Document, argPos int) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, fmt.Errorf("empty update document")
	}
	keys := sortedKeys(set)
	assigns := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if err := validIdent(key); err != nil {
			return "", nil, err
		}
		assigns = append(assigns, fmt.Sprintf("%s = $%d", key, argPos))
		args = append(args, set[key])
		argPos++
	}
	return " SET " + strings.Join(assigns, ", "), args, nil
}

// insertClause renders "(a, b) VALUES ($1, $2)" with deterministic order.
func insertClause(doc Document) (string, []any, error) {
	if len(doc) == 0 {
		return "", nil, fmt.Errorf("empty insert document")
	}
	keys := sortedKeys(doc)
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, key := range keys {
		if err := validIdent(key); err != nil {
			return "", nil, err
		}
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, doc[key])
	}
	return " (" + strings.Join(keys, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")", args, nil
}
