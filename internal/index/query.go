package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
)

// Query is a parsed note query:
//
//	LIST | TABLE field, field [FROM "folder"] [WHERE cond AND cond] [SORT field ASC|DESC] [LIMIT n]
//
// A condition is `field op value` with op one of = != < <= > >= and ~
// (contains).
type Query struct {
	Kind   string       `@( "LIST" | "TABLE" )`
	Fields []string     `( @Ident ( "," @Ident )* )?`
	From   *string      `( "FROM" @String )?`
	Where  []*Condition `( "WHERE" @@ ( "AND" @@ )* )?`
	Sort   *SortClause  `( "SORT" @@ )?`
	Limit  *int         `( "LIMIT" @Number )?`
}

// Condition is one WHERE term.
type Condition struct {
	Field string `@Ident`
	Op    string `@Operator`
	Value Value  `@@`
}

// Value is a literal in a condition.
type Value struct {
	String *string  `  @String`
	Number *float64 `| @Number`
	Ident  *string  `| @Ident`
}

// SortClause orders results by one field.
type SortClause struct {
	Field string `@Ident`
	Desc  bool   `( @"DESC" | "ASC" )?`
}

var queryLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\b(LIST|TABLE|FROM|WHERE|AND|SORT|ASC|DESC|LIMIT)\b`},
	{Name: "String", Pattern: `"(?:\\.|[^"])*"`},
	{Name: "Number", Pattern: `-?\d+(?:\.\d+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][\w.\-]*`},
	{Name: "Operator", Pattern: `!=|<=|>=|[=<>~]`},
	{Name: "Punct", Pattern: `,`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var queryParser = participle.MustBuild[Query](
	participle.Lexer(queryLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.CaseInsensitive("Keyword"),
)

// ParseQuery parses src.
func ParseQuery(src string) (*Query, error) {
	q, err := queryParser.ParseString("", strings.TrimSpace(src))
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeQueryInvalid, "invalid query").
			User().
			Kind(errors.KindTemplate).
			Wrap(err).
			WithSuggestion(`Use LIST or TABLE field, ... FROM "folder" WHERE field = value SORT field DESC LIMIT n`).
			Build()
	}
	q.Kind = strings.ToUpper(q.Kind)
	return q, nil
}

// Run parses and executes src, returning the result as markdown.
func (s *Store) Run(ctx context.Context, src string) (string, error) {
	q, err := ParseQuery(src)
	if err != nil {
		return "", err
	}
	notes, err := s.Execute(ctx, q)
	if err != nil {
		return "", err
	}
	return Render(q, notes), nil
}

// Execute returns the notes matching q in result order.
func (s *Store) Execute(ctx context.Context, q *Query) ([]Note, error) {
	folder := ""
	if q.From != nil {
		folder = *q.From
	}
	all, err := s.Notes(ctx, folder)
	if err != nil {
		return nil, err
	}

	var out []Note
	for _, n := range all {
		if matchesAll(n, q.Where) {
			out = append(out, n)
		}
	}

	if q.Sort != nil {
		field, desc := q.Sort.Field, q.Sort.Desc
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(fieldValue(out[i], field), fieldValue(out[j], field))
			if desc {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit != nil && *q.Limit >= 0 && *q.Limit < len(out) {
		out = out[:*q.Limit]
	}
	return out, nil
}

func matchesAll(n Note, conds []*Condition) bool {
	for _, c := range conds {
		if !matches(n, c) {
			return false
		}
	}
	return true
}

func matches(n Note, c *Condition) bool {
	got := fieldValue(n, c.Field)
	want := c.Value.literal()

	if c.Op == "~" {
		if list, ok := got.([]any); ok {
			for _, item := range list {
				if strings.EqualFold(fmt.Sprint(item), fmt.Sprint(want)) {
					return true
				}
			}
			return false
		}
		if list, ok := got.([]string); ok {
			for _, item := range list {
				if strings.EqualFold(item, fmt.Sprint(want)) {
					return true
				}
			}
			return false
		}
		return strings.Contains(strings.ToLower(fmt.Sprint(got)), strings.ToLower(fmt.Sprint(want)))
	}

	if got == nil {
		return c.Op == "!="
	}
	cmp := compare(got, want)
	switch c.Op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func (v Value) literal() any {
	switch {
	case v.String != nil:
		return *v.String
	case v.Number != nil:
		return *v.Number
	case v.Ident != nil:
		switch strings.ToLower(*v.Ident) {
		case "true":
			return true
		case "false":
			return false
		}
		return *v.Ident
	}
	return nil
}

// fieldValue resolves built-in fields first, then front matter keys
// (optionally prefixed with "frontmatter.").
func fieldValue(n Note, field string) any {
	switch strings.ToLower(field) {
	case "path", "file":
		return n.Path
	case "title", "name":
		return n.Title
	case "folder":
		return n.Folder
	case "mtime", "modified":
		return n.ModTime.Format("2006-01-02")
	case "size":
		return float64(n.Size)
	case "tags":
		return n.Tags
	case "links":
		return n.Links
	}
	key := strings.TrimPrefix(field, "frontmatter.")
	v, ok := frontmatter.Lookup(n.Frontmatter, key)
	if !ok {
		return nil
	}
	return v
}

// compare orders two values numerically when both are numbers, otherwise
// by their case-insensitive string form.
func compare(a, b any) int {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(strings.ToLower(display(a)), strings.ToLower(display(b)))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func display(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = display(item)
		}
		return strings.Join(parts, ", ")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	}
	return fmt.Sprint(v)
}

// Render formats notes as a markdown list or table.
func Render(q *Query, notes []Note) string {
	var b strings.Builder
	if q.Kind != "TABLE" {
		for _, n := range notes {
			fmt.Fprintf(&b, "- [[%s]]\n", linkTarget(n))
		}
		return b.String()
	}

	b.WriteString("| File |")
	for _, f := range q.Fields {
		fmt.Fprintf(&b, " %s |", f)
	}
	b.WriteString("\n| --- |")
	for range q.Fields {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "| [[%s]] |", linkTarget(n))
		for _, f := range q.Fields {
			cell := strings.ReplaceAll(display(fieldValue(n, f)), "|", "\\|")
			fmt.Fprintf(&b, " %s |", strings.ReplaceAll(cell, "\n", " "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func linkTarget(n Note) string {
	return strings.TrimSuffix(n.Path, ".md")
}
