package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Rewriter transforms INSERT statements whose value list targets a
// semi-structured column. The stores this core writes to accept the
// parse-semi-structured function inside a SELECT projection but reject it
// inside a multi-row VALUES list, so
//
//	INSERT INTO t (a, attrs) VALUES ($1, $2), ($3, $4)
//
// becomes
//
//	INSERT INTO t (a, attrs) SELECT $1, PARSE_JSON($2) UNION ALL SELECT $3, PARSE_JSON($4)
//
// and the arguments bound to the wrapped placeholders are serialized to
// JSON text. Statements that touch no registered column pass through
// untouched, so the same insert API works whether or not rewriting occurs.
type Rewriter struct {
	parseExpr string
	columns   map[string]map[string]bool
}

// NewRewriter creates a Rewriter. parseExpr is either the name of the parse
// function ("PARSE_JSON", the default) or a template containing %s for
// dialects where parsing is a cast, such as "CAST(%s AS jsonb)".
func NewRewriter(parseExpr string) *Rewriter {
	if parseExpr == "" {
		parseExpr = "PARSE_JSON"
	}
	if !strings.Contains(parseExpr, "%s") {
		parseExpr += "(%s)"
	}
	return &Rewriter{
		parseExpr: parseExpr,
		columns:   make(map[string]map[string]bool),
	}
}

// Register marks columns of a table as semi-structured. Table and column
// matching is case-insensitive.
func (r *Rewriter) Register(table string, cols ...string) {
	key := strings.ToLower(table)
	if r.columns[key] == nil {
		r.columns[key] = make(map[string]bool, len(cols))
	}
	for _, c := range cols {
		r.columns[key][strings.ToLower(c)] = true
	}
}

var insertRe = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+("?[\w.]+"?)\s*\(([^)]*)\)\s*VALUES\s*(.*?)\s*(ON\s+CONFLICT\s.*|RETURNING\s.*)?$`)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Rewrite inspects an about-to-execute statement. If it is an
// INSERT ... VALUES whose column list includes a registered semi-structured
// column, it returns the equivalent INSERT ... SELECT form and rewritten
// arguments; otherwise it returns its inputs unchanged.
func (r *Rewriter) Rewrite(sql string, args []any) (string, []any, error) {
	m := insertRe.FindStringSubmatch(sql)
	if m == nil {
		return sql, args, nil
	}

	table := strings.ToLower(strings.Trim(m[1], `"`))
	semi := r.columns[table]
	if len(semi) == 0 {
		return sql, args, nil
	}

	cols := splitColumns(m[2])
	semiIdx := make(map[int]bool)
	for i, c := range cols {
		if semi[strings.ToLower(strings.Trim(c, `"`))] {
			semiIdx[i] = true
		}
	}
	if len(semiIdx) == 0 {
		return sql, args, nil
	}

	tuples, err := splitTuples(m[3])
	if err != nil {
		return "", nil, fmt.Errorf("codec: rewrite %q: %w", sql, err)
	}

	outArgs := make([]any, len(args))
	copy(outArgs, args)
	seen := make(map[int]bool)

	selects := make([]string, 0, len(tuples))
	for _, tuple := range tuples {
		exprs, err := splitExprs(tuple)
		if err != nil {
			return "", nil, fmt.Errorf("codec: rewrite %q: %w", sql, err)
		}
		if len(exprs) != len(cols) {
			return "", nil, fmt.Errorf("codec: rewrite: %d values for %d columns", len(exprs), len(cols))
		}
		for i := range exprs {
			if !semiIdx[i] {
				continue
			}
			if err := jsonifyArgs(exprs[i], outArgs, seen); err != nil {
				return "", nil, err
			}
			exprs[i] = fmt.Sprintf(r.parseExpr, exprs[i])
		}
		selects = append(selects, "SELECT "+strings.Join(exprs, ", "))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(m[1])
	b.WriteString(" (")
	b.WriteString(m[2])
	b.WriteString(") ")
	b.WriteString(strings.Join(selects, " UNION ALL "))
	if m[4] != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(m[4]))
	}

	return b.String(), outArgs, nil
}

// jsonifyArgs serializes every argument referenced by a placeholder inside
// expr to JSON text, since the parse function consumes text rather than a
// natively bound value.
func jsonifyArgs(expr string, args []any, seen map[int]bool) error {
	for _, ph := range placeholderRe.FindAllStringSubmatch(expr, -1) {
		n, err := strconv.Atoi(ph[1])
		if err != nil || n < 1 || n > len(args) {
			return fmt.Errorf("codec: rewrite: placeholder $%s out of range", ph[1])
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		if args[n-1] == nil {
			continue
		}
		text, err := json.Marshal(args[n-1])
		if err != nil {
			return fmt.Errorf("codec: rewrite: serialize arg $%d: %w", n, err)
		}
		args[n-1] = string(text)
	}
	return nil
}

func splitColumns(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// splitTuples splits a VALUES body like "($1, $2), ($3, now())" into the
// contents of each parenthesized tuple, respecting nesting and quoted
// strings.
func splitTuples(body string) ([]string, error) {
	var tuples []string
	depth := 0
	inString := false
	start := -1

	for i, r := range body {
		switch {
		case inString:
			if r == '\'' {
				inString = false
			}
		case r == '\'':
			inString = true
		case r == '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in VALUES list")
			}
			if depth == 0 {
				tuples = append(tuples, body[start:i])
				start = -1
			}
		}
	}
	if depth != 0 || inString {
		return nil, fmt.Errorf("unterminated VALUES list")
	}
	if len(tuples) == 0 {
		return nil, fmt.Errorf("no value tuples found")
	}
	return tuples, nil
}

// splitExprs splits one tuple body on top-level commas.
func splitExprs(tuple string) ([]string, error) {
	var exprs []string
	depth := 0
	inString := false
	start := 0

	for i, r := range tuple {
		switch {
		case inString:
			if r == '\'' {
				inString = false
			}
		case r == '\'':
			inString = true
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in value tuple")
			}
		case r == ',' && depth == 0:
			exprs = append(exprs, strings.TrimSpace(tuple[start:i]))
			start = i + 1
		}
	}
	if depth != 0 || inString {
		return nil, fmt.Errorf("unterminated value tuple")
	}
	exprs = append(exprs, strings.TrimSpace(tuple[start:]))
	return exprs, nil
}
