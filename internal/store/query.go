package store

import (
	"fmt"
	"strings"
	"time"
)

// dialect captures the differences between the SQL backends that matter to
// query building.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	boolArg     func(b bool) any
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t },
	boolArg:     func(b bool) any { return b },
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixMilli() },
	boolArg: func(b bool) any {
		if b {
			return 1
		}
		return 0
	},
}

// buildLogWhere constructs a WHERE clause and positional arguments from a
// LogQuery. The returned string starts with " WHERE" or is empty.
func buildLogWhere(d dialect, q LogQuery) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, d.placeholder(len(args))))
	}

	if q.Method != "" {
		add("method = %s", strings.ToUpper(q.Method))
	}
	if q.Path != "" {
		add("path LIKE %s", "%"+escapeLike(q.Path)+"%")
		conditions[len(conditions)-1] += ` ESCAPE '\'`
	}
	if q.StatusCode != 0 {
		add("status_code = %s", q.StatusCode)
	}
	if !q.From.IsZero() {
		add("timestamp >= %s", d.timeArg(q.From))
	}
	if !q.To.IsZero() {
		add("timestamp <= %s", d.timeArg(q.To))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// buildRangeWhere is buildLogWhere restricted to the time range.
func buildRangeWhere(d dialect, from, to time.Time) (string, []any) {
	return buildLogWhere(d, LogQuery{From: from, To: to})
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
