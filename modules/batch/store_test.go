package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func jsonMarshalRow(m map[string]any) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

// fakeStore is an in-memory Store standing in for ClickHouse: WriteBatched
// appends rows verbatim, and RunQuerySynchronousNoParams re-derives just
// enough of the WHERE clause to serve the handful of query shapes
// persistence.go actually issues. It is not a SQL engine; it recognizes
// "batch_id = '<uuid>'", "inference_id = '<uuid>'", "inference_id IN
// (...)" and "ORDER BY timestamp DESC LIMIT 1" by pattern, which is all
// this package's queries ever use.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string][]map[string]any
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string][]map[string]any{}} }

func (s *fakeStore) WriteBatched(_ context.Context, table string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		cols, vals := r.TableColumns()
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = normalizeValue(vals[i])
		}
		s.rows[table] = append(s.rows[table], m)
	}
	return nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case uint64:
		return float64(t)
	default:
		return v
	}
}

var (
	eqBatchID      = regexp.MustCompile(`batch_id = '([^']+)'`)
	eqInferenceID  = regexp.MustCompile(`inference_id = '([^']+)'`)
	inInferenceIDs = regexp.MustCompile(`inference_id IN \(([^)]*)\)`)
	quotedUUID     = regexp.MustCompile(`'([^']+)'`)
	orderLimitOne  = regexp.MustCompile(`ORDER BY timestamp DESC LIMIT 1`)
)

func (s *fakeStore) RunQuerySynchronousNoParams(_ context.Context, sql string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := tableFromSQL(sql)
	rows := append([]map[string]any(nil), s.rows[table]...)

	if m := eqBatchID.FindStringSubmatch(sql); m != nil {
		rows = filterEquals(rows, "batch_id", m[1])
	}
	if m := eqInferenceID.FindStringSubmatch(sql); m != nil {
		rows = filterEquals(rows, "inference_id", m[1])
	}
	if m := inInferenceIDs.FindStringSubmatch(sql); m != nil {
		var ids []string
		for _, qm := range quotedUUID.FindAllStringSubmatch(m[1], -1) {
			ids = append(ids, qm[1])
		}
		rows = filterIn(rows, "inference_id", ids)
	}
	if orderLimitOne.MatchString(sql) {
		sort.SliceStable(rows, func(i, j int) bool {
			return fmt.Sprint(rows[i]["timestamp"]) > fmt.Sprint(rows[j]["timestamp"])
		})
		if len(rows) > 1 {
			rows = rows[:1]
		}
	}

	var b strings.Builder
	for _, r := range rows {
		line, err := jsonMarshalRow(r)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func tableFromSQL(sql string) string {
	idx := strings.Index(sql, "FROM ")
	rest := strings.TrimSpace(sql[idx+len("FROM "):])
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func filterEquals(rows []map[string]any, col, val string) []map[string]any {
	var out []map[string]any
	for _, r := range rows {
		if fmt.Sprint(r[col]) == val {
			out = append(out, r)
		}
	}
	return out
}

func filterIn(rows []map[string]any, col string, vals []string) []map[string]any {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	var out []map[string]any
	for _, r := range rows {
		if set[fmt.Sprint(r[col])] {
			out = append(out, r)
		}
	}
	return out
}
