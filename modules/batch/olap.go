package batch

import (
	"context"
	"encoding/json"

	chdriver "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

// Row is implemented by every type this package writes to the OLAP store;
// it exposes itself as a column/value pair so WriteBatched can stay
// generic over row shape (spec.md §6 "write_batched(rows, table_name)").
type Row interface {
	TableColumns() ([]string, []any)
}

// Store is the OLAP capability of spec.md §6: eventually-durable batched
// writes with same-key ordering per call, and synchronous parameterless
// queries returning JSON-lines. The lifecycle never talks to ClickHouse
// directly -- only through this interface -- so tests substitute an
// in-memory Store.
type Store interface {
	WriteBatched(ctx context.Context, table string, rows []Row) error
	RunQuerySynchronousNoParams(ctx context.Context, sql string) (string, error)
}

// ClickHouseStore implements Store atop clickhouse-go/v2, the OLAP driver
// grounded on other_examples/manifests/nulpointcorp-llm-gateway/go.mod and
// other_examples/manifests/brokle-ai-brokle/go.mod -- both real Go
// LLM-gateway repos that back their analytics store with ClickHouse the
// same way spec.md §6 describes (batched inserts, synchronous read-back
// queries for poll-time joins).
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore opens a connection pool against the given DSN-derived
// options. Schema migration is out of scope (spec.md §1); the caller is
// expected to have already applied the TableBatchRequest/TableChatInference/
// etc. DDL.
func NewClickHouseStore(opts *chdriver.Options) (*ClickHouseStore, error) {
	conn, err := chdriver.Open(opts)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to open clickhouse connection")
	}
	return &ClickHouseStore{conn: conn}, nil
}

// WriteBatched implements spec.md §6's write_batched: one PrepareBatch per
// call, every row appended under the same batch so ClickHouse orders them
// together on insert (spec.md "same-key ordering per call").
func (s *ClickHouseStore) WriteBatched(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	cols, _ := rows[0].TableColumns()
	batch, err := s.conn.PrepareBatch(ctx, buildInsertSQL(table, cols))
	if err != nil {
		return gwerr.Wrap(gwerr.KindInternal, err, "failed to prepare clickhouse batch for "+table)
	}

	for _, row := range rows {
		_, values := row.TableColumns()
		if err := batch.Append(values...); err != nil {
			return gwerr.Wrap(gwerr.KindInternal, err, "failed to append row to clickhouse batch for "+table)
		}
	}
	if err := batch.Send(); err != nil {
		return gwerr.Wrap(gwerr.KindInternal, err, "failed to send clickhouse batch for "+table)
	}
	return nil
}

func buildInsertSQL(table string, cols []string) string {
	sql := "INSERT INTO " + table + " ("
	for i, c := range cols {
		if i > 0 {
			sql += ", "
		}
		sql += c
	}
	sql += ")"
	return sql
}

// RunQuerySynchronousNoParams implements spec.md §6: a synchronous query
// with no bind parameters (every value the lifecycle needs to filter on is
// a server-generated UUID or enum, safe to inline), returning JSON-lines
// the way ClickHouse's FORMAT JSONEachRow does.
func (s *ClickHouseStore) RunQuerySynchronousNoParams(ctx context.Context, sql string) (string, error) {
	rows, err := s.conn.Query(ctx, sql)
	if err != nil {
		return "", gwerr.WrapBoundary(gwerr.KindClickHouseDeserialization, err, "clickhouse query failed")
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		cols := rows.Columns()
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "clickhouse row scan failed")
		}
		obj := make(map[string]any, len(cols))
		for i, c := range cols {
			obj[c] = values[i]
		}
		line, err := json.Marshal(obj)
		if err != nil {
			return "", gwerr.Wrap(gwerr.KindSerialization, err, "failed to marshal clickhouse row")
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	if err := rows.Err(); err != nil {
		return "", gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "clickhouse row iteration failed")
	}
	return string(out), nil
}

// errorsJSON serializes a BatchRequest's provider error log for the
// "errors" column.
func errorsJSON(errs []ProviderError) string {
	if len(errs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "[]"
	}
	return string(b)
}
