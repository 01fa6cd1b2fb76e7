package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier-system/internal/domain"
)

// Postgres implements Store over a pgx pool. Rows are read through
// row_to_json so the same code works against deployments whose column sets
// differ; writes build their column list from the patch, which is what lets
// the coordinator's reduced-field retry work.
//
// The change feed rides LISTEN/NOTIFY: a trigger on each watched table
// notifies "<table>_changed" with a compact JSON payload: kind plus the id,
// status and deleted_at of the before/after row. NOTIFY payloads are size
// capped, so the full row stays out.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func safeIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", &domain.ValidationError{Field: name, Reason: "not a valid identifier"}
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// Query fetches rows matching q as raw records.
func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Record, error) {
	table, err := safeIdent(collection)
	if err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT row_to_json(t) FROM " + table + " t")

	conds := make([]string, 0, len(q.Filter))
	for col, val := range q.Filter {
		ident, err := safeIdent(col)
		if err != nil {
			return nil, err
		}
		if val == nil {
			conds = append(conds, ident+" IS NULL")
			continue
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", ident, len(args)))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if q.OrderBy != "" {
		ident, err := safeIdent(q.OrderBy)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" ORDER BY " + ident)
		if q.Desc {
			sb.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classifyPgError(err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

// Insert writes rec and returns the stored row.
func (p *Postgres) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	table, err := safeIdent(collection)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(rec))
	holders := make([]string, 0, len(rec))
	args := make([]any, 0, len(rec))
	for col, val := range rec {
		ident, err := safeIdent(col)
		if err != nil {
			return nil, err
		}
		args = append(args, pgValue(val))
		cols = append(cols, ident)
		holders = append(holders, fmt.Sprintf("$%d", len(args)))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING row_to_json(%s)",
		table, strings.Join(cols, ", "), strings.Join(holders, ", "), table)

	var raw []byte
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		return nil, classifyPgError(err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

// Update applies patch to the row with the given id.
func (p *Postgres) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	return p.updateWhere(ctx, collection, id, nil, patch)
}

// UpdateIf applies patch only while the row still matches expect, in one
// atomic statement. Zero rows affected surfaces as NotFound; the caller
// re-reads to tell "vanished" from "condition no longer holds".
func (p *Postgres) UpdateIf(ctx context.Context, collection, id string, expect, patch Record) (Record, error) {
	return p.updateWhere(ctx, collection, id, expect, patch)
}

func (p *Postgres) updateWhere(ctx context.Context, collection, id string, expect, patch Record) (Record, error) {
	table, err := safeIdent(collection)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, &domain.ValidationError{Field: "patch", Reason: "empty"}
	}

	args := []any{id}
	sets := make([]string, 0, len(patch))
	for col, val := range patch {
		ident, err := safeIdent(col)
		if err != nil {
			return nil, err
		}
		if val == nil {
			sets = append(sets, ident+" = NULL")
			continue
		}
		args = append(args, pgValue(val))
		sets = append(sets, fmt.Sprintf("%s = $%d", ident, len(args)))
	}
	conds := []string{"id = $1"}
	for col, val := range expect {
		ident, err := safeIdent(col)
		if err != nil {
			return nil, err
		}
		if val == nil {
			conds = append(conds, ident+" IS NULL")
			continue
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", ident, len(args)))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING row_to_json(%s)",
		table, strings.Join(sets, ", "), strings.Join(conds, " AND "), table)

	var raw []byte
	err = p.pool.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

// pgValue converts composite values to JSON text so they land in json/jsonb
// columns regardless of driver-side type mapping.
func pgValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}

type pgSub struct {
	ch     chan ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *pgSub) Events() <-chan ChangeEvent { return s.ch }

func (s *pgSub) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *pgSub) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens a LISTEN feed on "<collection>_changed". The feed ends
// when ctx is cancelled, Close is called, or the connection drops; callers
// resubscribe (the feed adapter does this automatically).
func (p *Postgres) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if _, err := safeIdent(collection); err != nil {
		return nil, err
	}
	channel := collection + "_changed"

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, classifyPgError(err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &pgSub{
		ch:     make(chan ChangeEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					sub.err = classifyPgError(err)
				}
				return
			}
			ev, ok := decodeNotification(n.Payload)
			if !ok {
				continue
			}
			select {
			case sub.ch <- ev:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return sub, nil
}

type notifyPayload struct {
	Kind   string `json:"kind"`
	Before Record `json:"before"`
	After  Record `json:"after"`
}

func decodeNotification(payload string) (ChangeEvent, bool) {
	var np notifyPayload
	if err := json.Unmarshal([]byte(payload), &np); err != nil {
		return ChangeEvent{}, false
	}
	kind := EventKind(np.Kind)
	switch kind {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return ChangeEvent{}, false
	}
	return ChangeEvent{Kind: kind, Before: np.Before, After: np.After}, true
}

var columnPattern = regexp.MustCompile(`column "([^"]+)"`)

// classifyPgError maps driver errors onto the pipeline taxonomy.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42703": // undefined_column
			col := ""
			if m := columnPattern.FindStringSubmatch(pgErr.Message); m != nil {
				col = m[1]
			}
			return &domain.SchemaMismatchError{Column: col}
		case "23514", "23502", "23505", "22P02":
			return &domain.ConstraintViolationError{Detail: pgErr.Message}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientIOError{Err: err}
	}
	if pgconn.Timeout(err) {
		return &domain.TransientIOError{Err: err}
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	return &domain.TransientIOError{Err: err}
}
