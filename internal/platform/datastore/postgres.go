package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ChangeChannel is the NOTIFY channel carrying changed paths.
const ChangeChannel = "document_changes"

// PostgresStore keeps one jsonb row per document, addressed by the first two
// path segments (collection, document id). Deeper paths address fields
// inside the document value.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	subs   *subscriberSet
	rev    atomic.Uint64

	listenOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPostgresStore wraps a pool whose schema has the documents table (see
// the db migrations).
func NewPostgresStore(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "datastore.postgres").Logger(),
		subs:   newSubscriberSet(),
		ctx:    ctx,
		cancel: cancel,
	}
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// docAddress splits path segments into collection, document id and the
// field path inside the document.
func docAddress(segs []string) (collection, docID string, field []string) {
	collection = segs[0]
	if len(segs) > 1 {
		docID = segs[1]
	}
	if len(segs) > 2 {
		field = segs[2:]
	}
	return collection, docID, field
}

func (p *PostgresStore) Read(ctx context.Context, path string) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return p.read(ctx, p.pool, segs)
}

func (p *PostgresStore) read(ctx context.Context, q queryable, segs []string) (any, error) {
	collection, docID, field := docAddress(segs)
	if docID == "" {
		rows, err := q.Query(ctx, `SELECT doc_id, value FROM documents WHERE collection = $1 ORDER BY doc_id`, collection)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", collection, err)
		}
		defer rows.Close()
		out := map[string]any{}
		for rows.Next() {
			var id string
			var raw []byte
			if err := rows.Scan(&id, &raw); err != nil {
				return nil, fmt.Errorf("scan %s: %w", collection, err)
			}
			v, err := decodeJSON(raw)
			if err != nil {
				return nil, err
			}
			out[id] = v
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	if field == nil {
		field = []string{}
	}
	var raw []byte
	err := q.QueryRow(ctx, `SELECT value #> $3 FROM documents WHERE collection = $1 AND doc_id = $2`,
		collection, docID, field).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, docID, err)
	}
	return decodeJSON(raw)
}

func (p *PostgresStore) Write(ctx context.Context, path string, value any, mode Mode) (string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	norm, err := normalizeWrite(value, mode)
	if err != nil {
		return "", err
	}

	var id string
	changed := segs
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		collection, docID, field := docAddress(segs)
		switch mode {
		case ModeCreate:
			if docID == "" {
				return p.replaceCollection(ctx, tx, collection, norm)
			}
			return p.mutateDoc(ctx, tx, collection, docID, func(cur any) (any, error) {
				return setField(cur, field, norm), nil
			})
		case ModeUpdate:
			patch, ok := norm.(map[string]any)
			if !ok && norm != nil {
				return fmt.Errorf("%w: update requires an object", ErrInvalidValue)
			}
			if err := validatePatch(patch); err != nil {
				return err
			}
			if docID == "" {
				for k, v := range patch {
					sub, _ := SplitPath(k)
					if err := p.mutateDoc(ctx, tx, collection, sub[0], func(cur any) (any, error) {
						return setField(cur, sub[1:], v), nil
					}); err != nil {
						return err
					}
				}
				return nil
			}
			return p.mutateDoc(ctx, tx, collection, docID, func(cur any) (any, error) {
				root, _ := cur.(map[string]any)
				return mergeMap(root, field, patch), nil
			})
		case ModeDelete:
			if docID == "" {
				_, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1`, collection)
				return err
			}
			return p.mutateDoc(ctx, tx, collection, docID, func(cur any) (any, error) {
				return setField(cur, field, nil), nil
			})
		case ModeCreateWithID:
			id = uuid.NewString()
			changed = append(append([]string{}, segs...), id)
			if docID == "" {
				return p.upsert(ctx, tx, collection, id, norm)
			}
			return p.mutateDoc(ctx, tx, collection, docID, func(cur any) (any, error) {
				return setField(cur, append(append([]string{}, field...), id), norm), nil
			})
		default:
			return fmt.Errorf("%w: %v", ErrInvalidMode, mode)
		}
	})
	if err != nil {
		return "", err
	}
	if err := p.notify(ctx, changed); err != nil {
		p.logger.Warn().Err(err).Str("path", JoinPath(changed...)).Msg("change notification failed")
	}
	return id, nil
}

// Transact locks the document row for the duration of fn.
func (p *PostgresStore) Transact(ctx context.Context, path string, fn TransactFunc) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	collection, docID, field := docAddress(segs)
	if docID == "" {
		return nil, fmt.Errorf("%w: transactions are scoped to a single document", ErrInvalidPath)
	}
	var result any
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return p.mutateDoc(ctx, tx, collection, docID, func(cur any) (any, error) {
			next, err := fn(Clone(Lookup(cur, field)))
			if err != nil {
				return nil, err
			}
			norm, err := Normalize(next)
			if err != nil {
				return nil, err
			}
			result = norm
			return setField(cur, field, norm), nil
		})
	})
	if err != nil {
		return nil, err
	}
	if err := p.notify(ctx, segs); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("change notification failed")
	}
	return Clone(result), nil
}

// QueryChildren pushes ordering and limits into SQL for collection paths.
func (p *PostgresStore) QueryChildren(ctx context.Context, path string, c Constraints) ([]Child, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) > 1 {
		v, err := p.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		return ApplyConstraints(ChildrenOf(v), c), nil
	}

	sql, args := childQuerySQL(segs[0], c)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", segs[0], err)
	}
	defer rows.Close()
	var out []Child
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		v, err := decodeJSON(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Child{Key: id, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if c.LimitLast && c.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// childQuerySQL builds the ordered child query. LimitLast is served by
// reversing the sort and flipping the rows afterwards.
func childQuerySQL(collection string, c Constraints) (string, []interface{}) {
	args := []interface{}{collection}
	dir, nulls := "ASC", "NULLS FIRST"
	if c.LimitLast && c.Limit > 0 {
		dir, nulls = "DESC", "NULLS LAST"
	}
	sql := `SELECT doc_id, value FROM documents WHERE collection = $1`
	if c.OrderBy != "" {
		args = append(args, FieldPath(c.OrderBy))
		sql += fmt.Sprintf(` ORDER BY value #> $2 %s %s, doc_id %s`, dir, nulls, dir)
	} else {
		sql += fmt.Sprintf(` ORDER BY doc_id %s`, dir)
	}
	if c.Limit > 0 {
		args = append(args, c.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return sql, args
}

func (p *PostgresStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	p.listenOnce.Do(func() { go p.listen() })

	sub, unsub := p.subs.add(ctx, segs, fn)
	rev := p.rev.Add(1)
	v, err := p.read(ctx, p.pool, segs)
	if err != nil {
		unsub()
		return nil, err
	}
	sub.offer(rev, v, nil)
	return unsub, nil
}

// Close stops the listener and drops every subscription. The pool is owned
// by the caller.
func (p *PostgresStore) Close() {
	p.cancel()
	p.subs.closeAll()
}

func (p *PostgresStore) listen() {
	backoff := time.Second
	for {
		err := p.listenSession()
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Dur("retry_in", backoff).Msg("listener stopped")
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *PostgresStore) listenSession() error {
	conn, err := p.pool.Acquire(p.ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(p.ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	// Anything may have changed while no listener was attached.
	p.refresh(p.subs.all())
	for {
		n, err := conn.Conn().WaitForNotification(p.ctx)
		if err != nil {
			return err
		}
		segs, err := SplitPath(n.Payload)
		if err != nil {
			p.logger.Warn().Str("payload", n.Payload).Msg("ignoring malformed change notification")
			continue
		}
		p.refresh(p.subs.matching(segs))
	}
}

func (p *PostgresStore) refresh(subs []*subscription) {
	for _, sub := range subs {
		rev := p.rev.Add(1)
		v, err := p.read(p.ctx, p.pool, sub.segs)
		sub.offer(rev, v, err)
	}
}

func (p *PostgresStore) notify(ctx context.Context, segs []string) error {
	_, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, JoinPath(segs...))
	return err
}

func (p *PostgresStore) replaceCollection(ctx context.Context, tx pgx.Tx, collection string, v any) error {
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1`, collection); err != nil {
		return err
	}
	docs, ok := v.(map[string]any)
	if !ok && v != nil {
		return fmt.Errorf("%w: collection value must be an object", ErrInvalidValue)
	}
	for id, doc := range docs {
		if _, err := SplitPath(id); err != nil {
			return err
		}
		if err := p.upsert(ctx, tx, collection, id, doc); err != nil {
			return err
		}
	}
	return nil
}

// mutateDoc locks one document row, applies fn and writes the result back,
// deleting the row when fn returns nil.
func (p *PostgresStore) mutateDoc(ctx context.Context, tx pgx.Tx, collection, docID string, fn func(cur any) (any, error)) error {
	var raw []byte
	err := tx.QueryRow(ctx, `SELECT value FROM documents WHERE collection = $1 AND doc_id = $2 FOR UPDATE`,
		collection, docID).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock %s/%s: %w", collection, docID, err)
	}
	cur, err := decodeJSON(raw)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		_, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND doc_id = $2`, collection, docID)
		return err
	}
	return p.upsert(ctx, tx, collection, docID, next)
}

func (p *PostgresStore) upsert(ctx context.Context, tx pgx.Tx, collection, docID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, doc_id, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, doc_id) DO UPDATE
		SET value = EXCLUDED.value, revision = documents.revision + 1, updated_at = NOW()`,
		collection, docID, raw)
	return err
}

// setField assigns v at field inside doc, returning the new document.
func setField(doc any, field []string, v any) any {
	if len(field) == 0 {
		return v
	}
	root, _ := doc.(map[string]any)
	root = assign(root, field, v)
	if len(root) == 0 {
		return nil
	}
	return root
}

func mergeMap(root map[string]any, field []string, patch map[string]any) any {
	root = merge(root, field, patch)
	if len(root) == 0 {
		return nil
	}
	return root
}

func decodeJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return v, nil
}
