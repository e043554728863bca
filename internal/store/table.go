package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cesargomez89/offlinevault/internal/domain"
)

// Attrs maps column names to the values to write.
type Attrs map[string]any

// Names returns the attribute names in a stable order.
func (a Attrs) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TableSchema names a table and its writable columns.
type TableSchema struct {
	Table   string
	Columns []string
}

func (s TableSchema) has(column string) bool {
	return slices.Contains(s.Columns, column)
}

func (s TableSchema) validate(attrs Attrs) error {
	for _, name := range attrs.Names() {
		if !s.has(name) {
			return &domain.ValidationError{Table: s.Table, Attribute: name}
		}
	}
	return nil
}

type record[T any] interface {
	*T
	RecordID() string
}

type validator interface {
	Validate() error
}

// Table is the typed record store for one entity. Every mutation runs in
// its own transaction and is published to subscribers only after commit.
type Table[T any, PT record[T]] struct {
	db     *DB
	schema TableSchema
}

func NewTable[T any, PT record[T]](db *DB, schema TableSchema) *Table[T, PT] {
	return &Table[T, PT]{db: db, schema: schema}
}

func (t *Table[T, PT]) Schema() TableSchema {
	return t.schema
}

// Create validates attrs, assigns id and created_at, and inserts the record.
func (t *Table[T, PT]) Create(ctx context.Context, attrs Attrs) (PT, error) {
	if err := t.schema.validate(attrs); err != nil {
		return nil, err
	}

	args := map[string]any{
		"id":         uuid.New().String(),
		"created_at": time.Now(),
	}
	columns := []string{"id", "created_at"}
	for _, name := range attrs.Names() {
		args[name] = attrs[name]
		columns = append(columns, name)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (:%s)`,
		t.schema.Table, strings.Join(columns, ", "), strings.Join(columns, ", :"))

	rec := PT(new(T))
	err := t.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, query, args); err != nil {
			return fmt.Errorf("failed to create %s: %w", t.schema.Table, err)
		}
		if err := t.load(ctx, tx, args["id"].(string), rec); err != nil {
			return err
		}
		return checkInvariants(rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the single record whose field equals value.
func (t *Table[T, PT]) Get(ctx context.Context, field string, value any) (PT, error) {
	if field != "id" && !t.schema.has(field) {
		return nil, &domain.ValidationError{Table: t.schema.Table, Attribute: field}
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = ? LIMIT 2`, t.schema.Table, field)
	var rows []T
	if err := t.db.SelectContext(ctx, &rows, query, value); err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", t.schema.Table, err)
	}

	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("%s where %s=%v: %w", t.schema.Table, field, value, domain.ErrNotFound)
	case 1:
		return PT(&rows[0]), nil
	default:
		return nil, fmt.Errorf("%s where %s=%v: %w", t.schema.Table, field, value, domain.ErrMultipleMatches)
	}
}

// Update applies every attribute or none. rec is reloaded from the
// committed row on success and left untouched on failure. Records with a
// TransitionTo method veto illegal moves with ErrPrecondition.
func (t *Table[T, PT]) Update(ctx context.Context, rec PT, attrs Attrs) error {
	if err := t.schema.validate(attrs); err != nil {
		return err
	}
	if len(attrs) == 0 {
		return nil
	}

	id := rec.RecordID()
	names := attrs.Names()
	sets := make([]string, len(names))
	args := map[string]any{"id": id}
	for i, name := range names {
		sets[i] = name + " = :" + name
		args[name] = attrs[name]
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = :id`, t.schema.Table, strings.Join(sets, ", "))

	old, fresh := PT(new(T)), PT(new(T))
	err := t.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := t.load(ctx, tx, id, old); err != nil {
			return err
		}
		result, err := tx.NamedExecContext(ctx, query, args)
		if err != nil {
			return fmt.Errorf("failed to update %s %s: %w", t.schema.Table, id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", t.schema.Table, id, domain.ErrNotFound)
		}
		if err := t.load(ctx, tx, id, fresh); err != nil {
			return err
		}
		if err := checkTransition(old, fresh); err != nil {
			return err
		}
		return checkInvariants(fresh)
	})
	if err != nil {
		return err
	}

	*rec = *fresh
	t.db.broker.publish(ChangeEvent{
		Table:    t.schema.Table,
		RecordID: id,
		Fields:   names,
		Values:   copyAttrs(attrs),
	})
	return nil
}

// Filter lazily yields records matching every equality in where. An empty
// where yields the whole table, oldest first.
func (t *Table[T, PT]) Filter(ctx context.Context, where Attrs) iter.Seq2[PT, error] {
	return func(yield func(PT, error) bool) {
		if err := t.schema.validate(where); err != nil {
			yield(nil, err)
			return
		}

		query := `SELECT * FROM ` + t.schema.Table
		names := where.Names()
		args := make([]any, len(names))
		if len(names) > 0 {
			conds := make([]string, len(names))
			for i, name := range names {
				conds[i] = name + " = ?"
				args[i] = where[name]
			}
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		query += " ORDER BY created_at ASC"

		rows, err := t.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to filter %s: %w", t.schema.Table, err))
			return
		}
		defer rows.Close() //nolint:errcheck // deferred cleanup

		for rows.Next() {
			rec := PT(new(T))
			if err := rows.StructScan(rec); err != nil {
				yield(nil, fmt.Errorf("failed to scan %s: %w", t.schema.Table, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// First returns the oldest record matching where.
func (t *Table[T, PT]) First(ctx context.Context, where Attrs) (PT, error) {
	for rec, err := range t.Filter(ctx, where) {
		return rec, err
	}
	return nil, fmt.Errorf("%s: %w", t.schema.Table, domain.ErrNotFound)
}

// Delete removes the record and closes every subscription on it.
func (t *Table[T, PT]) Delete(ctx context.Context, rec PT) error {
	id := rec.RecordID()
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.schema.Table)

	err := t.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", t.schema.Table, id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", t.schema.Table, id, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.db.broker.publish(ChangeEvent{Table: t.schema.Table, RecordID: id, Deleted: true})
	return nil
}

// Subscribe streams committed changes to the record touching any of fields.
// With no fields every change is delivered. Field names are checked
// against the schema.
func (t *Table[T, PT]) Subscribe(recordID string, fields ...string) (*Subscription, error) {
	for _, f := range fields {
		if !t.schema.has(f) {
			return nil, &domain.ValidationError{Table: t.schema.Table, Attribute: f}
		}
	}
	return t.db.broker.subscribe(t.schema.Table, recordID, fields), nil
}

func (t *Table[T, PT]) load(ctx context.Context, tx *sqlx.Tx, id string, dest PT) error {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, t.schema.Table)
	if err := tx.GetContext(ctx, dest, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", t.schema.Table, id, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to reload %s %s: %w", t.schema.Table, id, err)
	}
	return nil
}

func checkTransition[PT any](old, fresh PT) error {
	if tr, ok := any(old).(interface{ TransitionTo(PT) error }); ok {
		return tr.TransitionTo(fresh)
	}
	return nil
}

func checkInvariants(rec any) error {
	if v, ok := rec.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPrecondition, err)
		}
	}
	return nil
}

func copyAttrs(a Attrs) Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
