// Package templates persists market templates. Templates are stored as
// msgpack blobs keyed by id; the store validates on write so the creation
// pipeline can trust what it reads.
package templates

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantsim/marketsim/internal/database"
	"github.com/quantsim/marketsim/internal/domain"
)

// Store is the template persistence surface.
type Store interface {
	// Put validates and stores a template, assigning an id when missing.
	Put(ctx context.Context, tpl *domain.Template) error
	// Get loads one template by id.
	Get(ctx context.Context, id string) (*domain.Template, error)
	// List returns all templates, newest first.
	List(ctx context.Context) ([]*domain.Template, error)
	// Delete removes one template by id.
	Delete(ctx context.Context, id string) error
}

// Validate checks a template's internal consistency.
func Validate(tpl *domain.Template) error {
	if tpl == nil {
		return domain.NewError(domain.CodeValidation, "template is nil")
	}
	if tpl.Name == "" {
		return domain.NewError(domain.CodeValidation, "template name must not be empty")
	}
	if !tpl.Allocation.Valid() {
		return domain.NewError(domain.CodeValidation, "unknown allocation algorithm %q", tpl.Allocation)
	}
	if len(tpl.Stocks) == 0 {
		return domain.NewError(domain.CodeValidation, "template %s declares no stocks", tpl.Name)
	}
	seen := make(map[string]struct{}, len(tpl.Stocks))
	for _, stock := range tpl.Stocks {
		if _, dup := seen[stock.Symbol]; dup {
			return domain.NewError(domain.CodeValidation, "template %s: duplicate symbol %s", tpl.Name, stock.Symbol)
		}
		seen[stock.Symbol] = struct{}{}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS templates (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_templates_created ON templates(created_at DESC);
`

// SQLStore persists templates in SQLite.
type SQLStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLStore creates the store and applies the schema.
func NewSQLStore(db *database.DB, log zerolog.Logger) (*SQLStore, error) {
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "failed to apply template schema")
	}
	return &SQLStore{
		db:  db,
		log: log.With().Str("component", "templates").Logger(),
	}, nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, tpl *domain.Template) error {
	if err := Validate(tpl); err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}

	payload, err := msgpack.Marshal(tpl)
	if err != nil {
		return domain.WrapError(domain.CodeInternal, err, "failed to encode template %s", tpl.ID)
	}

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO templates (id, name, payload, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, payload = excluded.payload`,
			tpl.ID, tpl.Name, payload, tpl.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return domain.WrapError(domain.CodeInternal, err, "failed to store template %s", tpl.ID)
	}

	s.log.Debug().Str("template", tpl.ID).Str("name", tpl.Name).Msg("Template stored")
	return nil
}

// QuickCheck reports whether the backing database is reachable.
func (s *SQLStore) QuickCheck(ctx context.Context) error {
	return s.db.QuickCheck(ctx)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Template, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM templates WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.CodeTemplateNotFound, "template %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "failed to load template %s", id)
	}
	return decode(payload)
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]*domain.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "failed to list templates")
	}
	defer rows.Close()

	var out []*domain.Template
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, domain.WrapError(domain.CodeInternal, err, "failed to scan template row")
		}
		tpl, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return domain.WrapError(domain.CodeInternal, err, "failed to delete template %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewError(domain.CodeTemplateNotFound, "template %s not found", id)
	}
	return nil
}

func decode(payload []byte) (*domain.Template, error) {
	var tpl domain.Template
	if err := msgpack.Unmarshal(payload, &tpl); err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "failed to decode template payload")
	}
	return &tpl, nil
}
