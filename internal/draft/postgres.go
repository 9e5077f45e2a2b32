package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDraftTableName   = "spacestage_drafts"
	postgresDefaultDraftKey  = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores drafts as rows keyed by draft name, so several
// operators can share one database. The key is taken from the "draft" query
// parameter of the DSN.
type PostgresBackend struct {
	dsn       string
	tableName string
	draftKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, key, err := splitDraftKey(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{
		dsn:       connDSN,
		tableName: postgresDraftTableName,
		draftKey:  key,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load() (*Document, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT document FROM %s WHERE draft_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.draftKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *PostgresBackend) Save(doc *Document) error {
	if b == nil || doc == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (draft_key, document, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (draft_key)
		DO UPDATE SET document = EXCLUDED.document, saved_at = EXCLUDED.saved_at`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.draftKey, string(payload), doc.SavedAt)
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				draft_key TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// splitDraftKey removes the "draft" query parameter, which lib/pq would
// otherwise pass on to the server as a run-time setting.
func splitDraftKey(dsn string) (string, string, error) {
	parsed, err := parseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("draft"))
	if key == "" {
		key = postgresDefaultDraftKey
	}
	query.Del("draft")
	parsed.RawQuery = query.Encode()
	return parsed.String(), key, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
