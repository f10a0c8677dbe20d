package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atendai/voicebridge/internal/config"
)

// Schema is the SQL DDL for the bridge's tables. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    call_id     TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    caller_id   TEXT NOT NULL DEFAULT '',
    extension   TEXT NOT NULL DEFAULT '',
    provider    TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    outcome     TEXT NOT NULL,
    ticket_id   TEXT NOT NULL DEFAULT '',
    turns       JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_at);

CREATE TABLE IF NOT EXISTS secretaries (
    tenant_id  TEXT NOT NULL,
    extension  TEXT NOT NULL,
    definition JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, extension)
);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Store] backed by PostgreSQL. Turns and secretary definitions
// are serialised as JSONB.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// Open connects a pool to dsn and returns a Postgres store. The caller should
// run [Postgres.Migrate] before issuing queries.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// NewPostgres wraps an existing connection or pool. Used in tests.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveConversation upserts the conversation record keyed by call id.
func (p *Postgres) SaveConversation(ctx context.Context, conv *Conversation) error {
	turnsJSON, err := json.Marshal(conv.Turns)
	if err != nil {
		return fmt.Errorf("store: marshal turns: %w", err)
	}

	const query = `
		INSERT INTO conversations (
			call_id, tenant_id, caller_id, extension, provider, language,
			started_at, ended_at, outcome, ticket_id, turns
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			outcome = EXCLUDED.outcome,
			ticket_id = EXCLUDED.ticket_id,
			turns = EXCLUDED.turns`

	_, err = p.db.Exec(ctx, query,
		conv.CallID, conv.TenantID, conv.CallerID, conv.Extension,
		conv.Provider, conv.Language, conv.StartedAt, conv.EndedAt,
		string(conv.Outcome), conv.TicketID, turnsJSON,
	)
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", conv.CallID, err)
	}
	return nil
}

// Conversation loads one record by call id.
func (p *Postgres) Conversation(ctx context.Context, callID string) (*Conversation, error) {
	const query = `
		SELECT call_id, tenant_id, caller_id, extension, provider, language,
		       started_at, ended_at, outcome, ticket_id, turns
		FROM conversations WHERE call_id = $1`

	var conv Conversation
	var outcome string
	var turnsJSON []byte
	err := p.db.QueryRow(ctx, query, callID).Scan(
		&conv.CallID, &conv.TenantID, &conv.CallerID, &conv.Extension,
		&conv.Provider, &conv.Language, &conv.StartedAt, &conv.EndedAt,
		&outcome, &conv.TicketID, &turnsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load conversation %s: %w", callID, err)
	}
	conv.Outcome = Outcome(outcome)
	if err := json.Unmarshal(turnsJSON, &conv.Turns); err != nil {
		return nil, fmt.Errorf("store: unmarshal turns for %s: %w", callID, err)
	}
	return &conv, nil
}

// Secretary resolves the secretary definition for (tenant, extension).
func (p *Postgres) Secretary(ctx context.Context, tenantID, extension string) (*config.SecretaryConfig, error) {
	const query = `
		SELECT definition FROM secretaries
		WHERE tenant_id = $1 AND extension = $2`

	var defJSON []byte
	err := p.db.QueryRow(ctx, query, tenantID, extension).Scan(&defJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load secretary %s/%s: %w", tenantID, extension, err)
	}

	var sec config.SecretaryConfig
	if err := json.Unmarshal(defJSON, &sec); err != nil {
		return nil, fmt.Errorf("store: unmarshal secretary %s/%s: %w", tenantID, extension, err)
	}
	return &sec, nil
}

// UpsertSecretary writes a secretary definition, replacing any existing one.
func (p *Postgres) UpsertSecretary(ctx context.Context, sec *config.SecretaryConfig) error {
	defJSON, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("store: marshal secretary: %w", err)
	}
	const query = `
		INSERT INTO secretaries (tenant_id, extension, definition, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, extension) DO UPDATE SET
			definition = EXCLUDED.definition,
			updated_at = now()`
	if _, err := p.db.Exec(ctx, query, sec.TenantID, sec.Extension, defJSON); err != nil {
		return fmt.Errorf("store: upsert secretary %s/%s: %w", sec.TenantID, sec.Extension, err)
	}
	return nil
}

// Close releases the pool, when this store owns one.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
