// Package agentstore is the sqlite-backed agent-profile registry: CRUD for
// AgentConfig plus the per-agent conversations/minutes_spoken usage counters
// the original backend/routes/agents.py bumps at end-of-call. It implements
// orchestrator.AgentRegistry, the external collaborator spec §6 names but
// leaves unimplemented — something has to sit behind that interface for the
// repo to run end-to-end.
package agentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// ErrNotFound is returned by Get/Update/Delete when no agent matches.
var ErrNotFound = errors.New("agentstore: agent not found")

// Agent is the persisted row, extending orchestrator.AgentConfig with the
// display fields and usage counters the CRUD surface exposes but the core
// never reads.
type Agent struct {
	orchestrator.AgentConfig
	Name             string
	Conversations    int
	MinutesSpoken    float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store wraps a sqlite connection. Safe for concurrent use: database/sql
// pools its own connections and sqlite serializes writes internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and applies
// the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("agentstore: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time is simplest and sufficient here

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("agentstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	system_prompt      TEXT NOT NULL DEFAULT '',
	behavior           TEXT NOT NULL DEFAULT 'professional',
	greeting           TEXT NOT NULL DEFAULT '',
	custom_knowledge   TEXT NOT NULL DEFAULT '',
	guardrails_enabled INTEGER NOT NULL DEFAULT 0,
	voice              TEXT NOT NULL DEFAULT 'F1',
	language           TEXT NOT NULL DEFAULT 'en',
	conversations      INTEGER NOT NULL DEFAULT 0,
	minutes_spoken     REAL NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);`

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get implements orchestrator.AgentRegistry: resolve an agent_id to its
// immutable-for-the-session AgentConfig.
func (s *Store) Get(ctx context.Context, agentID string) (*orchestrator.AgentConfig, error) {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &a.AgentConfig, nil
}

// GetAgent returns the full persisted row, for the CRUD surface.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, system_prompt, behavior, greeting,
		custom_knowledge, guardrails_enabled, voice, language, conversations,
		minutes_spoken, created_at, updated_at FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agentstore: get %q: %w", id, err)
	}
	return a, nil
}

// List returns every agent, newest first.
func (s *Store) List(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, system_prompt, behavior, greeting,
		custom_knowledge, guardrails_enabled, voice, language, conversations,
		minutes_spoken, created_at, updated_at FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("agentstore: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a new agent with a fresh id and returns the stored row.
func (s *Store) Create(ctx context.Context, a Agent) (*Agent, error) {
	a.ID = uuid.NewString()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Voice == "" {
		a.Voice = orchestrator.VoiceF1
	}
	if a.Language == "" {
		a.Language = orchestrator.LanguageEn
	}
	if a.Behavior == "" {
		a.Behavior = orchestrator.BehaviorProfessional
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (id, name, system_prompt, behavior,
		greeting, custom_knowledge, guardrails_enabled, voice, language, conversations,
		minutes_spoken, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.SystemPrompt, string(a.Behavior), a.Greeting, a.CustomKnowledge,
		boolToInt(a.GuardrailsEnabled), string(a.Voice), string(a.Language), a.Conversations,
		a.MinutesSpoken, a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("agentstore: create: %w", err)
	}
	return &a, nil
}

// Update applies fn to the existing agent and persists the result. Returns
// ErrNotFound if id does not exist.
func (s *Store) Update(ctx context.Context, id string, fn func(a *Agent)) (*Agent, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(a)
	a.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `UPDATE agents SET name=?, system_prompt=?, behavior=?,
		greeting=?, custom_knowledge=?, guardrails_enabled=?, voice=?, language=?,
		conversations=?, minutes_spoken=?, updated_at=? WHERE id=?`,
		a.Name, a.SystemPrompt, string(a.Behavior), a.Greeting, a.CustomKnowledge,
		boolToInt(a.GuardrailsEnabled), string(a.Voice), string(a.Language), a.Conversations,
		a.MinutesSpoken, a.UpdatedAt.Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("agentstore: update %q: %w", id, err)
	}
	return a, nil
}

// Delete removes an agent. Returns ErrNotFound if id does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("agentstore: delete %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCallEnd bumps the conversations counter and adds durationSeconds
// worth of minutes_spoken, the way agents.py's
// POST /{agent_id}/conversation endpoint does at end-of-call.
func (s *Store) RecordCallEnd(ctx context.Context, id string, durationSeconds float64) error {
	_, err := s.Update(ctx, id, func(a *Agent) {
		a.Conversations++
		a.MinutesSpoken += durationSeconds / 60
	})
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var guardrails int
	var behavior, voice, lang, createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.Name, &a.SystemPrompt, &behavior, &a.Greeting,
		&a.CustomKnowledge, &guardrails, &voice, &lang, &a.Conversations,
		&a.MinutesSpoken, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Behavior = orchestrator.Behavior(behavior)
	a.Voice = orchestrator.Voice(voice)
	a.Language = orchestrator.Language(lang)
	a.GuardrailsEnabled = guardrails != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

var _ orchestrator.AgentRegistry = (*Store)(nil)
