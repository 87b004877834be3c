package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Dialect distinguishes the two database/sql drivers logchain supports.
// Query text differs only in placeholder syntax; the schemas differ only in
// the timestamp column type (TIMESTAMP vs DATETIME).
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLRegistry implements Registry with SQL persistence. Register checks for
// an existing row and then inserts; nothing is upserted. It supports both lib/pq
// (Postgres) and modernc.org/sqlite, selected at construction time by the
// caller (cmd/logchain-server chooses based on DATABASE_URL's scheme).
type SQLRegistry struct {
	db       *sql.DB
	dialect  Dialect
	verifyFn RotationVerifier
	nowFn    func() time.Time
}

func NewSQLRegistry(db *sql.DB, dialect Dialect, verifyFn RotationVerifier) *SQLRegistry {
	return &SQLRegistry{db: db, dialect: dialect, verifyFn: verifyFn, nowFn: time.Now}
}

const sqlRegistrySchemaPostgres = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	current_public_key TEXT NOT NULL,
	registered_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_rotations (
	agent_id TEXT NOT NULL REFERENCES agents(agent_id),
	old_key TEXT NOT NULL,
	new_key TEXT NOT NULL,
	rotated_at TIMESTAMP NOT NULL,
	rotation_signature TEXT NOT NULL
);
`

const sqlRegistrySchemaSQLite = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	current_public_key TEXT NOT NULL,
	registered_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_rotations (
	agent_id TEXT NOT NULL REFERENCES agents(agent_id),
	old_key TEXT NOT NULL,
	new_key TEXT NOT NULL,
	rotated_at DATETIME NOT NULL,
	rotation_signature TEXT NOT NULL
);
`

// Init creates the agents and agent_rotations tables if they do not exist.
// Append-only triggers for batches live in the Chain Store's Init, not
// here: the registry is append-only by construction (Register never
// overwrites, Rotate only ever appends a rotation row and updates the
// single current_public_key column), so it needs no trigger defense.
func (r *SQLRegistry) Init(ctx context.Context) error {
	schema := sqlRegistrySchemaPostgres
	if r.dialect == DialectSQLite {
		schema = sqlRegistrySchemaSQLite
	}
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *SQLRegistry) ph(n int) string {
	if r.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (r *SQLRegistry) Register(ctx context.Context, agentID string, publicKey []byte) error {
	var exists bool
	q := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM agents WHERE agent_id = %s)", r.ph(1))
	if err := r.db.QueryRowContext(ctx, q, agentID).Scan(&exists); err != nil {
		return fmt.Errorf("registry: checking existing agent: %w", err)
	}
	if exists {
		return ErrAlreadyRegistered
	}

	insert := fmt.Sprintf(
		"INSERT INTO agents (agent_id, current_public_key, registered_at) VALUES (%s, %s, %s)",
		r.ph(1), r.ph(2), r.ph(3),
	)
	_, err := r.db.ExecContext(ctx, insert, agentID, hexEncode(publicKey), r.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("registry: inserting agent: %w", err)
	}
	return nil
}

func (r *SQLRegistry) Rotate(ctx context.Context, agentID string, newPublicKey, rotationSignature []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin rotate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentKeyHex string
	q := fmt.Sprintf("SELECT current_public_key FROM agents WHERE agent_id = %s", r.ph(1))
	err = tx.QueryRowContext(ctx, q, agentID).Scan(&currentKeyHex)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownAgent
	}
	if err != nil {
		return fmt.Errorf("registry: reading current key: %w", err)
	}
	currentKey, err := hexDecode(currentKeyHex)
	if err != nil {
		return fmt.Errorf("registry: decoding stored key: %w", err)
	}

	verified, err := r.verifyFn(currentKey, newPublicKey, rotationSignature)
	if err != nil {
		return fmt.Errorf("registry: verifying rotation signature: %w", err)
	}
	if !verified {
		return ErrBadRotationSignature
	}

	now := r.nowFn().UTC()
	insertRotation := fmt.Sprintf(
		"INSERT INTO agent_rotations (agent_id, old_key, new_key, rotated_at, rotation_signature) VALUES (%s, %s, %s, %s, %s)",
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5),
	)
	if _, err := tx.ExecContext(ctx, insertRotation, agentID, hexEncode(currentKey), hexEncode(newPublicKey), now, hexEncode(rotationSignature)); err != nil {
		return fmt.Errorf("registry: recording rotation: %w", err)
	}

	update := fmt.Sprintf("UPDATE agents SET current_public_key = %s WHERE agent_id = %s", r.ph(1), r.ph(2))
	if _, err := tx.ExecContext(ctx, update, hexEncode(newPublicKey), agentID); err != nil {
		return fmt.Errorf("registry: updating current key: %w", err)
	}

	return tx.Commit()
}

func (r *SQLRegistry) LookupCurrent(ctx context.Context, agentID string) ([]byte, error) {
	var keyHex string
	q := fmt.Sprintf("SELECT current_public_key FROM agents WHERE agent_id = %s", r.ph(1))
	err := r.db.QueryRowContext(ctx, q, agentID).Scan(&keyHex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("registry: lookup current: %w", err)
	}
	return hexDecode(keyHex)
}

func (r *SQLRegistry) LookupAt(ctx context.Context, agentID string, t time.Time) ([]byte, error) {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return keyAtTime(agent, t), nil
}

func (r *SQLRegistry) Get(ctx context.Context, agentID string) (*Agent, error) {
	var keyHex string
	var registeredAt time.Time
	q := fmt.Sprintf("SELECT current_public_key, registered_at FROM agents WHERE agent_id = %s", r.ph(1))
	err := r.db.QueryRowContext(ctx, q, agentID).Scan(&keyHex, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get agent: %w", err)
	}
	currentKey, err := hexDecode(keyHex)
	if err != nil {
		return nil, err
	}

	rowsQ := fmt.Sprintf(
		"SELECT old_key, new_key, rotated_at, rotation_signature FROM agent_rotations WHERE agent_id = %s ORDER BY rotated_at ASC",
		r.ph(1),
	)
	rows, err := r.db.QueryContext(ctx, rowsQ, agentID)
	if err != nil {
		return nil, fmt.Errorf("registry: listing rotations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rotations []Rotation
	for rows.Next() {
		var oldHex, newHex, sigHex string
		var rotatedAt time.Time
		if err := rows.Scan(&oldHex, &newHex, &rotatedAt, &sigHex); err != nil {
			return nil, fmt.Errorf("registry: scanning rotation: %w", err)
		}
		oldKey, err := hexDecode(oldHex)
		if err != nil {
			return nil, err
		}
		newKey, err := hexDecode(newHex)
		if err != nil {
			return nil, err
		}
		sig, err := hexDecode(sigHex)
		if err != nil {
			return nil, err
		}
		rotations = append(rotations, Rotation{OldKey: oldKey, NewKey: newKey, RotatedAt: rotatedAt, Signature: sig})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Agent{
		AgentID:      agentID,
		CurrentKey:   currentKey,
		RegisteredAt: registeredAt,
		Rotations:    rotations,
	}, nil
}
