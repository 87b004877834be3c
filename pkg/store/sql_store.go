package store

import (
	"bytes"
	"compress/flate"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lib/pq"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/registry"
)

// SQLChainStore implements ChainStore over database/sql, backed by either
// Postgres (github.com/lib/pq) or SQLite (modernc.org/sqlite), selected by
// Dialect at construction. It enforces chain invariants 2-4 and 6 in the
// application layer (for fast, specific error reporting) and again via
// triggers installed by Init — the defense-in-depth line of §4.4 that
// holds even against a SQL client bypassing the Ingestion Pipeline.
type SQLChainStore struct {
	db      *sql.DB
	dialect registry.Dialect
}

func NewSQLChainStore(db *sql.DB, dialect registry.Dialect) *SQLChainStore {
	return &SQLChainStore{db: db, dialect: dialect}
}

func (s *SQLChainStore) ph(n int) string {
	if s.dialect == registry.DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

const schemaPostgresBatches = `
CREATE TABLE IF NOT EXISTS batches (
	id BIGSERIAL PRIMARY KEY,
	hash CHAR(64) NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	prev_hash CHAR(64) NOT NULL,
	timestamp BIGINT NOT NULL,
	lines_json JSONB NOT NULL,
	lines_compressed BYTEA NOT NULL,
	signature CHAR(128) NOT NULL,
	received_at BIGINT NOT NULL,
	UNIQUE (agent_id, seq)
);
`

const schemaSQLiteBatches = `
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	prev_hash TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	lines_json TEXT NOT NULL,
	lines_compressed BLOB NOT NULL,
	signature TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	UNIQUE (agent_id, seq)
);
`

// triggersPostgres rejects mutation of existing rows and enforces the
// contiguous-sequence and prev_hash-extends-head rules at the storage
// layer, independent of the application code above.
const triggersPostgres = `
CREATE OR REPLACE FUNCTION batches_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'batches is append-only: % not permitted', TG_OP;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS batches_no_update ON batches;
CREATE TRIGGER batches_no_update BEFORE UPDATE ON batches
	FOR EACH ROW EXECUTE FUNCTION batches_reject_mutation();

DROP TRIGGER IF EXISTS batches_no_delete ON batches;
CREATE TRIGGER batches_no_delete BEFORE DELETE ON batches
	FOR EACH ROW EXECUTE FUNCTION batches_reject_mutation();

CREATE OR REPLACE FUNCTION batches_check_chain() RETURNS trigger AS $$
DECLARE
	expected_seq BIGINT;
	expected_prev CHAR(64);
	zero_hash CHAR(64) := repeat('0', 64);
BEGIN
	SELECT COALESCE(MAX(seq), 0) + 1, (SELECT hash FROM batches b2 WHERE b2.agent_id = NEW.agent_id AND b2.seq = (SELECT MAX(seq) FROM batches b3 WHERE b3.agent_id = NEW.agent_id))
	INTO expected_seq, expected_prev
	FROM batches WHERE agent_id = NEW.agent_id;

	IF expected_prev IS NULL THEN
		expected_prev := zero_hash;
	END IF;

	IF NEW.seq != expected_seq THEN
		RAISE EXCEPTION 'chain violation: agent % expected seq % got %', NEW.agent_id, expected_seq, NEW.seq;
	END IF;
	IF NEW.prev_hash != expected_prev THEN
		RAISE EXCEPTION 'chain violation: agent % expected prev_hash % got %', NEW.agent_id, expected_prev, NEW.prev_hash;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS batches_chain_check ON batches;
CREATE TRIGGER batches_chain_check BEFORE INSERT ON batches
	FOR EACH ROW EXECUTE FUNCTION batches_check_chain();
`

// triggersSQLite implements the same defense-in-depth checks using
// SQLite's RAISE(ABORT, ...) trigger idiom.
const triggersSQLite = `
CREATE TRIGGER IF NOT EXISTS batches_no_update
BEFORE UPDATE ON batches
BEGIN
	SELECT RAISE(ABORT, 'batches is append-only: UPDATE not permitted');
END;

CREATE TRIGGER IF NOT EXISTS batches_no_delete
BEFORE DELETE ON batches
BEGIN
	SELECT RAISE(ABORT, 'batches is append-only: DELETE not permitted');
END;

CREATE TRIGGER IF NOT EXISTS batches_chain_check
BEFORE INSERT ON batches
WHEN NEW.seq != (SELECT COALESCE(MAX(seq), 0) + 1 FROM batches WHERE agent_id = NEW.agent_id)
  OR NEW.prev_hash != (SELECT COALESCE((SELECT hash FROM batches WHERE agent_id = NEW.agent_id ORDER BY seq DESC LIMIT 1), '0000000000000000000000000000000000000000000000000000000000000000'))
BEGIN
	SELECT RAISE(ABORT, 'chain violation: insert does not extend stored chain');
END;
`

// Init creates the batches table and installs the append-only and
// chain-continuity triggers. It is idempotent: safe to call on every
// server start.
func (s *SQLChainStore) Init(ctx context.Context) error {
	schema := schemaPostgresBatches
	triggers := triggersPostgres
	if s.dialect == registry.DialectSQLite {
		schema = schemaSQLiteBatches
		triggers = triggersSQLite
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: creating batches table: %w", err)
	}
	if s.dialect == registry.DialectSQLite {
		for _, stmt := range strings.Split(triggers, ";\n\n") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt+";"); err != nil {
				return fmt.Errorf("store: installing trigger: %w", err)
			}
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, triggers); err != nil {
		return fmt.Errorf("store: installing triggers: %w", err)
	}
	return nil
}

func (s *SQLChainStore) Append(ctx context.Context, batch *codec.Batch, receivedAtMillis int64) (*StoredBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	hashHex := hex.EncodeToString(batch.Hash[:])

	var existingID int64
	q := fmt.Sprintf("SELECT id FROM batches WHERE hash = %s", s.ph(1))
	err = tx.QueryRowContext(ctx, q, hashHex).Scan(&existingID)
	if err == nil {
		existing, getErr := s.getByIDTx(ctx, tx, existingID)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrDuplicateHash
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: checking duplicate hash: %w", err)
	}

	var maxSeq sql.NullInt64
	var latestHash sql.NullString
	headQ := fmt.Sprintf(
		"SELECT seq, hash FROM batches WHERE agent_id = %s ORDER BY seq DESC LIMIT 1",
		s.ph(1),
	)
	err = tx.QueryRowContext(ctx, headQ, batch.AgentID).Scan(&maxSeq, &latestHash)
	var expectedSeq uint64 = 1
	expectedPrev := codec.ZeroHash
	if err == nil {
		expectedSeq = uint64(maxSeq.Int64) + 1
		prevBytes, decErr := hex.DecodeString(latestHash.String)
		if decErr != nil || len(prevBytes) != codec.HashSize {
			return nil, fmt.Errorf("store: corrupt stored hash for agent %s: %w", batch.AgentID, decErr)
		}
		copy(expectedPrev[:], prevBytes)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: reading chain head: %w", err)
	}

	if batch.Seq != expectedSeq || batch.PrevHash != expectedPrev {
		return nil, &ChainViolationError{ExpectedSeq: expectedSeq, ExpectedPrevHash: expectedPrev}
	}

	linesJSON, err := json.Marshal(batch.Lines)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling lines: %w", err)
	}
	compressed, err := deflate(linesJSON)
	if err != nil {
		return nil, fmt.Errorf("store: compressing lines: %w", err)
	}

	insert := fmt.Sprintf(
		`INSERT INTO batches (hash, agent_id, seq, prev_hash, timestamp, lines_json, lines_compressed, signature, received_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9),
	)
	res, err := tx.ExecContext(ctx, insert,
		hashHex,
		batch.AgentID,
		batch.Seq,
		hex.EncodeToString(batch.PrevHash[:]),
		batch.Timestamp,
		string(linesJSON),
		compressed,
		hex.EncodeToString(batch.Signature[:]),
		receivedAtMillis,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w (detected at insert time): %v", ErrDuplicateHash, err)
		}
		if isChainTriggerViolation(err) {
			return nil, &ChainViolationError{ExpectedSeq: expectedSeq, ExpectedPrevHash: expectedPrev}
		}
		return nil, fmt.Errorf("store: inserting batch: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		// Postgres drivers without RETURNING support may not implement
		// LastInsertId; fall back to looking the row up by hash.
		if lookupErr := tx.QueryRowContext(ctx, q, hashHex).Scan(&id); lookupErr != nil {
			return nil, fmt.Errorf("store: resolving inserted id: %w", lookupErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing append: %w", err)
	}

	return &StoredBatch{ID: id, Batch: *batch, ReceivedAt: receivedAtMillis}, nil
}

func (s *SQLChainStore) getByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*StoredBatch, error) {
	q := fmt.Sprintf(
		"SELECT id, agent_id, seq, prev_hash, timestamp, lines_json, hash, signature, received_at FROM batches WHERE id = %s",
		s.ph(1),
	)
	row := tx.QueryRowContext(ctx, q, id)
	return scanStoredBatch(row)
}

func (s *SQLChainStore) GetBatch(ctx context.Context, id int64) (*StoredBatch, error) {
	q := fmt.Sprintf(
		"SELECT id, agent_id, seq, prev_hash, timestamp, lines_json, hash, signature, received_at FROM batches WHERE id = %s",
		s.ph(1),
	)
	row := s.db.QueryRowContext(ctx, q, id)
	b, err := scanStoredBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *SQLChainStore) GetBatchByHash(ctx context.Context, hash [codec.HashSize]byte) (*StoredBatch, error) {
	q := fmt.Sprintf(
		"SELECT id, agent_id, seq, prev_hash, timestamp, lines_json, hash, signature, received_at FROM batches WHERE hash = %s",
		s.ph(1),
	)
	row := s.db.QueryRowContext(ctx, q, hex.EncodeToString(hash[:]))
	b, err := scanStoredBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *SQLChainStore) ChainHead(ctx context.Context, agentID string) (*ChainHead, error) {
	q := fmt.Sprintf(
		"SELECT seq, hash FROM batches WHERE agent_id = %s ORDER BY seq DESC LIMIT 1",
		s.ph(1),
	)
	var seq int64
	var hashHex string
	err := s.db.QueryRowContext(ctx, q, agentID).Scan(&seq, &hashHex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading chain head: %w", err)
	}
	var hash [codec.HashSize]byte
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != codec.HashSize {
		return nil, fmt.Errorf("store: corrupt stored hash for agent %s", agentID)
	}
	copy(hash[:], raw)
	return &ChainHead{AgentID: agentID, LatestSeq: uint64(seq), LatestHash: hash}, nil
}

func (s *SQLChainStore) ListBatches(ctx context.Context, filter Filter) ([]*StoredBatch, error) {
	var conditions []string
	var args []interface{}
	argN := 1

	addCond := func(cond string, arg interface{}) {
		conditions = append(conditions, fmt.Sprintf(cond, s.ph(argN)))
		args = append(args, arg)
		argN++
	}

	if filter.AgentID != "" {
		addCond("agent_id = %s", filter.AgentID)
	}
	if filter.SinceSeq > 0 {
		addCond("seq >= %s", filter.SinceSeq)
	}
	if filter.SinceTimestamp != nil {
		addCond("timestamp >= %s", *filter.SinceTimestamp)
	}
	if filter.UntilTimestamp != nil {
		addCond("timestamp <= %s", *filter.UntilTimestamp)
	}
	if filter.LogSubstring != "" {
		// Case-sensitive in both dialects: SQLite's LIKE folds ASCII case,
		// so SQLite uses instr; Postgres LIKE is case-sensitive but has no
		// jsonb operand, so the column is cast to text.
		if s.dialect == registry.DialectSQLite {
			addCond("instr(lines_json, %s) > 0", filter.LogSubstring)
		} else {
			addCond("lines_json::text LIKE %s", "%"+escapeLike(filter.LogSubstring)+"%")
		}
	}

	query := "SELECT id, agent_id, seq, prev_hash, timestamp, lines_json, hash, signature, received_at FROM batches"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY agent_id ASC, seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", s.ph(argN))
		args = append(args, filter.Limit)
		argN++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %s", s.ph(argN))
		args = append(args, filter.Offset)
		argN++
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StoredBatch
	for rows.Next() {
		b, err := scanStoredBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLChainStore) Checkpoints(ctx context.Context) ([]ChainHead, error) {
	query := `
		SELECT b.agent_id, b.seq, b.hash FROM batches b
		INNER JOIN (SELECT agent_id, MAX(seq) AS max_seq FROM batches GROUP BY agent_id) latest
			ON b.agent_id = latest.agent_id AND b.seq = latest.max_seq
		ORDER BY b.agent_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: listing checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChainHead
	for rows.Next() {
		var agentID, hashHex string
		var seq int64
		if err := rows.Scan(&agentID, &seq, &hashHex); err != nil {
			return nil, err
		}
		var hash [codec.HashSize]byte
		raw, err := hex.DecodeString(hashHex)
		if err != nil || len(raw) != codec.HashSize {
			return nil, fmt.Errorf("store: corrupt stored hash for agent %s", agentID)
		}
		copy(hash[:], raw)
		out = append(out, ChainHead{AgentID: agentID, LatestSeq: uint64(seq), LatestHash: hash})
	}
	return out, rows.Err()
}

// Export reads the compressed line column rather than lines_json: bulk
// export is exactly the "caller explicitly asks for the compressed form"
// case, since a cursor-paginated full-history dump moves far more bytes
// over the wire than any single GetBatch/ListBatches call ever does.
func (s *SQLChainStore) Export(ctx context.Context, afterID int64, limit int) ([]*StoredBatch, error) {
	q := fmt.Sprintf(
		"SELECT id, agent_id, seq, prev_hash, timestamp, lines_compressed, hash, signature, received_at FROM batches WHERE id > %s ORDER BY id ASC LIMIT %s",
		s.ph(1), s.ph(2),
	)
	rows, err := s.db.QueryContext(ctx, q, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: exporting batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StoredBatch
	for rows.Next() {
		b, err := scanStoredBatchCompressed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Snapshot writes a standalone copy of the database to destPath via
// SQLite's VACUUM INTO. It is only meaningful for the SQLite dialect; the
// Postgres backup story (pg_dump / WAL archiving) is an external operator
// concern outside the chain store.
func (s *SQLChainStore) Snapshot(ctx context.Context, destPath string) error {
	if s.dialect != registry.DialectSQLite {
		return errors.New("store: Snapshot via VACUUM INTO is only supported for the sqlite dialect")
	}
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("store: vacuum into %s: %w", destPath, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanStoredBatch(row scannable) (*StoredBatch, error) {
	var (
		id                                   int64
		agentID, prevHashHex, hashHex, sigHex string
		seq                                  int64
		ts                                   int64
		linesJSON                            string
		receivedAt                           int64
	)
	if err := row.Scan(&id, &agentID, &seq, &prevHashHex, &ts, &linesJSON, &hashHex, &sigHex, &receivedAt); err != nil {
		return nil, err
	}

	var lines []string
	if err := json.Unmarshal([]byte(linesJSON), &lines); err != nil {
		return nil, fmt.Errorf("store: corrupt lines_json for batch %d: %w", id, err)
	}

	b := codec.Batch{
		AgentID:   agentID,
		Seq:       uint64(seq),
		Timestamp: ts,
		Lines:     lines,
	}
	if err := decodeFixedInto(b.PrevHash[:], prevHashHex); err != nil {
		return nil, err
	}
	if err := decodeFixedInto(b.Hash[:], hashHex); err != nil {
		return nil, err
	}
	if err := decodeFixedInto(b.Signature[:], sigHex); err != nil {
		return nil, err
	}

	return &StoredBatch{ID: id, Batch: b, ReceivedAt: receivedAt}, nil
}

// scanStoredBatchCompressed is scanStoredBatch's counterpart for queries
// that select lines_compressed instead of lines_json: it inflates the
// DEFLATE blob back into the line vector on the way out.
func scanStoredBatchCompressed(row scannable) (*StoredBatch, error) {
	var (
		id                                   int64
		agentID, prevHashHex, hashHex, sigHex string
		seq                                  int64
		ts                                   int64
		compressed                           []byte
		receivedAt                           int64
	)
	if err := row.Scan(&id, &agentID, &seq, &prevHashHex, &ts, &compressed, &hashHex, &sigHex, &receivedAt); err != nil {
		return nil, err
	}

	linesJSON, err := inflate(compressed)
	if err != nil {
		return nil, fmt.Errorf("store: inflating lines_compressed for batch %d: %w", id, err)
	}
	var lines []string
	if err := json.Unmarshal(linesJSON, &lines); err != nil {
		return nil, fmt.Errorf("store: corrupt lines_compressed for batch %d: %w", id, err)
	}

	b := codec.Batch{
		AgentID:   agentID,
		Seq:       uint64(seq),
		Timestamp: ts,
		Lines:     lines,
	}
	if err := decodeFixedInto(b.PrevHash[:], prevHashHex); err != nil {
		return nil, err
	}
	if err := decodeFixedInto(b.Hash[:], hashHex); err != nil {
		return nil, err
	}
	if err := decodeFixedInto(b.Signature[:], sigHex); err != nil {
		return nil, err
	}

	return &StoredBatch{ID: id, Batch: b, ReceivedAt: receivedAt}, nil
}

func decodeFixedInto(dst []byte, hexStr string) error {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return fmt.Errorf("store: invalid hex: %w", err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("store: expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate reverses deflate; exposed for readers that prefer the
// compressed column over lines_json.
func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return replacer.Replace(s)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}

func isChainTriggerViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "chain violation") || strings.Contains(msg, "append-only")
}
