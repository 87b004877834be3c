// Command logchain-verify independently replays every batch in a Logchain
// database and re-derives the per-agent chains and signatures, rather than
// trusting the server's own bookkeeping.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/crypto"
	"github.com/logchain/logchain/pkg/registry"
	"github.com/logchain/logchain/pkg/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("logchain-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "database to verify")
	pageSize := fs.Int("page-size", 1000, "export page size")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dbURL == "" {
		fmt.Fprintln(stderr, "Error: --database-url is required (or set DATABASE_URL)")
		return 2
	}

	report, err := verifyDatabase(context.Background(), *dbURL, *pageSize)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	for _, issue := range report.Issues {
		fmt.Fprintln(stdout, issue)
	}
	fmt.Fprintf(stdout, "checked %d batches across %d agents: ", report.BatchesChecked, len(report.ChainHeads))
	if len(report.Issues) == 0 {
		fmt.Fprintln(stdout, "OK")
		return 0
	}
	fmt.Fprintf(stdout, "%d issue(s) found\n", len(report.Issues))
	return 1
}

// Report summarizes an independent replay of the stored chain.
type Report struct {
	BatchesChecked int
	ChainHeads     map[string]store.ChainHead
	Issues         []string
}

func verifyDatabase(ctx context.Context, dbURL string, pageSize int) (*Report, error) {
	dialect, driverName, dsn := parseDatabaseURL(dbURL)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	chainStore := store.NewSQLChainStore(db, dialect)
	reg := registry.NewSQLRegistry(db, dialect, func(oldKey, newKey, sig []byte) (bool, error) {
		return crypto.Verify(hex.EncodeToString(oldKey), hex.EncodeToString(sig), newKey)
	})

	report := &Report{ChainHeads: make(map[string]store.ChainHead)}

	var afterID int64
	expectedSeq := make(map[string]uint64)
	expectedPrev := make(map[string][codec.HashSize]byte)

	for {
		page, err := chainStore.Export(ctx, afterID, pageSize)
		if err != nil {
			return nil, fmt.Errorf("exporting batches: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, stored := range page {
			b := stored.Batch
			report.BatchesChecked++
			afterID = stored.ID

			wantSeq := expectedSeq[b.AgentID]
			if wantSeq == 0 {
				wantSeq = 1
			}
			if b.Seq != wantSeq {
				report.Issues = append(report.Issues, fmt.Sprintf(
					"agent %s: expected seq %d, found %d at id %d", b.AgentID, wantSeq, b.Seq, stored.ID))
			} else if wantSeq > 1 && b.PrevHash != expectedPrev[b.AgentID] {
				report.Issues = append(report.Issues, fmt.Sprintf(
					"agent %s: prev_hash mismatch at seq %d", b.AgentID, b.Seq))
			}

			recomputed := crypto.SHA256(codec.Canonical(&b))
			if recomputed != b.Hash {
				report.Issues = append(report.Issues, fmt.Sprintf(
					"agent %s: hash mismatch at seq %d (stored content does not match its own hash)", b.AgentID, b.Seq))
			}

			key, err := reg.LookupAt(ctx, b.AgentID, unixMillisToTime(stored.ReceivedAt))
			if err != nil {
				report.Issues = append(report.Issues, fmt.Sprintf(
					"agent %s: cannot resolve signing key at seq %d: %v", b.AgentID, b.Seq, err))
			} else {
				ok, err := crypto.Verify(hex.EncodeToString(key), hex.EncodeToString(b.Signature[:]), b.Hash[:])
				if err != nil || !ok {
					report.Issues = append(report.Issues, fmt.Sprintf(
						"agent %s: signature does not verify at seq %d", b.AgentID, b.Seq))
				}
			}

			expectedSeq[b.AgentID] = b.Seq + 1
			expectedPrev[b.AgentID] = b.Hash
			report.ChainHeads[b.AgentID] = store.ChainHead{AgentID: b.AgentID, LatestSeq: b.Seq, LatestHash: b.Hash}
		}
	}

	return report, nil
}

func unixMillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func parseDatabaseURL(raw string) (dialect registry.Dialect, driverName, dsn string) {
	if strings.HasPrefix(raw, "sqlite://") {
		return registry.DialectSQLite, "sqlite", strings.TrimPrefix(raw, "sqlite://")
	}
	return registry.DialectPostgres, "postgres", raw
}
