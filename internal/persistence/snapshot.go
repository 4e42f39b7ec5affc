// Package persistence stores whole-ledger snapshots in Postgres. The
// aggregate is serialized losslessly to JSON; restoring the latest
// snapshot reproduces every entity, index, and counter exactly.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"BitVault/internal/ledger"
	"BitVault/internal/observability"
)

// FormatVersion is embedded in every snapshot. A loader refuses formats
// newer than it knows how to decode.
const FormatVersion = 1

// SnapshotData is the wire form of a persisted ledger.
type SnapshotData struct {
	FormatVersion int            `json:"format_version"`
	TakenAt       time.Time      `json:"taken_at"`
	Ledger        *ledger.Ledger `json:"ledger"`
}

// MarshalLedger encodes the aggregate into the snapshot wire form.
func MarshalLedger(l *ledger.Ledger, takenAt time.Time) ([]byte, error) {
	data := SnapshotData{
		FormatVersion: FormatVersion,
		TakenAt:       takenAt,
		Ledger:        l,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return raw, nil
}

// UnmarshalLedger decodes the snapshot wire form back into an aggregate.
func UnmarshalLedger(raw []byte) (*ledger.Ledger, time.Time, error) {
	var data SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if data.FormatVersion > FormatVersion {
		return nil, time.Time{}, fmt.Errorf("snapshot format %d is newer than supported %d",
			data.FormatVersion, FormatVersion)
	}
	if data.Ledger == nil {
		return nil, time.Time{}, fmt.Errorf("snapshot has no ledger payload")
	}
	return data.Ledger, data.TakenAt, nil
}

// Gateway persists and loads snapshots.
type Gateway struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewGateway(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Gateway {
	return &Gateway{db: db, log: log, metrics: metrics}
}

// Save writes the aggregate as a new snapshot row and returns its id.
func (g *Gateway) Save(ctx context.Context, l *ledger.Ledger) (string, error) {
	start := time.Now()
	takenAt := start.UTC()

	raw, err := MarshalLedger(l, takenAt)
	if err != nil {
		g.snapshotError()
		return "", err
	}

	id := uuid.New().String()
	const q = `
		INSERT INTO snapshots (id, taken_at, format_version, payload)
		VALUES ($1, $2, $3, $4)`
	if _, err := g.db.ExecContext(ctx, q, id, takenAt, FormatVersion, raw); err != nil {
		g.snapshotError()
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	if g.metrics != nil {
		g.metrics.SnapshotTaken.Inc()
		g.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		g.metrics.SnapshotSizeBytes.Set(float64(len(raw)))
	}
	g.log.Info().Str("snapshot_id", id).Int("bytes", len(raw)).
		Int("collateral_units", len(l.Collateral)).Int("loans", len(l.Loans)).
		Msg("snapshot saved")
	return id, nil
}

// LoadLatest returns the most recent snapshot's aggregate, or (nil, nil)
// when no snapshot exists yet.
func (g *Gateway) LoadLatest(ctx context.Context) (*ledger.Ledger, error) {
	const q = `
		SELECT id, payload FROM snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT 1`

	var (
		id  string
		raw []byte
	)
	err := g.db.QueryRowContext(ctx, q).Scan(&id, &raw)
	if err == sql.ErrNoRows {
		g.log.Info().Msg("no snapshot found, starting from an empty ledger")
		return nil, nil
	}
	if err != nil {
		g.snapshotError()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	l, takenAt, err := UnmarshalLedger(raw)
	if err != nil {
		g.snapshotError()
		return nil, err
	}
	g.log.Info().Str("snapshot_id", id).Time("taken_at", takenAt).
		Int("collateral_units", len(l.Collateral)).Int("loans", len(l.Loans)).
		Msg("snapshot restored")
	return l, nil
}

// Prune deletes all but the newest keep snapshots.
func (g *Gateway) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	const q = `
		DELETE FROM snapshots
		WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT $1
		)`
	res, err := g.db.ExecContext(ctx, q, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		g.log.Debug().Int64("deleted", n).Msg("old snapshots pruned")
	}
	return n, nil
}

func (g *Gateway) snapshotError() {
	if g.metrics != nil {
		g.metrics.SnapshotErrors.Inc()
	}
}
