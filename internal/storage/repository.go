package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoCheckpoint is returned when a run has no saved state.
	ErrNoCheckpoint = errors.New("storage: no checkpoint")
)

const (
	insertRunSQL = `INSERT INTO simulation_runs (id, name, config, status)
    VALUES ($1,$2,$3,$4)
    RETURNING id, name, config, status, last_tick, error, created_at, updated_at;`

	updateRunSQL = `UPDATE simulation_runs
    SET status = $2, last_tick = $3, error = $4, updated_at = now()
    WHERE id = $1;`

	selectRunColumns = `SELECT id, name, config, status, last_tick, error, created_at, updated_at
    FROM simulation_runs`

	getRunSQL = selectRunColumns + ` WHERE id = $1;`

	listRunsSQL = selectRunColumns + ` ORDER BY created_at DESC LIMIT $1;`

	upsertSummarySQL = `INSERT INTO tick_summaries (
        run_id,
        tick,
        event_count,
        settled,
        settled_value,
        central_queued,
        internal_queued,
        lsm,
        costs,
        end_of_day
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (run_id, tick) DO UPDATE
    SET
        event_count     = EXCLUDED.event_count,
        settled         = EXCLUDED.settled,
        settled_value   = EXCLUDED.settled_value,
        central_queued  = EXCLUDED.central_queued,
        internal_queued = EXCLUDED.internal_queued,
        lsm             = EXCLUDED.lsm,
        costs           = EXCLUDED.costs,
        end_of_day      = EXCLUDED.end_of_day;`

	upsertEventSQL = `INSERT INTO tick_events (run_id, tick, seq, kind, payload)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (run_id, tick, seq) DO UPDATE
    SET kind = EXCLUDED.kind, payload = EXCLUDED.payload;`

	upsertSnapshotSQL = `INSERT INTO agent_snapshots (
        run_id,
        tick,
        agent_id,
        balance,
        available_liquidity,
        credit_used,
        posted_collateral,
        queue_value,
        total_costs,
        state
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (run_id, tick, agent_id) DO UPDATE
    SET
        balance             = EXCLUDED.balance,
        available_liquidity = EXCLUDED.available_liquidity,
        credit_used         = EXCLUDED.credit_used,
        posted_collateral   = EXCLUDED.posted_collateral,
        queue_value         = EXCLUDED.queue_value,
        total_costs         = EXCLUDED.total_costs,
        state               = EXCLUDED.state;`

	listSummariesSQL = `SELECT
        run_id,
        tick,
        event_count,
        settled,
        settled_value,
        central_queued,
        internal_queued,
        lsm,
        costs,
        end_of_day,
        created_at
    FROM tick_summaries
    WHERE run_id = $1
    ORDER BY tick
    LIMIT $2;`

	listEventsSQL = `SELECT run_id, tick, seq, kind, payload
    FROM tick_events
    WHERE run_id = $1
      AND tick >= $2
      AND tick < $3
      AND (cardinality($4::text[]) = 0 OR kind = ANY($4))
    ORDER BY tick, seq
    LIMIT $5;`

	listSnapshotsSQL = `SELECT
        run_id,
        tick,
        agent_id,
        balance,
        available_liquidity,
        credit_used,
        posted_collateral,
        queue_value,
        total_costs,
        state
    FROM agent_snapshots
    WHERE run_id = $1
      AND ($2::text = '' OR agent_id = $2)
    ORDER BY tick, agent_id
    LIMIT $3;`

	insertCheckpointSQL = `INSERT INTO checkpoints (run_id, tick, digest, state)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (run_id, tick) DO UPDATE
    SET digest = EXCLUDED.digest, state = EXCLUDED.state, created_at = now();`

	latestCheckpointSQL = `SELECT run_id, tick, digest, state, created_at
    FROM checkpoints
    WHERE run_id = $1
    ORDER BY tick DESC
    LIMIT 1;`

	insertAlertSQL = `INSERT INTO alerts (run_id, tick, kind, subject, message, channels)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (run_id, tick, kind, subject) DO UPDATE
    SET message = EXCLUDED.message, channels = EXCLUDED.channels
    RETURNING id, run_id, tick, kind, subject, message, channels, created_at;`

	listRecentAlertsSQL = `SELECT id, run_id, tick, kind, subject, message, channels, created_at
    FROM alerts
    WHERE run_id = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore tracks simulation runs.
type RunStore interface {
	CreateRun(ctx context.Context, name string, cfg json.RawMessage) (Run, error)
	UpdateRun(ctx context.Context, id uuid.UUID, status string, lastTick int64, errMsg *string) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// TickStore persists per-tick output.
type TickStore interface {
	SaveTick(ctx context.Context, summary TickSummary, events []EventRecord, snapshots []AgentSnapshot) error
	ListSummaries(ctx context.Context, runID uuid.UUID, limit int) ([]TickSummary, error)
	ListEvents(ctx context.Context, runID uuid.UUID, from, to int64, kinds []string, limit int) ([]EventRecord, error)
	ListSnapshots(ctx context.Context, runID uuid.UUID, agentID string, limit int) ([]AgentSnapshot, error)
}

// CheckpointStore keeps saved states for resuming.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID uuid.UUID) (Checkpoint, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, runID uuid.UUID, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to runs, tick output, checkpoints and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateRun registers a new run with a fresh id.
func (s *Store) CreateRun(ctx context.Context, name string, cfg json.RawMessage) (Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return Run{}, err
	}
	run, err := scanRun(pool.QueryRow(ctx, insertRunSQL, uuid.New(), name, []byte(cfg), RunRunning))
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// UpdateRun records the run's status and progress.
func (s *Store) UpdateRun(ctx context.Context, id uuid.UUID, status string, lastTick int64, errMsg *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var msg interface{}
	if errMsg != nil {
		msg = *errMsg
	}
	cmdTag, execErr := pool.Exec(ctx, updateRunSQL, id, status, lastTick, msg)
	if execErr != nil {
		return fmt.Errorf("update run: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return Run{}, err
	}
	run, err := scanRun(pool.QueryRow(ctx, getRunSQL, id))
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns lists the most recent runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// SaveTick writes a tick's summary, events and snapshots in one transaction.
func (s *Store) SaveTick(ctx context.Context, summary TickSummary, events []EventRecord, snapshots []AgentSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := tickBatch(summary, events, snapshots)
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
	if err != nil {
		return fmt.Errorf("save tick %d: %w", summary.Tick, err)
	}
	return nil
}

func tickBatch(summary TickSummary, events []EventRecord, snapshots []AgentSnapshot) *pgx.Batch {
	batch := &pgx.Batch{}
	lsm := summary.LSM
	if len(lsm) == 0 {
		lsm = json.RawMessage(`{}`)
	}
	batch.Queue(upsertSummarySQL,
		summary.RunID,
		summary.Tick,
		summary.EventCount,
		summary.Settled,
		summary.SettledValue.String(),
		summary.CentralQueued,
		summary.InternalQueued,
		[]byte(lsm),
		summary.Costs.String(),
		summary.EndOfDay,
	)
	for _, ev := range events {
		batch.Queue(upsertEventSQL, ev.RunID, ev.Tick, ev.Seq, ev.Kind, []byte(ev.Payload))
	}
	for _, snap := range snapshots {
		batch.Queue(upsertSnapshotSQL,
			snap.RunID,
			snap.Tick,
			snap.AgentID,
			snap.Balance.String(),
			snap.AvailableLiquidity.String(),
			snap.CreditUsed.String(),
			snap.PostedCollateral.String(),
			snap.QueueValue.String(),
			snap.TotalCosts.String(),
			[]byte(snap.State),
		)
	}
	return batch
}

// ListSummaries lists a run's tick summaries in tick order.
func (s *Store) ListSummaries(ctx context.Context, runID uuid.UUID, limit int) ([]TickSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSummariesSQL, runID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list summaries: %w", queryErr)
	}
	defer rows.Close()

	out := make([]TickSummary, 0)
	for rows.Next() {
		var (
			ts           TickSummary
			settledValue string
			costs        string
		)
		if err := rows.Scan(
			&ts.RunID,
			&ts.Tick,
			&ts.EventCount,
			&ts.Settled,
			&settledValue,
			&ts.CentralQueued,
			&ts.InternalQueued,
			&ts.LSM,
			&costs,
			&ts.EndOfDay,
			&ts.CreatedAt,
		); err != nil {
			return nil, err
		}
		if ts.SettledValue, err = decimal.NewFromString(settledValue); err != nil {
			return nil, fmt.Errorf("parse settled value: %w", err)
		}
		if ts.Costs, err = decimal.NewFromString(costs); err != nil {
			return nil, fmt.Errorf("parse costs: %w", err)
		}
		out = append(out, ts)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListEvents lists events of ticks in [from, to), optionally restricted to kinds.
func (s *Store) ListEvents(ctx context.Context, runID uuid.UUID, from, to int64, kinds []string, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if kinds == nil {
		kinds = []string{}
	}

	rows, queryErr := pool.Query(ctx, listEventsSQL, runID, from, to, kinds, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list events: %w", queryErr)
	}
	defer rows.Close()

	out := make([]EventRecord, 0)
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.RunID, &ev.Tick, &ev.Seq, &ev.Kind, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListSnapshots lists agent snapshots of a run; an empty agentID lists all agents.
func (s *Store) ListSnapshots(ctx context.Context, runID uuid.UUID, agentID string, limit int) ([]AgentSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsSQL, runID, agentID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	out := make([]AgentSnapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// SaveCheckpoint stores a state blob for a tick boundary.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertCheckpointSQL, cp.RunID, cp.Tick, cp.Digest, cp.State); execErr != nil {
		return fmt.Errorf("save checkpoint: %w", execErr)
	}
	return nil
}

// LatestCheckpoint returns the checkpoint with the highest tick.
func (s *Store) LatestCheckpoint(ctx context.Context, runID uuid.UUID) (Checkpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return Checkpoint{}, err
	}

	var cp Checkpoint
	scanErr := pool.QueryRow(ctx, latestCheckpointSQL, runID).Scan(&cp.RunID, &cp.Tick, &cp.Digest, &cp.State, &cp.CreatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w for run %s", ErrNoCheckpoint, runID)
	}
	if scanErr != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", scanErr)
	}
	return cp, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.RunID,
		alert.Tick,
		alert.Kind,
		alert.Subject,
		alert.Message,
		alert.Channels,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.Tick,
		&rec.Kind,
		&rec.Subject,
		&rec.Message,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts of a run.
func (s *Store) ListRecentAlerts(ctx context.Context, runID uuid.UUID, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, runID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Tick,
			&rec.Kind,
			&rec.Subject,
			&rec.Message,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run    Run
		errMsg sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.Name,
		&run.Config,
		&run.Status,
		&run.LastTick,
		&errMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return Run{}, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.Error = &msg
	}
	return run, nil
}

func scanSnapshot(rows pgx.Rows) (AgentSnapshot, error) {
	var snap AgentSnapshot
	var balance, available, creditUsed, posted, queued, costs string
	if err := rows.Scan(
		&snap.RunID,
		&snap.Tick,
		&snap.AgentID,
		&balance,
		&available,
		&creditUsed,
		&posted,
		&queued,
		&costs,
		&snap.State,
	); err != nil {
		return AgentSnapshot{}, err
	}

	fields := []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{balance, &snap.Balance, "balance"},
		{available, &snap.AvailableLiquidity, "available liquidity"},
		{creditUsed, &snap.CreditUsed, "credit used"},
		{posted, &snap.PostedCollateral, "posted collateral"},
		{queued, &snap.QueueValue, "queue value"},
		{costs, &snap.TotalCosts, "total costs"},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return AgentSnapshot{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return snap, nil
}
