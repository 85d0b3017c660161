package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"reqline/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

// --- runs ---

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO runs(id,node_id,status,started_at) VALUES (?,?,?,?)`,
		run.ID, run.NodeID, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r Repo) UpdateRun(ctx context.Context, run domain.Run) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE runs SET status=?, failure_kind=?, reason=?, agreement_id=?, activity_id=?, finished_at=? WHERE id=?`,
		run.Status, nullable(run.FailureKind), nullable(run.Reason), run.AgreementID, run.ActivityID, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,node_id,status,failure_kind,reason,agreement_id,activity_id,started_at,finished_at FROM runs WHERE id=?`, id)
	return scanRun(row)
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,node_id,status,failure_kind,reason,agreement_id,activity_id,started_at,finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var failureKind, reason sql.NullString
	err := row.Scan(&run.ID, &run.NodeID, &run.Status, &failureKind, &reason,
		&run.AgreementID, &run.ActivityID, &run.StartedAt, &run.FinishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.FailureKind = failureKind.String
	run.Reason = reason.String
	return run, nil
}

// --- agreements ---

func (r Repo) InsertAgreement(ctx context.Context, a domain.Agreement) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO agreements(id,run_id,proposal_id,provider_id,state,price,valid_to,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.ProposalID, a.ProviderID, a.State, a.Price, a.ValidTo, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agreement: %w", err)
	}
	return nil
}

func (r Repo) UpdateAgreementState(ctx context.Context, id, state string, approvedAt *string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE agreements SET state=?, approved_at=COALESCE(?, approved_at) WHERE id=?`, state, approvedAt, id)
	if err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	var a domain.Agreement
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,run_id,proposal_id,provider_id,state,price,valid_to,created_at,approved_at FROM agreements WHERE id=?`, id).
		Scan(&a.ID, &a.RunID, &a.ProposalID, &a.ProviderID, &a.State, &a.Price, &a.ValidTo, &a.CreatedAt, &a.ApprovedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// --- activities ---

func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO activities(id,run_id,agreement_id,state,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.RunID, a.AgreementID, a.State, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (r Repo) UpdateActivityState(ctx context.Context, id, state, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE activities SET state=?, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	var a domain.Activity
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,run_id,agreement_id,state,created_at,updated_at FROM activities WHERE id=?`, id).
		Scan(&a.ID, &a.RunID, &a.AgreementID, &a.State, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// --- reports ---

func (r Repo) UpsertReport(ctx context.Context, rep domain.ExecutionReport) error {
	commands, err := json.Marshal(rep.Commands)
	if err != nil {
		return fmt.Errorf("marshal report commands: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO reports(run_id,activity_id,success,commands_json,reason,started_at,finished_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET activity_id=excluded.activity_id, success=excluded.success,
		   commands_json=excluded.commands_json, reason=excluded.reason, finished_at=excluded.finished_at`,
		rep.RunID, rep.ActivityID, boolInt(rep.Success), string(commands), nullable(rep.Reason), rep.StartedAt, rep.FinishedAt)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

func (r Repo) GetReport(ctx context.Context, runID string) (domain.ExecutionReport, error) {
	var rep domain.ExecutionReport
	var success int
	var commands, reason sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT run_id,activity_id,success,commands_json,reason,started_at,finished_at FROM reports WHERE run_id=?`, runID).
		Scan(&rep.RunID, &rep.ActivityID, &success, &commands, &reason, &rep.StartedAt, &rep.FinishedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.Success = success != 0
	rep.Reason = reason.String
	if commands.Valid && commands.String != "" {
		if err := json.Unmarshal([]byte(commands.String), &rep.Commands); err != nil {
			return rep, fmt.Errorf("unmarshal report commands: %w", err)
		}
	}
	return rep, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, entityKind string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id,ts,type,run_id,entity_kind,entity_id,payload_json FROM events WHERE 1=1`
	var args []any
	if runID != "" {
		q += ` AND run_id=?`
		args = append(args, runID)
	}
	if evtType != "" {
		q += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		q += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,run_id,entity_kind,entity_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var evt domain.Event
	var runID, entityID sql.NullString
	if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &runID, &evt.EntityKind, &entityID, &evt.Payload); err != nil {
		return evt, err
	}
	evt.RunID = runID.String
	evt.EntityID = entityID.String
	return evt, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
