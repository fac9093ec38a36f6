package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// StartRun inserts a running run and returns its id
func (j *Journal) StartRun(command, image, target, targetKind string) (int64, error) {
	res, err := j.conn.Exec(`
		INSERT INTO runs (command, image, target, target_kind, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, command, image, target, targetKind, StatusRunning, j.now())
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}

	return res.LastInsertId()
}

// SetDevice records the block device later stages operated on
func (j *Journal) SetDevice(runID int64, device string) error {
	if _, err := j.conn.Exec("UPDATE runs SET device = ? WHERE id = ?", device, runID); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final status
func (j *Journal) FinishRun(runID int64, status string, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}

	_, err := j.conn.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`, status, msg, j.now(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return nil
}

// RecordStage logs a stage outcome
func (j *Journal) RecordStage(runID int64, stage, outcome string, details map[string]any) error {
	var detailsJSON sql.NullString
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err == nil {
			detailsJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := j.conn.Exec(`
		INSERT INTO stage_events (run_id, stage, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, runID, stage, outcome, detailsJSON, j.now())
	if err != nil {
		return fmt.Errorf("failed to record stage: %w", err)
	}

	return nil
}

// RecentRuns returns the most recent runs, newest first
func (j *Journal) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.conn.Query(`
		SELECT id, command, image, target, target_kind, device, status, error, started_at, finished_at
		FROM runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// GetRun returns a run by id, or nil when absent
func (j *Journal) GetRun(id int64) (*Run, error) {
	rows, err := j.conn.Query(`
		SELECT id, command, image, target, target_kind, device, status, error, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// Stages returns the stage events of a run in order
func (j *Journal) Stages(runID int64) ([]*StageEvent, error) {
	rows, err := j.conn.Query(`
		SELECT id, run_id, stage, outcome, details, timestamp
		FROM stage_events
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage events: %w", err)
	}
	defer rows.Close()

	var events []*StageEvent
	for rows.Next() {
		var ev StageEvent
		var details sql.NullString

		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Stage, &ev.Outcome, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan stage event: %w", err)
		}
		ev.Details = details.String

		events = append(events, &ev)
	}

	return events, rows.Err()
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var image, target, targetKind, device, runErr sql.NullString
		var finished sql.NullTime

		err := rows.Scan(
			&run.ID, &run.Command, &image, &target, &targetKind, &device,
			&run.Status, &runErr, &run.StartedAt, &finished,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.Image = image.String
		run.Target = target.String
		run.TargetKind = targetKind.String
		run.Device = device.String
		run.Error = runErr.String
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}

		runs = append(runs, &run)
	}

	return runs, rows.Err()
}
