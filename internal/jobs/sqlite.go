package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chorus/internal/media"
	"chorus/internal/services"
)

// SQLiteStore persists jobs in a SQLite database so a restart does not lose
// queued or terminal records.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    recording_id     TEXT,
    audio_url        TEXT NOT NULL,
    stages_json      TEXT NOT NULL,
    callback_url     TEXT,
    webhook_secret   TEXT,
    voiceprints_json TEXT,
    status           TEXT NOT NULL,
    stage            TEXT NOT NULL DEFAULT '',
    outputs_json     TEXT,
    error_kind       TEXT,
    error_stage      TEXT,
    error_message    TEXT,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_recording ON jobs(recording_id, created_at);
`

// OpenSQLite initializes or connects to the job database at path.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Create validates the spec and inserts a queued job.
func (s *SQLiteStore) Create(ctx context.Context, spec Spec) (*Job, error) {
	job, err := newJob(spec)
	if err != nil {
		return nil, err
	}

	stagesJSON, err := json.Marshal(media.StageStrings(job.Stages))
	if err != nil {
		return nil, fmt.Errorf("marshal stages: %w", err)
	}
	voiceprintsJSON, err := marshalVoiceprints(job.Voiceprints)
	if err != nil {
		return nil, err
	}

	timestamp := job.CreatedAt.Format(time.RFC3339Nano)
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, recording_id, audio_url, stages_json, callback_url,
            webhook_secret, voiceprints_json, status, stage, outputs_json,
            cancel_requested, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		nullableString(job.RecordingID),
		job.AudioURL,
		string(stagesJSON),
		nullableString(job.CallbackURL),
		nullableString(job.WebhookSecret),
		voiceprintsJSON,
		job.Status,
		string(job.Stage),
		nil,
		0,
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return job, nil
}

// Get fetches a job by identifier.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get", "job "+id, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByRecordingID returns the most recently created job for a recording.
func (s *SQLiteStore) GetByRecordingID(ctx context.Context, recordingID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE recording_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		recordingID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get", "recording "+recordingID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job by recording: %w", err)
	}
	return job, nil
}

// Transition performs the compare-and-swap inside a transaction. The final
// UPDATE re-checks the expected (status, stage) pair so a concurrent writer
// that slipped in between read and write still loses cleanly.
func (s *SQLiteStore) Transition(ctx context.Context, id string, expected Expectation, next Status, patch Patch) (*Job, error) {
	ctx = ensureContext(ctx)
	var result *Job
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "", "transition", "job "+id, nil)
		}
		if err != nil {
			return fmt.Errorf("read job for transition: %w", err)
		}
		if !matches(job, expected) || !canTransition(job.Status, next) {
			return services.Wrap(services.ErrConflict, "", "transition",
				"job "+id+" is "+string(job.Status)+", expected "+string(expected.Status), nil)
		}

		priorStage := string(job.Stage)
		applyPatch(job, next, patch)

		outputsJSON, err := marshalOutputs(job.Outputs)
		if err != nil {
			return err
		}
		var errKind, errStage, errMessage any
		if job.Err != nil {
			errKind = job.Err.Kind
			errStage = nullableString(job.Err.Stage)
			errMessage = job.Err.Message
		}

		res, err := tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, stage = ?, outputs_json = ?,
                 error_kind = ?, error_stage = ?, error_message = ?,
                 cancel_requested = ?, updated_at = ?
             WHERE id = ? AND status = ? AND stage = ?`,
			job.Status,
			string(job.Stage),
			outputsJSON,
			errKind,
			errStage,
			errMessage,
			boolToInt(job.CancelRequested),
			job.UpdatedAt.Format(time.RFC3339Nano),
			id,
			expected.Status,
			priorStage,
		)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return services.Wrap(services.ErrConflict, "", "transition",
				"job "+id+" moved past "+string(expected.Status), nil)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RequestCancel sets the advisory cancel flag on a running job.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return services.Wrap(services.ErrConflict, "", "cancel", "job "+id+" is not running", nil)
	}
	return nil
}

// Remove deletes a job outright.
func (s *SQLiteStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns jobs filtered by status set, ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *SQLiteStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// GC removes terminal jobs whose last update precedes the cutoff.
func (s *SQLiteStore) GC(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusSucceeded,
		StatusFailed,
		StatusCancelled,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("gc jobs: %w", err)
	}
	return res.RowsAffected()
}

const jobColumns = "id, recording_id, audio_url, stages_json, callback_url, webhook_secret, voiceprints_json, status, stage, outputs_json, error_kind, error_stage, error_message, cancel_requested, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              string
		recordingID     sql.NullString
		audioURL        string
		stagesJSON      string
		callbackURL     sql.NullString
		webhookSecret   sql.NullString
		voiceprintsJSON sql.NullString
		statusStr       string
		stageStr        string
		outputsJSON     sql.NullString
		errKind         sql.NullString
		errStage        sql.NullString
		errMessage      sql.NullString
		cancelRequested sql.NullInt64
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&recordingID,
		&audioURL,
		&stagesJSON,
		&callbackURL,
		&webhookSecret,
		&voiceprintsJSON,
		&statusStr,
		&stageStr,
		&outputsJSON,
		&errKind,
		&errStage,
		&errMessage,
		&cancelRequested,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:            id,
		RecordingID:   recordingID.String,
		AudioURL:      audioURL,
		CallbackURL:   callbackURL.String,
		WebhookSecret: webhookSecret.String,
		Status:        Status(statusStr),
		Stage:         media.StageName(stageStr),
	}

	var stageNames []string
	if err := json.Unmarshal([]byte(stagesJSON), &stageNames); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	stages, err := media.ParseStages(stageNames)
	if err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	job.Stages = stages

	if voiceprintsJSON.Valid && voiceprintsJSON.String != "" {
		if err := json.Unmarshal([]byte(voiceprintsJSON.String), &job.Voiceprints); err != nil {
			return nil, fmt.Errorf("decode voiceprints: %w", err)
		}
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &job.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if errKind.Valid || errMessage.Valid {
		job.Err = &JobError{
			Kind:    errKind.String,
			Stage:   errStage.String,
			Message: errMessage.String,
		}
	}
	if cancelRequested.Valid {
		job.CancelRequested = cancelRequested.Int64 != 0
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

func marshalOutputs(outputs media.StageOutputs) (any, error) {
	if outputs.Len() == 0 {
		return nil, nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	return string(data), nil
}

func marshalVoiceprints(voiceprints []media.Voiceprint) (any, error) {
	if len(voiceprints) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(voiceprints)
	if err != nil {
		return nil, fmt.Errorf("marshal voiceprints: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
