// Package store persists pipeline run history. The history is append-only:
// runs are created and updated in place, never deleted.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/caravelhq/caravel/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		trigger_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES pipeline_runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_target ON pipeline_runs(target);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status);
	CREATE INDEX IF NOT EXISTS idx_stage_logs_run ON stage_logs(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(run *models.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO pipeline_runs (id, target, trigger_ref, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.Target, run.TriggerRef, string(run.Status), string(data), run.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(run *models.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, data = ?, updated_at = ?
		WHERE id = ?
	`, string(run.Status), string(data), time.Now().UTC(), run.ID.String())
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(id string) (*models.PipelineRun, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM pipeline_runs WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	var run models.PipelineRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(limit int) ([]*models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT data FROM pipeline_runs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run models.PipelineRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) AppendStageLog(runID string, entry models.StageLog) error {
	_, err := s.db.Exec(`
		INSERT INTO stage_logs (run_id, timestamp, stage, message)
		VALUES (?, ?, ?, ?)
	`, runID, entry.Timestamp, string(entry.Stage), entry.Message)
	if err != nil {
		return fmt.Errorf("append stage log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RunLogs(runID string) ([]models.StageLog, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, stage, message FROM stage_logs
		WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage logs: %w", err)
	}
	defer rows.Close()

	var logs []models.StageLog
	for rows.Next() {
		var entry models.StageLog
		var stage string
		if err := rows.Scan(&entry.Timestamp, &stage, &entry.Message); err != nil {
			return nil, err
		}
		entry.Stage = models.StageName(stage)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
