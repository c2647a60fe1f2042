package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/composite.report/internal/export"
)

const exportTaskColumns = `task_id, description, file_name_prefix, scale, crs, status,
	error, files_json, created_at, started_at, finished_at`

// InsertExportTask records a newly submitted task.
func (db *DB) InsertExportTask(t *export.Task) error {
	files, err := filesJSON(t.Files)
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT INTO export_tasks (`+exportTaskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Description, t.FileNamePrefix, t.Scale, t.CRS, string(t.Status),
			nullString(t.Error), files, t.CreatedAt.UnixNano(),
			nullableNanos(t.StartedAt), nullableNanos(t.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert export task %s: %w", t.ID, err)
		}
		return nil
	})
}

// UpdateExportTask writes the task's status, error, files and timestamps.
func (db *DB) UpdateExportTask(t *export.Task) error {
	files, err := filesJSON(t.Files)
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		res, err := db.Exec(`
			UPDATE export_tasks
			SET status = ?, error = ?, files_json = ?, started_at = ?, finished_at = ?
			WHERE task_id = ?`,
			string(t.Status), nullString(t.Error), files,
			nullableNanos(t.StartedAt), nullableNanos(t.FinishedAt), t.ID,
		)
		if err != nil {
			return fmt.Errorf("update export task %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("export task %s not found", t.ID)
		}
		return nil
	})
}

// ExportTasks returns up to limit tasks, newest first.
func (db *DB) ExportTasks(ctx context.Context, limit int) ([]*export.Task, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+exportTaskColumns+`
		FROM export_tasks
		ORDER BY created_at DESC, task_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query export tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*export.Task{}
	for rows.Next() {
		t, err := scanExportTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ExportTask returns one task by ID.
func (db *DB) ExportTask(ctx context.Context, id string) (*export.Task, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+exportTaskColumns+`
		FROM export_tasks
		WHERE task_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query export task: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("export task %s: %w", id, sql.ErrNoRows)
	}
	return scanExportTask(rows)
}

func scanExportTask(rows *sql.Rows) (*export.Task, error) {
	var (
		t                 export.Task
		status            string
		errText, files    sql.NullString
		created           int64
		started, finished sql.NullInt64
	)
	if err := rows.Scan(&t.ID, &t.Description, &t.FileNamePrefix, &t.Scale, &t.CRS, &status,
		&errText, &files, &created, &started, &finished); err != nil {
		return nil, fmt.Errorf("scan export task: %w", err)
	}
	t.Status = export.Status(status)
	t.Error = errText.String
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &t.Files); err != nil {
			return nil, fmt.Errorf("decode files of %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.StartedAt = timeFromNanos(started)
	t.FinishedAt = timeFromNanos(finished)
	return &t, nil
}

func filesJSON(files []string) (any, error) {
	if len(files) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("marshal export files: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ export.TaskStore = (*DB)(nil)
