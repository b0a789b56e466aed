package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kamilpajak/scopebridge/internal/report"
)

// ErrNotFound is returned when a run or item referenced by a write does not
// exist.
var ErrNotFound = errors.New("not found")

// Run is an archived run.
type Run struct {
	ID          uuid.UUID
	Name        string
	Description string
	Attributes  []report.Attribute
	StartTime   time.Time
	EndTime     *time.Time
	CreatedAt   time.Time
}

// Item is an archived suite, test or step.
type Item struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	ParentID    *uuid.UUID
	Type        report.ItemType
	Name        string
	Description string
	Attributes  []report.Attribute
	Status      *report.Status
	StartTime   time.Time
	EndTime     *time.Time
}

// Log is an archived log entry; attachments carry a file.
type Log struct {
	ID       int64
	ItemID   uuid.UUID
	Time     time.Time
	Level    report.LogLevel
	Format   report.LogFormat
	Message  string
	FileName *string
	MimeType *string
	Data     []byte
}

const (
	runColumns  = `id, name, description, attributes, start_time, end_time, created_at`
	itemColumns = `id, run_id, parent_id, type, name, description, attributes, status, start_time, end_time`
	logColumns  = `id, item_id, time, level, format, message, file_name, mime_type, data`
)

func marshalAttributes(attrs []report.Attribute) ([]byte, error) {
	if attrs == nil {
		attrs = []report.Attribute{}
	}
	return json.Marshal(attrs)
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var attrs []byte
	err := row.Scan(&r.ID, &r.Name, &r.Description, &attrs, &r.StartTime, &r.EndTime, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var attrs []byte
	err := row.Scan(&it.ID, &it.RunID, &it.ParentID, &it.Type, &it.Name, &it.Description,
		&attrs, &it.Status, &it.StartTime, &it.EndTime)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &it.Attributes); err != nil {
		return nil, err
	}
	return &it, nil
}

// StartRun archives a new run.
func (db *DB) StartRun(ctx context.Context, run report.StartRun) (uuid.UUID, error) {
	attrs, err := marshalAttributes(run.Attributes)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = db.pool.QueryRow(ctx,
		`INSERT INTO runs (name, description, attributes, start_time)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		run.Name, run.Description, attrs, run.StartTime,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun records the end time of a run.
func (db *DB) FinishRun(ctx context.Context, run uuid.UUID, endTime time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET end_time = $1 WHERE id = $2`,
		endTime, run,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run, ErrNotFound)
	}
	return nil
}

// StartItem archives a suite, test or step. A nil parent places the item
// directly under the run.
func (db *DB) StartItem(ctx context.Context, run, parent uuid.UUID, item report.StartItem) (uuid.UUID, error) {
	attrs, err := marshalAttributes(item.Attributes)
	if err != nil {
		return uuid.Nil, err
	}

	var parentID *uuid.UUID
	if parent != uuid.Nil {
		parentID = &parent
	}

	var id uuid.UUID
	err = db.pool.QueryRow(ctx,
		`INSERT INTO items (run_id, parent_id, type, name, description, attributes, start_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		run, parentID, string(item.Type), item.Name, item.Description, attrs, item.StartTime,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert item %q: %w", item.Name, err)
	}
	return id, nil
}

// FinishItem records the status and end time of an item.
func (db *DB) FinishItem(ctx context.Context, run, item uuid.UUID, finish report.FinishItem) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE items SET status = $1, end_time = $2 WHERE id = $3 AND run_id = $4`,
		string(finish.Status), finish.EndTime, item, run,
	)
	if err != nil {
		return fmt.Errorf("finish item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", item, ErrNotFound)
	}
	return nil
}

// Log archives a log entry.
func (db *DB) Log(ctx context.Context, run uuid.UUID, entry report.LogEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO logs (run_id, item_id, time, level, format, message)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run, entry.Item, entry.Time, string(entry.Level), string(entry.Format), entry.Message,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// SendAttachment archives a log entry together with its file.
func (db *DB) SendAttachment(ctx context.Context, run uuid.UUID, att report.Attachment) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO logs (run_id, item_id, time, level, format, message, file_name, mime_type, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run, att.Item, att.Time, string(att.Level), string(report.FormatFor(att.Level)),
		att.Message, att.FileName, att.MimeType, att.Data,
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil when there is none.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`,
		id,
	)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY start_time DESC, created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListItems returns the items of a run in the order they were started.
func (db *DB) ListItems(ctx context.Context, run uuid.UUID) ([]Item, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE run_id = $1 ORDER BY seq`,
		run,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// ListLogs returns the log entries of an item in the order they arrived.
func (db *DB) ListLogs(ctx context.Context, item uuid.UUID) ([]Log, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+logColumns+` FROM logs WHERE item_id = $1 ORDER BY id`,
		item,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Time, &l.Level, &l.Format, &l.Message,
			&l.FileName, &l.MimeType, &l.Data); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteRun deletes a run with its items and logs.
func (db *DB) DeleteRun(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	return err
}

var _ report.Reporter = (*DB)(nil)
