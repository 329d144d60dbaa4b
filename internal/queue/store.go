package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"uploadq/internal/config"
)

// Store manages queue persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.QueueDBPath()
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

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Insert persists a newly enqueued item.
func (s *Store) Insert(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO queue_items (
            id, file_name, file_size, mime_type, file_modified_at, blob_key,
            status, upload_progress, stage_progress, current_stage, remote_id,
            monitor_endpoint, error_message, attempts, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.FileName,
		item.FileSize,
		nullableString(item.MimeType),
		nullableTime(item.FileModifiedAt),
		item.BlobKey,
		item.Status,
		item.UploadProgress,
		item.StageProgress,
		nullableString(item.CurrentStage),
		nullableString(item.RemoteID),
		nullableString(item.MonitorEndpoint),
		nullableString(item.ErrorMessage),
		item.Attempts,
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetByID fetches a queue item by identifier. A missing item returns nil, nil.
func (s *Store) GetByID(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// Update persists changes to an existing queue item.
func (s *Store) Update(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
         SET file_name = ?, file_size = ?, mime_type = ?, file_modified_at = ?,
             blob_key = ?, status = ?, upload_progress = ?, stage_progress = ?,
             current_stage = ?, remote_id = ?, monitor_endpoint = ?,
             error_message = ?, attempts = ?, updated_at = ?
         WHERE id = ?`,
		item.FileName,
		item.FileSize,
		nullableString(item.MimeType),
		nullableTime(item.FileModifiedAt),
		item.BlobKey,
		item.Status,
		item.UploadProgress,
		item.StageProgress,
		nullableString(item.CurrentStage),
		nullableString(item.RemoteID),
		nullableString(item.MonitorEndpoint),
		nullableString(item.ErrorMessage),
		item.Attempts,
		item.UpdatedAt.Format(time.RFC3339Nano),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// List returns queue items filtered by status set (or all items when no
// status is provided), in enqueue order.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM queue_items`
	orderClause := ` ORDER BY created_at, rowid`

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
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextQueued returns the oldest queued item, or nil when none wait.
func (s *Store) NextQueued(ctx context.Context) (*Item, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE status = ? ORDER BY created_at, rowid LIMIT 1`,
		StatusQueued,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued item: %w", err)
	}
	return item, nil
}

// CountByStatus returns the number of items in any of the given statuses.
func (s *Store) CountByStatus(ctx context.Context, statuses ...Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM queue_items WHERE status IN (`+placeholders+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return count, nil
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
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

// MarkUploadingInterrupted downgrades every uploading item; an in-flight
// upload cannot have survived a restart.
func (s *Store) MarkUploadingInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
         SET status = ?, error_message = ?, upload_progress = 0, updated_at = ?
         WHERE status = ?`,
		StatusInterrupted,
		InterruptedReason,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusUploading,
	)
	if err != nil {
		return 0, fmt.Errorf("mark uploading interrupted: %w", err)
	}
	return res.RowsAffected()
}

// Remove deletes an item by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Clear removes all items from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed removes failure-family items from the queue.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM queue_items WHERE status IN (?, ?, ?)`,
		StatusFailed, StatusInterrupted, StatusMissingFile,
	)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return res.RowsAffected()
}

// SetOpen persists the queue panel's open/closed flag.
func (s *Store) SetOpen(ctx context.Context, open bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ui_state SET open = ? WHERE id = 1`, boolToInt(open))
	if err != nil {
		return fmt.Errorf("set open flag: %w", err)
	}
	return nil
}

// IsOpen reads the persisted open/closed flag.
func (s *Store) IsOpen(ctx context.Context) (bool, error) {
	var open int
	if err := s.db.QueryRowContext(ctx, `SELECT open FROM ui_state WHERE id = 1`).Scan(&open); err != nil {
		return false, fmt.Errorf("read open flag: %w", err)
	}
	return open != 0, nil
}

const itemColumns = "id, file_name, file_size, mime_type, file_modified_at, blob_key, status, upload_progress, stage_progress, current_stage, remote_id, monitor_endpoint, error_message, attempts, created_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id              string
		fileName        string
		fileSize        int64
		mimeType        sql.NullString
		fileModifiedRaw sql.NullString
		blobKey         string
		statusStr       string
		uploadProgress  sql.NullFloat64
		stageProgress   sql.NullFloat64
		currentStage    sql.NullString
		remoteID        sql.NullString
		monitorEndpoint sql.NullString
		errorMessage    sql.NullString
		attempts        sql.NullInt64
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&fileName,
		&fileSize,
		&mimeType,
		&fileModifiedRaw,
		&blobKey,
		&statusStr,
		&uploadProgress,
		&stageProgress,
		&currentStage,
		&remoteID,
		&monitorEndpoint,
		&errorMessage,
		&attempts,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		FileName:        fileName,
		FileSize:        fileSize,
		MimeType:        mimeType.String,
		BlobKey:         blobKey,
		Status:          Status(statusStr),
		UploadProgress:  uploadProgress.Float64,
		StageProgress:   stageProgress.Float64,
		CurrentStage:    currentStage.String,
		RemoteID:        remoteID.String,
		MonitorEndpoint: monitorEndpoint.String,
		ErrorMessage:    errorMessage.String,
		Attempts:        int(attempts.Int64),
	}

	if modified, err := parseTimeString(fileModifiedRaw.String); err == nil {
		item.FileModifiedAt = modified
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
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
	return time.Parse(time.RFC3339Nano, value)
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
