// SPDX-License-Identifier: MIT

package chunkstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/persistence/sqlite"
)

const sqliteSchemaVersion = 1

// SqliteStore implements Store on a single SQLite file.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens the database at dbPath and applies the schema.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, storageErr("migrate sqlite", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		video_id TEXT NOT NULL,
		chunk_order INTEGER NOT NULL,
		part_id INTEGER NOT NULL,
		part_name TEXT NOT NULL,
		part_order INTEGER NOT NULL,
		presentation_id INTEGER NOT NULL,
		presentation_start_id TEXT NOT NULL,
		presentation_start_date TEXT NOT NULL,
		started_at TEXT NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (video_id, chunk_order)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_presentation ON chunks(presentation_id, video_id);

	CREATE TABLE IF NOT EXISTS video_metadata (
		video_id TEXT PRIMARY KEY,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		codec TEXT NOT NULL,
		frame_rate REAL NOT NULL,
		sample_rate INTEGER NOT NULL,
		channels INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SqliteStore) Put(ctx context.Context, c *model.Chunk) error {
	if err := validateChunk(c); err != nil {
		return storageErr("put chunk", err)
	}
	data := c.Data
	if data == nil {
		data = []byte{}
	}
	query := `
	INSERT INTO chunks (video_id, chunk_order, part_id, part_name, part_order, presentation_id,
		presentation_start_id, presentation_start_date, started_at, size, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(video_id, chunk_order) DO UPDATE SET
		part_id = excluded.part_id,
		part_name = excluded.part_name,
		part_order = excluded.part_order,
		presentation_id = excluded.presentation_id,
		presentation_start_id = excluded.presentation_start_id,
		presentation_start_date = excluded.presentation_start_date,
		started_at = excluded.started_at,
		size = excluded.size,
		data = excluded.data
	`
	_, err := s.DB.ExecContext(ctx, query,
		c.VideoID, c.ChunkOrder, c.PartID, c.PartName, c.PartOrder, c.PresentationID,
		c.PresentationStartID, formatTime(c.PresentationStartDate), formatTime(c.StartedAt), len(data), data,
	)
	return storageErr("put chunk", err)
}

func (s *SqliteStore) PutMetadata(ctx context.Context, m *model.VideoMetadata) error {
	if m == nil || m.VideoID == "" {
		return storageErr("put metadata", errors.New("metadata without video id"))
	}
	query := `
	INSERT INTO video_metadata (video_id, width, height, codec, frame_rate, sample_rate, channels, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(video_id) DO UPDATE SET
		width = excluded.width,
		height = excluded.height,
		codec = excluded.codec,
		frame_rate = excluded.frame_rate,
		sample_rate = excluded.sample_rate,
		channels = excluded.channels,
		created_at = excluded.created_at
	`
	_, err := s.DB.ExecContext(ctx, query,
		m.VideoID, m.Width, m.Height, m.Codec, m.FrameRate, m.SampleRate, m.Channels, formatTime(m.CreatedAt),
	)
	return storageErr("put metadata", err)
}

func (s *SqliteStore) GetMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	query := `SELECT width, height, codec, frame_rate, sample_rate, channels, created_at FROM video_metadata WHERE video_id = ?`
	m := model.VideoMetadata{VideoID: videoID}
	var createdAt string
	err := s.DB.QueryRowContext(ctx, query, videoID).Scan(
		&m.Width, &m.Height, &m.Codec, &m.FrameRate, &m.SampleRate, &m.Channels, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get metadata", err)
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

const headerColumns = `video_id, chunk_order, part_id, part_name, part_order, presentation_id,
	presentation_start_id, presentation_start_date, started_at, size`

func (s *SqliteStore) IterateByVideoID(ctx context.Context, videoID string) iter.Seq2[*model.Chunk, error] {
	query := `SELECT ` + headerColumns + `, data FROM chunks WHERE video_id = ?`
	return s.query(ctx, "iterate chunks", true, query, videoID)
}

func (s *SqliteStore) ScanHeaders(ctx context.Context) iter.Seq2[*model.Chunk, error] {
	query := `SELECT ` + headerColumns + ` FROM chunks ORDER BY video_id, chunk_order`
	return s.query(ctx, "scan headers", false, query)
}

func (s *SqliteStore) query(ctx context.Context, op string, withData bool, query string, args ...any) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, storageErr(op, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c                   model.Chunk
				startDate, startedAt string
			)
			dest := []any{
				&c.VideoID, &c.ChunkOrder, &c.PartID, &c.PartName, &c.PartOrder, &c.PresentationID,
				&c.PresentationStartID, &startDate, &startedAt, &c.Size,
			}
			if withData {
				dest = append(dest, &c.Data)
			}
			if err := rows.Scan(dest...); err != nil {
				yield(nil, storageErr(op, err))
				return
			}
			c.PresentationStartDate = parseTime(startDate)
			c.StartedAt = parseTime(startedAt)
			if !yield(&c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storageErr(op, err))
		}
	}
}

func (s *SqliteStore) LastChunkOrder(ctx context.Context, videoID string) (int, bool, error) {
	var last sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(chunk_order) FROM chunks WHERE video_id = ?`, videoID).Scan(&last)
	if err != nil {
		return 0, false, storageErr("last chunk order", err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return int(last.Int64), true, nil
}

func (s *SqliteStore) CountDistinctVideoIDs(ctx context.Context, presentationID int64) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT video_id) FROM chunks WHERE presentation_id = ?`, presentationID).Scan(&count)
	if err != nil {
		return 0, storageErr("count videos", err)
	}
	return count, nil
}

func (s *SqliteStore) DeleteVideo(ctx context.Context, videoID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete video", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE video_id = ?`, videoID); err != nil {
		return storageErr("delete video", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM video_metadata WHERE video_id = ?`, videoID); err != nil {
		return storageErr("delete video", err)
	}
	return storageErr("delete video", tx.Commit())
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.DB.PingContext(ctx))
}

// Verify runs a full integrity check of the database file.
func (s *SqliteStore) Verify(ctx context.Context) ([]string, error) {
	problems, err := sqlite.VerifyIntegrity(ctx, s.DB, true)
	if err != nil {
		return nil, storageErr("verify", err)
	}
	return problems, nil
}

func (s *SqliteStore) Close() error {
	return storageErr("close sqlite", s.DB.Close())
}
