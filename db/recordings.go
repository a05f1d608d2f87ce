package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/infra-workshop/recording-bot/archive"
)

// Recording is one row of the history table.
type Recording struct {
	ID          int64     `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	SavedAt     time.Time `json:"saved_at"`
	Destination string    `json:"destination"`
	VideoID     string    `json:"video_id,omitempty"`
	LocalPath   string    `json:"local_path,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadError string    `json:"upload_error,omitempty"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// RecordSave appends one completed save. Implements archive.History.
func (s *Store) RecordSave(ctx context.Context, e archive.Entry) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO recordings(started_at, saved_at, destination, video_id, local_path, size_bytes, upload_error)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.StartedAt, e.SavedAt, e.Destination, nullable(e.VideoID), nullable(e.LocalPath), e.SizeBytes, nullable(e.UploadError))
	return err
}

// ListRecordings returns the newest recordings first. limit is clamped to [1, 200].
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	limit = clampLimit(limit)
	rows, err := s.DB.QueryContext(ctx, `SELECT id, started_at, saved_at, destination,
		COALESCE(video_id, ''), COALESCE(local_path, ''), size_bytes, COALESCE(upload_error, '')
		FROM recordings ORDER BY saved_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Recording, 0, limit)
	for rows.Next() {
		var r Recording
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.SavedAt, &r.Destination, &r.VideoID, &r.LocalPath, &r.SizeBytes, &r.UploadError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
