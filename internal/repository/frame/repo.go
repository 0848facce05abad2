package frame

import (
	"context"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

// ErrNoFrames is returned when a vehicle model has no frame artwork.
var ErrNoFrames = errors.New("no frames for model")

// Repository reads frame templates from the database.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// FramesByModel returns the frames available for modelKey ordered by name.
func (r *Repository) FramesByModel(ctx context.Context, modelKey string) ([]model.FrameTemplate, error) {
	query := `
		SELECT id, name, model_key, image_url, created_at
		FROM frames
		WHERE model_key = $1
		ORDER BY name
    `

	rows, err := r.db.QueryContext(ctx, query, modelKey)
	if err != nil {
		return nil, fmt.Errorf("frames: failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []model.FrameTemplate
	for rows.Next() {
		var f model.FrameTemplate
		if err := rows.Scan(&f.ID, &f.Name, &f.ModelKey, &f.ArtworkRef, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("frames: failed to scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("frames: failed to read frames: %w", err)
	}

	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	return frames, nil
}
