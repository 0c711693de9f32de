package repo

import (
	"context"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/sqlinline"
)

// GenerationRepositoryPG stores generation records.
type GenerationRepositoryPG struct {
	db infra.SQLExecutor
}

func NewGenerationRepository(db infra.SQLExecutor) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{db: db}
}

func (r *GenerationRepositoryPG) InsertGenerationRecord(ctx context.Context, rec domain.GenerationRecord) error {
	_, err := r.db.Exec(ctx, sqlinline.QInsertGenerationRecord, rec.ID, rec.UserID, rec.StyleID, rec.ImageURL, rec.CreatedAt)
	return err
}

// ListByUser returns the newest records first.
func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.GenerationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, sqlinline.QSelectGenerationRecordsByUser, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.GenerationRecord, 0, limit)
	for rows.Next() {
		var rec domain.GenerationRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.StyleID, &rec.ImageURL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ domain.GenerationRecordRepository = (*GenerationRepositoryPG)(nil)
