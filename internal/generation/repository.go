package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordStore persists finished generations.
type RecordStore interface {
	Insert(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
}

// Repository handles generation_records PostgreSQL operations.
type Repository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

var _ RecordStore = (*Repository)(nil)

// NewRepository creates a new generation Repository.
func NewRepository(pool *pgxpool.Pool, queryTimeout time.Duration) *Repository {
	return &Repository{pool: pool, queryTimeout: queryTimeout}
}

// Insert writes rec. Inserting the same id twice is a no-op.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	params := []byte("{}")
	if rec.Params != nil {
		var err error
		if params, err = json.Marshal(rec.Params); err != nil {
			return fmt.Errorf("marshaling generation params: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO generation_records
		     (id, user_id, prompt, image_url, status, model_version, prediction_id, generation_params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.Prompt, rec.ImageURL, rec.Status, rec.ModelVersion, rec.PredictionID, params, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting generation record: %w", err)
	}
	return nil
}

// ListByUser returns the newest records first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, prompt, image_url, status, model_version, prediction_id, generation_params, created_at, updated_at
		 FROM generation_records
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying generation records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var params []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Prompt, &rec.ImageURL, &rec.Status,
			&rec.ModelVersion, &rec.PredictionID, &params, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning generation record: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rec.Params); err != nil {
				return nil, fmt.Errorf("decoding generation params: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating generation records: %w", err)
	}
	return records, nil
}
