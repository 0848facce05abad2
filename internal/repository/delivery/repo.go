package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// Repository stores delivery records.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// SaveDelivery writes the delivery record and returns its UUID. Saving the
// same delivery twice replaces its image list.
func (r *Repository) SaveDelivery(ctx context.Context, d model.Delivery) (uuid.UUID, error) {
	query := `
		INSERT INTO deliveries (id, vehicle_id, operator_id, customer_name, whatsapp_number, framed_image_urls, consent_to_share)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET framed_image_urls = EXCLUDED.framed_image_urls
		RETURNING id
    `

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	var id uuid.UUID
	err := r.db.QueryRowContext(
		ctx, query,
		d.ID, d.VehicleID, d.OperatorID, d.CustomerName, d.WhatsAppNumber,
		pq.Array(d.FramedImageURLs), d.ConsentToShare,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save: failed to save delivery: %w", err)
	}

	return id, nil
}

// GetDelivery retrieves a delivery record by ID.
func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (model.Delivery, error) {
	query := `
		SELECT vehicle_id, operator_id, customer_name, whatsapp_number, framed_image_urls, consent_to_share, created_at
		FROM deliveries
		WHERE id = $1
    `

	var d model.Delivery
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.VehicleID, &d.OperatorID, &d.CustomerName, &d.WhatsAppNumber,
		pq.Array(&d.FramedImageURLs), &d.ConsentToShare, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Delivery{}, ErrDeliveryNotFound
		}

		return model.Delivery{}, fmt.Errorf("get: failed to get delivery: %w", err)
	}

	d.ID = id

	return d, nil
}
