package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wakegate/wakegate/internal/model"
)

// GameImageRepository manages the game image catalog.
type GameImageRepository struct {
	pool *pgxpool.Pool
}

// NewGameImageRepository creates a new GameImageRepository.
func NewGameImageRepository(pool *pgxpool.Pool) *GameImageRepository {
	return &GameImageRepository{pool: pool}
}

const gameImageColumns = `
	id, friendly_name, image_ref, default_internal_port,
	min_ram, min_cpu, protocol, COALESCE(description, '')`

// GetByID loads a catalog entry by id.
// Returns nil, nil if the entry does not exist.
func (r *GameImageRepository) GetByID(ctx context.Context, id int64) (*model.GameImage, error) {
	img, err := scanGameImage(r.pool.QueryRow(ctx,
		`SELECT`+gameImageColumns+` FROM game_images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying game image %d: %w", id, err)
	}
	return img, nil
}

// List returns the whole catalog ordered by name.
func (r *GameImageRepository) List(ctx context.Context) ([]model.GameImage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+gameImageColumns+` FROM game_images ORDER BY friendly_name`)
	if err != nil {
		return nil, fmt.Errorf("querying game images: %w", err)
	}
	defer rows.Close()

	var out []model.GameImage
	for rows.Next() {
		img, err := scanGameImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning game image: %w", err)
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// Create inserts a new catalog entry and returns its id.
func (r *GameImageRepository) Create(ctx context.Context, img *model.GameImage) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO game_images
		 (friendly_name, image_ref, default_internal_port, min_ram, min_cpu, protocol, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		img.FriendlyName, img.ImageRef, img.DefaultInternalPort,
		img.MinRAM, img.MinCPU, string(img.Protocol), img.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating game image %q: %w", img.FriendlyName, err)
	}
	return id, nil
}

func scanGameImage(row pgx.Row) (*model.GameImage, error) {
	var img model.GameImage
	var protocol string
	if err := row.Scan(
		&img.ID, &img.FriendlyName, &img.ImageRef, &img.DefaultInternalPort,
		&img.MinRAM, &img.MinCPU, &protocol, &img.Description,
	); err != nil {
		return nil, err
	}
	img.Protocol = model.Protocol(protocol)
	return &img, nil
}
