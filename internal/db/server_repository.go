package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wakegate/wakegate/internal/model"
)

// ServerRepository manages server rows. State changes go through
// UpdateStateCAS so concurrent writers never clobber each other.
type ServerRepository struct {
	pool *pgxpool.Pool
}

// NewServerRepository creates a new ServerRepository.
func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

const serverColumns = `
	id, user_id, game_image_id, friendly_name, env_vars,
	COALESCE(proxy_container_id, ''), COALESCE(game_container_id, ''),
	COALESCE(public_port, 0), COALESCE(private_network_name, ''),
	state, auto_sleep, created_at, last_state_change`

// GetByID loads a server by id.
// Returns nil, nil if the server does not exist.
func (r *ServerRepository) GetByID(ctx context.Context, id int64) (*model.Server, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+serverColumns+` FROM servers WHERE id = $1`, id)
	srv, err := scanServer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying server %d: %w", id, err)
	}
	return srv, nil
}

// ListByState returns all servers in the given state.
func (r *ServerRepository) ListByState(ctx context.Context, state model.ServerState) ([]model.Server, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+serverColumns+` FROM servers WHERE state = $1 ORDER BY id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("querying servers in state %s: %w", state, err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// Create inserts a new server in SLEEPING state and returns its id.
func (r *ServerRepository) Create(ctx context.Context, s *model.Server) (int64, error) {
	envVars := s.EnvVars
	if envVars == nil {
		envVars = map[string]string{}
	}
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO servers (user_id, game_image_id, friendly_name, env_vars, auto_sleep)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		s.UserID, s.GameImageID, s.FriendlyName, envVars, s.AutoSleep,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating server %q: %w", s.FriendlyName, err)
	}
	return id, nil
}

// UpdateStateCAS moves a server from one state to another only if the stored
// state still equals from. Returns false when another writer got there first;
// the caller drops its update (this is not an error).
// last_state_change only ever moves forward.
func (r *ServerRepository) UpdateStateCAS(ctx context.Context, id int64, from, to model.ServerState) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE servers SET state = $3, last_state_change = now()
		 WHERE id = $1 AND state = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("updating state of server %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetBundle records the container bundle after a successful deploy.
func (r *ServerRepository) SetBundle(ctx context.Context, id int64, proxyID, gameID, networkName string, publicPort int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE servers
		 SET proxy_container_id = $2, game_container_id = $3,
		     private_network_name = $4, public_port = $5
		 WHERE id = $1`,
		id, proxyID, gameID, networkName, publicPort)
	if err != nil {
		return fmt.Errorf("recording bundle for server %d: %w", id, err)
	}
	return nil
}

// ClearBundle removes the container bundle after the resources are deleted.
func (r *ServerRepository) ClearBundle(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE servers
		 SET proxy_container_id = NULL, game_container_id = NULL,
		     private_network_name = NULL, public_port = NULL
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing bundle for server %d: %w", id, err)
	}
	return nil
}

// Delete removes the server row.
func (r *ServerRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting server %d: %w", id, err)
	}
	return nil
}

func scanServer(row pgx.Row) (*model.Server, error) {
	var s model.Server
	var state string
	if err := row.Scan(
		&s.ID, &s.UserID, &s.GameImageID, &s.FriendlyName, &s.EnvVars,
		&s.ProxyContainerID, &s.GameContainerID,
		&s.PublicPort, &s.NetworkName,
		&state, &s.AutoSleep, &s.CreatedAt, &s.LastStateChange,
	); err != nil {
		return nil, err
	}
	s.State = model.ServerState(state)
	return &s, nil
}
