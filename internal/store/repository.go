package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Repository provides Postgres operations for the runnerhub schema.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository bound to client's pool.
func NewRepository(client *Client) *Repository {
	return &Repository{pool: client.pool}
}

// --- runner_pools ---------------------------------------------------------

// GetOrCreatePool fetches the pool row for repository, inserting a default
// row first if none exists.
func (r *Repository) GetOrCreatePool(ctx context.Context, repository string, defaults domain.Pool) (*domain.Pool, error) {
	pool, err := r.GetPool(ctx, repository)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	defaults.Repository = repository
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runnerhub.runner_pools
			(repository, min_runners, max_runners, scale_increment, scale_threshold, current_runners)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (repository) DO NOTHING`,
		defaults.Repository, defaults.MinRunners, defaults.MaxRunners,
		defaults.ScaleIncrement, defaults.ScaleThreshold)
	if err != nil {
		return nil, fmt.Errorf("store: create pool %s: %w", repository, err)
	}
	return r.GetPool(ctx, repository)
}

// GetPool fetches a single pool row.
func (r *Repository) GetPool(ctx context.Context, repository string) (*domain.Pool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT repository, min_runners, max_runners, scale_increment, scale_threshold,
		       current_runners, COALESCE(last_scaled_at, to_timestamp(0))
		FROM runnerhub.runner_pools WHERE repository = $1`, repository)

	var p domain.Pool
	err := row.Scan(&p.Repository, &p.MinRunners, &p.MaxRunners, &p.ScaleIncrement,
		&p.ScaleThreshold, &p.CurrentRunners, &p.LastScaledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pool %s: %w", repository, err)
	}
	return &p, nil
}

// ListPools returns every configured pool.
func (r *Repository) ListPools(ctx context.Context) ([]domain.Pool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT repository, min_runners, max_runners, scale_increment, scale_threshold,
		       current_runners, COALESCE(last_scaled_at, to_timestamp(0))
		FROM runnerhub.runner_pools ORDER BY repository`)
	if err != nil {
		return nil, fmt.Errorf("store: list pools: %w", err)
	}
	defer rows.Close()

	var out []domain.Pool
	for rows.Next() {
		var p domain.Pool
		if err := rows.Scan(&p.Repository, &p.MinRunners, &p.MaxRunners, &p.ScaleIncrement,
			&p.ScaleThreshold, &p.CurrentRunners, &p.LastScaledAt); err != nil {
			return nil, fmt.Errorf("store: scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePoolScaling updates current_runners and last_scaled_at after a
// scale_up/scale_down operation.
func (r *Repository) UpdatePoolScaling(ctx context.Context, repository string, currentRunners int, scaledAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runnerhub.runner_pools
		SET current_runners = $2, last_scaled_at = $3
		WHERE repository = $1`, repository, currentRunners, scaledAt)
	if err != nil {
		return fmt.Errorf("store: update pool scaling %s: %w", repository, err)
	}
	return nil
}

// --- runners ----------------------------------------------------------------

// InsertRunner inserts a new runner row.
func (r *Repository) InsertRunner(ctx context.Context, run *domain.Runner) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runnerhub.runners
			(id, name, type, status, repository, labels, github_runner_id,
			 current_job_id, container_id, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), now())`,
		run.ID, run.Name, run.Type, run.Status, run.Repository, run.Labels,
		run.GithubRunnerID, run.CurrentJobID, run.ContainerID)
	if err != nil {
		return fmt.Errorf("store: insert runner %s: %w", run.ID, err)
	}
	return nil
}

// GetRunner fetches one runner row by id.
func (r *Repository) GetRunner(ctx context.Context, id string) (*domain.Runner, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, type, status, repository, labels, github_runner_id,
		       current_job_id, container_id, last_heartbeat, created_at, updated_at
		FROM runnerhub.runners WHERE id = $1`, id)
	run, err := scanRunner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get runner %s: %w", id, err)
	}
	return run, nil
}

// ListRunnersByRepository returns every runner row for repository.
func (r *Repository) ListRunnersByRepository(ctx context.Context, repository string) ([]domain.Runner, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, type, status, repository, labels, github_runner_id,
		       current_job_id, container_id, last_heartbeat, created_at, updated_at
		FROM runnerhub.runners WHERE repository = $1 ORDER BY created_at`, repository)
	if err != nil {
		return nil, fmt.Errorf("store: list runners for %s: %w", repository, err)
	}
	defer rows.Close()

	var out []domain.Runner
	for rows.Next() {
		run, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan runner: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ClaimIdleRunner atomically flips one IDLE, non-offline runner for
// repository to BUSY and returns it, using SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent callers on different replicas never grab the same
// row. Returns ErrNotFound if no idle runner exists.
func (r *Repository) ClaimIdleRunner(ctx context.Context, repository string, jobID string) (*domain.Runner, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, name, type, status, repository, labels, github_runner_id,
		       current_job_id, container_id, last_heartbeat, created_at, updated_at
		FROM runnerhub.runners
		WHERE repository = $1 AND status = 'IDLE'
		ORDER BY last_heartbeat DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, repository)
	run, err := scanRunner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: select idle runner: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE runnerhub.runners
		SET status = 'BUSY', current_job_id = $2, updated_at = now()
		WHERE id = $1`, run.ID, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: claim runner %s: %w", run.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}

	run.Status = domain.RunnerStatusBusy
	run.CurrentJobID = &jobID
	return run, nil
}

// ReleaseRunner flips a runner back to IDLE and clears current_job_id.
func (r *Repository) ReleaseRunner(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runnerhub.runners
		SET status = 'IDLE', current_job_id = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: release runner %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRunner removes a runner row. Deleting an already-deleted id is
// classified as ErrNotFound rather than a no-op success, so callers can
// distinguish "already gone" from "deleted now" where that matters (the
// spec's round-trip test for double remove_runner).
func (r *Repository) DeleteRunner(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM runnerhub.runners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete runner %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NullRunnerContainerID clears container_id after a cleanup sweep removes
// the underlying container.
func (r *Repository) NullRunnerContainerID(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runnerhub.runners SET container_id = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: null container_id for runner %s: %w", id, err)
	}
	return nil
}

// MarkOffline flags a runner OFFLINE (absent heartbeat).
func (r *Repository) MarkOffline(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runnerhub.runners SET status = 'OFFLINE', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark offline %s: %w", id, err)
	}
	return nil
}

// DeleteOfflineRunnersOlderThan deletes OFFLINE rows whose heartbeat is
// older than the given cutoff, returning the number removed.
func (r *Repository) DeleteOfflineRunnersOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM runnerhub.runners WHERE status = 'OFFLINE' AND last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup offline runners: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SelectIdleRunnersOlderThan returns IDLE, EPHEMERAL runner ids for
// repository whose last_heartbeat predates cutoff, used by scale_down.
func (r *Repository) SelectIdleRunnersOlderThan(ctx context.Context, repository string, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM runnerhub.runners
		WHERE repository = $1 AND status = 'IDLE' AND type = 'EPHEMERAL' AND last_heartbeat < $2
		ORDER BY last_heartbeat ASC
		LIMIT $3`, repository, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select idle runners for scale-down: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRunner(row pgx.Row) (*domain.Runner, error) {
	var run domain.Runner
	err := row.Scan(&run.ID, &run.Name, &run.Type, &run.Status, &run.Repository,
		&run.Labels, &run.GithubRunnerID, &run.CurrentJobID, &run.ContainerID,
		&run.LastHeartbeat, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// --- archived_logs ----------------------------------------------------------

// ArchiveLogs persists a container's captured log tail.
func (r *Repository) ArchiveLogs(ctx context.Context, containerID, containerName, logs string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runnerhub.archived_logs (container_id, container_name, logs, created_at)
		VALUES ($1, $2, $3, now())`, containerID, containerName, logs)
	if err != nil {
		return fmt.Errorf("store: archive logs for %s: %w", containerID, err)
	}
	return nil
}

// --- cleanup_history ---------------------------------------------------------

// InsertCleanupHistory writes one durable audit row per sweep.
func (r *Repository) InsertCleanupHistory(ctx context.Context, result *domain.CleanupResult) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runnerhub.cleanup_history
			(timestamp, policies_executed, containers_inspected, containers_cleaned, errors, disk_space_reclaimed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		result.FinishedAt, result.PoliciesExecuted, result.ContainersInspected,
		result.ContainersCleaned, result.Errors, result.DiskSpaceReclaimed)
	if err != nil {
		return fmt.Errorf("store: insert cleanup history: %w", err)
	}
	return nil
}

// GetCleanupHistory returns history rows from the last `hours`.
func (r *Repository) GetCleanupHistory(ctx context.Context, hours int) ([]domain.CleanupResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT timestamp, policies_executed, containers_inspected, containers_cleaned, errors, disk_space_reclaimed
		FROM runnerhub.cleanup_history
		WHERE timestamp > now() - ($1 || ' hours')::interval
		ORDER BY timestamp DESC`, hours)
	if err != nil {
		return nil, fmt.Errorf("store: get cleanup history: %w", err)
	}
	defer rows.Close()

	var out []domain.CleanupResult
	for rows.Next() {
		var res domain.CleanupResult
		if err := rows.Scan(&res.FinishedAt, &res.PoliciesExecuted, &res.ContainersInspected,
			&res.ContainersCleaned, &res.Errors, &res.DiskSpaceReclaimed); err != nil {
			return nil, fmt.Errorf("store: scan cleanup history: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// --- network_isolation --------------------------------------------------------

// UpsertNetwork persists (insert or update) a network's durable record.
func (r *Repository) UpsertNetwork(ctx context.Context, n *domain.Network) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runnerhub.network_isolation
			(network_id, name, repository, subnet, gateway, driver, internal, created_at, last_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (network_id) DO UPDATE SET
			last_used = EXCLUDED.last_used`,
		n.ID, n.Name, n.Repository, n.Subnet, n.Gateway, n.Driver, n.Internal, n.Created, n.LastUsed)
	if err != nil {
		return fmt.Errorf("store: upsert network %s: %w", n.ID, err)
	}
	return nil
}

// DeleteNetwork removes a network's durable record.
func (r *Repository) DeleteNetwork(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM runnerhub.network_isolation WHERE network_id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete network %s: %w", id, err)
	}
	return nil
}

// ListNetworks returns every durable network record.
func (r *Repository) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT network_id, name, repository, subnet, gateway, driver, internal, created_at, last_used
		FROM runnerhub.network_isolation ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list networks: %w", err)
	}
	defer rows.Close()

	var out []domain.Network
	for rows.Next() {
		var n domain.Network
		if err := rows.Scan(&n.ID, &n.Name, &n.Repository, &n.Subnet, &n.Gateway,
			&n.Driver, &n.Internal, &n.Created, &n.LastUsed); err != nil {
			return nil, fmt.Errorf("store: scan network: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// HighestSubnetIndex scans durable network records for the highest subnet
// index in use (the second octet minus 20), used to re-derive the in-memory
// subnet counter on leader failover. Returns -1 if no networks exist.
func (r *Repository) HighestSubnetIndex(ctx context.Context) (int, error) {
	networks, err := r.ListNetworks(ctx)
	if err != nil {
		return -1, err
	}
	highest := -1
	for _, n := range networks {
		idx, ok := subnetIndex(n.Subnet)
		if ok && idx > highest {
			highest = idx
		}
	}
	return highest, nil
}

// subnetIndex parses the second octet of a "172.X.0.0/24" CIDR back into the
// allocator's k index (X = 20 + k mod 236).
func subnetIndex(cidr string) (int, bool) {
	var a, b, c, d, bits int
	n, err := fmt.Sscanf(cidr, "172.%d.%d.%d/%d", &b, &c, &d, &bits)
	_ = a
	if err != nil || n != 4 {
		return 0, false
	}
	return b - 20, true
}
