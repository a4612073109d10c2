package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
)

// JobRepo is the durable job store. Creation is idempotent on
// (project_id, unique_key); every state change is a compare-and-swap, and a
// lost swap surfaces as domain.ErrStaleWrite rather than an error condition.
type JobRepo struct{ pool *ManagedPool }

// NewJobRepo constructs a JobRepo over the managed pool.
func NewJobRepo(pool *ManagedPool) *JobRepo { return &JobRepo{pool: pool} }

const jobCols = `id, project_id, type, payload, state, attempt, max_retries,
	unique_key, asset_key, error, owner_id, created_at, updated_at, claimed_at`

// CreateJob inserts idempotently. An existing row for the key is returned
// unchanged, terminal or not; only a missing key writes a new CREATED row.
func (r *JobRepo) CreateJob(ctx context.Context, spec domain.NewJobSpec) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.type", string(spec.Type)),
		attribute.String("job.unique_key", spec.UniqueKey),
	)

	if spec.ProjectID == "" || spec.UniqueKey == "" || !domain.KnownJobTypes[spec.Type] {
		return domain.Job{}, false, fmt.Errorf("op=jobs.create: %w", domain.ErrInvalidArgument)
	}
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.create: %w", err)
	}
	id := domain.JobID(spec.ProjectID, spec.UniqueKey)
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, project_id, type, payload, state, attempt, max_retries,
		unique_key, asset_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,1,$6,$7,$8,$9,$9)
		ON CONFLICT (project_id, unique_key) DO NOTHING
		RETURNING ` + jobCols
	j, err := scanJob(r.pool.QueryRow(ctx, q, id, spec.ProjectID, spec.Type, payload,
		domain.JobCreated, spec.MaxRetries, spec.UniqueKey, spec.AssetKey, now))
	if err == nil {
		observability.JobsCreatedTotal.WithLabelValues(string(spec.Type)).Inc()
		return j, true, nil
	}
	if err != pgx.ErrNoRows {
		return domain.Job{}, false, fmt.Errorf("op=jobs.create: %w", err)
	}
	// Insert was a no-op; hand back the existing row.
	existing, err := r.getByKey(ctx, spec.ProjectID, spec.UniqueKey)
	if err != nil {
		return domain.Job{}, false, err
	}
	return existing, false, nil
}

// GetJob loads a job by id.
func (r *JobRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// GetProjectJobs loads all jobs of a project, oldest first.
func (r *JobRepo) GetProjectJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE project_id = $1 ORDER BY created_at, id`
	return r.queryJobs(ctx, "jobs.by_project", q, projectID)
}

// MarkDispatched swaps CREATED -> DISPATCHED.
func (r *JobRepo) MarkDispatched(ctx context.Context, id string) (domain.Job, error) {
	q := `UPDATE jobs SET state = $2, updated_at = now()
		WHERE id = $1 AND state = $3
		RETURNING ` + jobCols
	j, err := scanJob(r.pool.QueryRow(ctx, q, id, domain.JobDispatched, domain.JobCreated))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.dispatch: %w", domain.ErrStaleWrite)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.dispatch: %w", err)
	}
	observability.JobTransitionsTotal.WithLabelValues(string(j.Type), string(domain.JobDispatched)).Inc()
	return j, nil
}

// ClaimJob atomically swaps DISPATCHED (or retryable FAILED) -> RUNNING and
// grants ownership. The per-project concurrency cap is enforced in the same
// statement; a blocked or already-claimed job yields (nil, nil).
func (r *JobRepo) ClaimJob(ctx context.Context, id, ownerID string, projectCap int) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	q := `UPDATE jobs SET state = $3, owner_id = $2, claimed_at = now(), updated_at = now()
		WHERE id = $1
		AND (state = $4 OR (state = $5 AND attempt <= max_retries))
		AND ($6 <= 0 OR (SELECT count(*) FROM jobs r WHERE r.project_id = jobs.project_id AND r.state = $3) < $6)
		RETURNING ` + jobCols
	j, err := scanJob(r.pool.QueryRow(ctx, q, id, ownerID,
		domain.JobRunning, domain.JobDispatched, domain.JobFailed, projectCap))
	if err != nil {
		if err == pgx.ErrNoRows {
			observability.JobClaimsTotal.WithLabelValues("unavailable").Inc()
			return nil, nil
		}
		observability.JobClaimsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("op=jobs.claim: %w", err)
	}
	observability.JobClaimsTotal.WithLabelValues("won").Inc()
	observability.JobTransitionsTotal.WithLabelValues(string(j.Type), string(domain.JobRunning)).Inc()
	return &j, nil
}

// UpdateJobSafe applies a patch under CAS on (id, attempt). Transition
// legality is enforced in the statement via the allowed source states.
func (r *JobRepo) UpdateJobSafe(ctx context.Context, id string, expectedAttempt int, patch domain.JobPatch) (domain.Job, error) {
	return r.updateSafe(ctx, id, expectedAttempt, patch, false)
}

// UpdateJobSafeAndIncrementAttempt additionally bumps attempt atomically;
// used by workers for retry accounting.
func (r *JobRepo) UpdateJobSafeAndIncrementAttempt(ctx context.Context, id string, expectedAttempt int, patch domain.JobPatch) (domain.Job, error) {
	return r.updateSafe(ctx, id, expectedAttempt, patch, true)
}

func (r *JobRepo) updateSafe(ctx context.Context, id string, expectedAttempt int, patch domain.JobPatch, bumpAttempt bool) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateSafe")
	defer span.End()

	if err := patch.Validate(); err != nil {
		return domain.Job{}, err
	}
	set := "updated_at = now()"
	args := []any{id, expectedAttempt}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	where := ""
	if patch.State != nil {
		add("state", *patch.State)
		if patch.State.IsTerminal() || *patch.State == domain.JobDispatched {
			// Owner is held only while RUNNING.
			set += ", owner_id = ''"
		}
		sources := domain.TransitionSources(*patch.State)
		states := make([]string, 0, len(sources))
		for _, s := range sources {
			states = append(states, string(s))
		}
		args = append(args, states)
		where = fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	if patch.Error != nil {
		add("error", domain.TruncateError(*patch.Error))
	}
	if patch.Payload != nil {
		b, err := json.Marshal(*patch.Payload)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.update_safe: %w", err)
		}
		add("payload", b)
	}
	if bumpAttempt {
		set += ", attempt = attempt + 1"
	}
	q := `UPDATE jobs SET ` + set + ` WHERE id = $1 AND attempt = $2` + where + ` RETURNING ` + jobCols
	j, err := scanJob(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.update_safe: %w", domain.ErrStaleWrite)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.update_safe: %w", err)
	}
	if patch.State != nil {
		observability.JobTransitionsTotal.WithLabelValues(string(j.Type), string(*patch.State)).Inc()
	}
	return j, nil
}

// Redispatch returns a stalled RUNNING or backed-off FAILED job to
// DISPATCHED without touching attempt.
func (r *JobRepo) Redispatch(ctx context.Context, id string, expectedAttempt int) (domain.Job, error) {
	q := `UPDATE jobs SET state = $3, owner_id = '', claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND attempt = $2 AND state IN ($4, $5)
		RETURNING ` + jobCols
	j, err := scanJob(r.pool.QueryRow(ctx, q, id, expectedAttempt,
		domain.JobDispatched, domain.JobRunning, domain.JobFailed))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.redispatch: %w", domain.ErrStaleWrite)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.redispatch: %w", err)
	}
	observability.JobTransitionsTotal.WithLabelValues(string(j.Type), string(domain.JobDispatched)).Inc()
	return j, nil
}

// ListStalled returns RUNNING jobs claimed before the cutoff.
func (r *JobRepo) ListStalled(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE state = $1 AND claimed_at < $2 ORDER BY claimed_at`
	return r.queryJobs(ctx, "jobs.stalled", q, domain.JobRunning, cutoff)
}

// ListRetryable returns FAILED jobs still within their retry budget.
func (r *JobRepo) ListRetryable(ctx context.Context) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE state = $1 AND attempt <= max_retries ORDER BY updated_at`
	return r.queryJobs(ctx, "jobs.retryable", q, domain.JobFailed)
}

// CancelPending transitions every queued (non-RUNNING, non-terminal) job of
// a project to CANCELLED.
func (r *JobRepo) CancelPending(ctx context.Context, projectID string) ([]domain.Job, error) {
	q := `UPDATE jobs SET state = $2, owner_id = '', updated_at = now()
		WHERE project_id = $1 AND state IN ($3, $4, $5)
		RETURNING ` + jobCols
	jobs, err := r.queryJobs(ctx, "jobs.cancel_pending", q, projectID,
		domain.JobCancelled, domain.JobCreated, domain.JobDispatched, domain.JobFailed)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		observability.JobTransitionsTotal.WithLabelValues(string(j.Type), string(domain.JobCancelled)).Inc()
	}
	return jobs, nil
}

// Revive resets a FATAL job to DISPATCHED with attempt 1, merging revised
// params into the payload. Used by RESOLVE_INTERVENTION.
func (r *JobRepo) Revive(ctx context.Context, id string, params map[string]any) (domain.Job, error) {
	cur, err := r.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if cur.State != domain.JobFatal {
		return domain.Job{}, fmt.Errorf("op=jobs.revive: state %s: %w", cur.State, domain.ErrConflict)
	}
	payload := cur.Payload
	if len(params) > 0 {
		if payload.Params == nil {
			payload.Params = map[string]any{}
		}
		for k, v := range params {
			payload.Params[k] = v
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.revive: %w", err)
	}
	q := `UPDATE jobs SET state = $2, attempt = 1, error = '', owner_id = '',
		claimed_at = NULL, payload = $3, updated_at = now()
		WHERE id = $1 AND state = $4
		RETURNING ` + jobCols
	j, err := scanJob(r.pool.QueryRow(ctx, q, id, domain.JobDispatched, b, domain.JobFatal))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.revive: %w", domain.ErrStaleWrite)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.revive: %w", err)
	}
	observability.JobTransitionsTotal.WithLabelValues(string(j.Type), string(domain.JobDispatched)).Inc()
	return j, nil
}

func (r *JobRepo) getByKey(ctx context.Context, projectID, uniqueKey string) (domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE project_id = $1 AND unique_key = $2`
	j, err := scanJob(r.pool.QueryRow(ctx, q, projectID, uniqueKey))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.get_by_key: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get_by_key: %w", err)
	}
	return j, nil
}

func (r *JobRepo) queryJobs(ctx context.Context, op, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return out, nil
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
	)
	if err := row.Scan(&j.ID, &j.ProjectID, &j.Type, &payload, &j.State, &j.Attempt,
		&j.MaxRetries, &j.UniqueKey, &j.AssetKey, &j.Error, &j.OwnerID,
		&j.CreatedAt, &j.UpdatedAt, &j.ClaimedAt); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}
