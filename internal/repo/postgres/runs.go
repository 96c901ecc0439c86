package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/repo"
)

const runColumns = `id, thread_id, agent_id, agent_version_id, status, instance_id,
	started_at, completed_at, error_message, metadata, created_at, updated_at`

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	now := time.Now().UTC()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agent_runs (
			id,
			thread_id,
			agent_id,
			agent_version_id,
			status,
			instance_id,
			started_at,
			completed_at,
			error_message,
			metadata,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ThreadID),
		nullIfEmpty(run.AgentID),
		nullIfEmpty(run.AgentVersionID),
		string(run.Status),
		nullIfEmpty(run.InstanceID),
		normalizeTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullIfEmpty(run.ErrorMessage),
		metadataJSON,
		createdAt,
		updatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repo.ErrThreadNotFound
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf(
			"thread_id IN (SELECT id FROM agent_threads WHERE project_id = $%d)", len(args)))
	}
	if strings.TrimSpace(filter.ThreadID) != "" {
		args = append(args, strings.TrimSpace(filter.ThreadID))
		clauses = append(clauses, fmt.Sprintf("thread_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM agent_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func (s *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// statusGuard renders an IN (...) list for the given statuses, appending
// their placeholders to args.
func statusGuard(args *[]any, statuses []domain.Status) string {
	marks := make([]string, 0, len(statuses))
	for _, status := range statuses {
		*args = append(*args, string(status))
		marks = append(marks, fmt.Sprintf("$%d", len(*args)))
	}
	return strings.Join(marks, ",")
}

// QueryUnfinished returns runs in any non-terminal state. A worker parks an
// executing run in processing and a failed promote leaves one in pending, so
// filtering on running alone would hide exactly the runs a dead instance
// abandons.
func (s *RunStore) QueryUnfinished(ctx context.Context, olderThan *time.Time) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	args := make([]any, 0, 4)
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE status IN (` +
		statusGuard(&args, domain.NonTerminalStatuses) + `)`
	if olderThan != nil {
		args = append(args, olderThan.UTC())
		query += fmt.Sprintf(" AND started_at < $%d", len(args))
	}
	query += " ORDER BY started_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unfinished: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query unfinished: %w", err)
	}
	return runs, nil
}

func (s *RunStore) QueryInFlightForPrincipal(ctx context.Context, principalID string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return 0, fmt.Errorf("principal id is required")
	}

	args := []any{principalID}
	query := `SELECT COUNT(*)
		 FROM agent_runs r
		 JOIN agents a ON a.id = r.agent_id
		 WHERE a.owner_id = $1
		   AND r.status IN (` + statusGuard(&args, domain.InFlightStatuses) + `)`
	args = append(args, since.UTC())
	query += fmt.Sprintf(" AND r.started_at >= $%d", len(args))

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count in-flight for principal: %w", err)
	}
	return count, nil
}

// FindActiveRunForProject returns the most recently started in-flight run
// for the project, or "" when none exist. Ties break on started_at then id
// so the answer is deterministic across instances.
func (s *RunStore) FindActiveRunForProject(ctx context.Context, projectID string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("run store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", fmt.Errorf("project id is required")
	}

	args := []any{projectID}
	query := `SELECT r.id
		 FROM agent_runs r
		 JOIN agent_threads t ON t.id = r.thread_id
		 WHERE t.project_id = $1 AND r.status IN (` + statusGuard(&args, domain.InFlightStatuses) + `)
		 ORDER BY r.started_at DESC, r.id DESC
		 LIMIT 1`

	var runID string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find active run: %w", err)
	}
	return runID, nil
}

// UpdateStatus performs the guarded transition write. The WHERE clause pins
// the current status to one of the expected source states; zero rows with
// an existing record means someone else already finished the run, and the
// row (including updated_at) stays untouched.
func buildRunStatusUpdateQuery(id string, from []domain.Status, to domain.Status, fields repo.UpdateFields) (string, []any, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", nil, fmt.Errorf("run id is required")
	}
	if len(from) == 0 {
		return "", nil, fmt.Errorf("source statuses are required")
	}
	for _, source := range from {
		if !domain.CanTransition(source, to) {
			return "", nil, fmt.Errorf("transition %s -> %s is not allowed", source, to)
		}
	}

	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{string(to), time.Now().UTC()}

	if fields.CompletedAt != nil {
		args = append(args, fields.CompletedAt.UTC())
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	if fields.ErrorMessage != nil {
		args = append(args, domain.TruncateErrorMessage(*fields.ErrorMessage))
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if fields.InstanceID != nil {
		args = append(args, strings.TrimSpace(*fields.InstanceID))
		sets = append(sets, fmt.Sprintf("instance_id = $%d", len(args)))
	}
	if fields.Metadata != nil {
		metadataJSON, err := encodeMetadata(fields.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("encode metadata: %w", err)
		}
		args = append(args, metadataJSON)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE agent_runs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	guards := make([]string, 0, len(from))
	for _, source := range from {
		args = append(args, string(source))
		guards = append(guards, fmt.Sprintf("$%d", len(args)))
	}
	query += fmt.Sprintf(" AND status IN (%s)", strings.Join(guards, ","))
	return query, args, nil
}

func (s *RunStore) UpdateStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, fields repo.UpdateFields) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)

	query, args, err := buildRunStatusUpdateQuery(id, from, to, fields)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM agent_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if domain.Status(current).Terminal() {
		return repo.ErrAlreadyTerminal
	}
	return fmt.Errorf("run %s is %s, expected one of %v", id, current, from)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var agentID sql.NullString
	var agentVersionID sql.NullString
	var instanceID sql.NullString
	var errorMessage sql.NullString
	var completedAt sql.NullTime
	var metadataJSON []byte
	var status string

	if err := row.Scan(
		&run.ID,
		&run.ThreadID,
		&agentID,
		&agentVersionID,
		&status,
		&instanceID,
		&run.StartedAt,
		&completedAt,
		&errorMessage,
		&metadataJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, err
	}

	run.Status = domain.Status(status)
	if agentID.Valid {
		run.AgentID = agentID.String
	}
	if agentVersionID.Valid {
		run.AgentVersionID = agentVersionID.String
	}
	if instanceID.Valid {
		run.InstanceID = instanceID.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		run.CompletedAt = &completed
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode metadata: %w", err)
	}
	run.Metadata = metadata
	return run, nil
}
