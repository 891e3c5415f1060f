package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// querier is the subset of *sql.DB and *sql.Tx the query helpers need, so the
// same SQL serves both transactional and plain paths.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a single database transaction. Rollback on error.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgTx implements Tx over an open *sql.Tx.
type pgTx struct {
	q querier
}

const projectColumns = `id, owner_user_id, status, active_version_id, verified_version_id,
	verified_at, verified_snapshot, resolved_view, resolved_view_at, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var status string
	if err := row.Scan(
		&p.ID, &p.OwnerUserID, &status, &p.ActiveVersionID, &p.VerifiedVersionID,
		&p.VerifiedAt, &p.VerifiedSnapshot, &p.ResolvedView, &p.ResolvedViewAt,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return Project{}, err
	}
	parsed, err := ParseProjectStatus(status)
	if err != nil {
		return Project{}, err
	}
	p.Status = parsed
	return p, nil
}

func getProject(ctx context.Context, q querier, projectID string) (Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, err
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return getProject(ctx, s.db, projectID)
}

func (t *pgTx) GetProject(ctx context.Context, projectID string) (Project, error) {
	return getProject(ctx, t.q, projectID)
}

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_user_id, status, resolved_view, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.OwnerUserID, string(p.Status), nullableJSON(p.ResolvedView), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	return s.listProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListProjectsForOwner(ctx context.Context, ownerUserID string) ([]Project, error) {
	return s.listProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_user_id=$1 ORDER BY created_at DESC`, ownerUserID)
}

// ListVerifiedProjects returns every verified project except excludeID, most
// recently verified first. Used by the automation-eligibility scan.
func (s *PostgresStore) ListVerifiedProjects(ctx context.Context, excludeID string) ([]Project, error) {
	return s.listProjects(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE status=$1 AND id<>$2 AND verified_snapshot IS NOT NULL
		ORDER BY verified_at DESC
	`, string(StatusVerified), excludeID)
}

func (s *PostgresStore) listProjects(ctx context.Context, query string, args ...any) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

const claimColumns = `id, project_id, field_key, value_json, claim_type, confidence,
	created_by_role, created_by_user_id, source_type, source_ref, version_id, idempotency_key, created_at`

func scanClaim(row interface{ Scan(...any) error }) (SourcingClaim, error) {
	var c SourcingClaim
	var claimType, role string
	if err := row.Scan(
		&c.ID, &c.ProjectID, &c.FieldKey, &c.ValueJSON, &claimType, &c.Confidence,
		&role, &c.CreatedByUserID, &c.SourceType, &c.SourceRef, &c.VersionID,
		&c.IdempotencyKey, &c.CreatedAt,
	); err != nil {
		return SourcingClaim{}, err
	}
	parsedType, err := ParseClaimType(claimType)
	if err != nil {
		return SourcingClaim{}, err
	}
	parsedRole, err := ParseActorRole(role)
	if err != nil {
		return SourcingClaim{}, err
	}
	c.ClaimType = parsedType
	c.CreatedByRole = parsedRole
	return c, nil
}

func insertClaim(ctx context.Context, q querier, c SourcingClaim) (SourcingClaim, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sourcing_claims
			(id, project_id, field_key, value_json, claim_type, confidence,
			 created_by_role, created_by_user_id, source_type, source_ref, version_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.ProjectID, c.FieldKey, []byte(c.ValueJSON), string(c.ClaimType), c.Confidence,
		string(c.CreatedByRole), c.CreatedByUserID, c.SourceType, c.SourceRef, c.VersionID, c.IdempotencyKey, c.CreatedAt)
	if err != nil {
		return SourcingClaim{}, fmt.Errorf("insert claim: %w", err)
	}
	return c, nil
}

func (t *pgTx) InsertClaim(ctx context.Context, c SourcingClaim) (SourcingClaim, error) {
	return insertClaim(ctx, t.q, c)
}

func findClaimByIdempotencyKey(ctx context.Context, q querier, projectID, key string) (SourcingClaim, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM sourcing_claims
		WHERE project_id=$1 AND idempotency_key=$2
	`, projectID, key)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SourcingClaim{}, false, nil
	}
	if err != nil {
		return SourcingClaim{}, false, fmt.Errorf("find claim by idempotency key: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (SourcingClaim, bool, error) {
	return findClaimByIdempotencyKey(ctx, s.db, projectID, key)
}

func (t *pgTx) FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (SourcingClaim, bool, error) {
	return findClaimByIdempotencyKey(ctx, t.q, projectID, key)
}

func claimsForVersion(ctx context.Context, q querier, projectID, versionID string) ([]SourcingClaim, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM sourcing_claims
		WHERE project_id=$1 AND version_id=$2
		ORDER BY created_at ASC, id ASC
	`, projectID, versionID)
	if err != nil {
		return nil, fmt.Errorf("list claims for version: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (t *pgTx) ClaimsForVersion(ctx context.Context, projectID, versionID string) ([]SourcingClaim, error) {
	return claimsForVersion(ctx, t.q, projectID, versionID)
}

func (s *PostgresStore) ClaimsForVersion(ctx context.Context, projectID, versionID string) ([]SourcingClaim, error) {
	return claimsForVersion(ctx, s.db, projectID, versionID)
}

// ListClaims returns the full ledger for a project, oldest first. versionID
// narrows to one version when non-empty.
func (s *PostgresStore) ListClaims(ctx context.Context, projectID, versionID string) ([]SourcingClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM sourcing_claims WHERE project_id=$1`
	args := []any{projectID}
	if versionID != "" {
		query += ` AND version_id=$2`
		args = append(args, versionID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

// ClaimsByFieldKey returns claims for one field key under one version, newest
// first. claimType narrows the result when non-empty.
func (s *PostgresStore) ClaimsByFieldKey(ctx context.Context, projectID, versionID, fieldKey string, claimType ClaimType) ([]SourcingClaim, error) {
	query := `
		SELECT ` + claimColumns + ` FROM sourcing_claims
		WHERE project_id=$1 AND version_id=$2 AND field_key=$3`
	args := []any{projectID, versionID, fieldKey}
	if claimType != "" {
		query += ` AND claim_type=$4`
		args = append(args, string(claimType))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims by field key: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

func collectClaims(rows *sql.Rows) ([]SourcingClaim, error) {
	var claims []SourcingClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func missingEvidenceIDs(ctx context.Context, q querier, projectID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, projectID)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := `SELECT id FROM evidence_files WHERE project_id=$1 AND id IN (` + strings.Join(placeholders, ",") + `)`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("check evidence ids: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan evidence id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (t *pgTx) MissingEvidenceIDs(ctx context.Context, projectID string, ids []string) ([]string, error) {
	return missingEvidenceIDs(ctx, t.q, projectID, ids)
}

func (s *PostgresStore) MissingEvidenceIDs(ctx context.Context, projectID string, ids []string) ([]string, error) {
	return missingEvidenceIDs(ctx, s.db, projectID, ids)
}

func (t *pgTx) LinkEvidence(ctx context.Context, claimID string, evidenceIDs []string) error {
	for _, evidenceID := range evidenceIDs {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO claim_evidence_links (claim_id, evidence_id)
			VALUES ($1, $2)
			ON CONFLICT (claim_id, evidence_id) DO NOTHING
		`, claimID, evidenceID); err != nil {
			return fmt.Errorf("link evidence: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateResolvedView(ctx context.Context, projectID, activeVersionID string, view json.RawMessage, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE projects
		SET active_version_id=$2, resolved_view=$3, resolved_view_at=$4, updated_at=$4
		WHERE id=$1
	`, projectID, activeVersionID, []byte(view), at)
	if err != nil {
		return fmt.Errorf("update resolved view: %w", err)
	}
	return requireOneRow(res, "update resolved view")
}

func (t *pgTx) UpdateProjectStatus(ctx context.Context, projectID string, status ProjectStatus, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE projects SET status=$2, updated_at=$3 WHERE id=$1
	`, projectID, string(status), at)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	return requireOneRow(res, "update project status")
}

func (t *pgTx) FreezeVerification(ctx context.Context, projectID string, verifiedAt time.Time, versionID string, snapshot json.RawMessage) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE projects
		SET verified_at=$2, verified_version_id=$3, verified_snapshot=$4, updated_at=$2
		WHERE id=$1
	`, projectID, verifiedAt, versionID, nullableJSON(snapshot))
	if err != nil {
		return fmt.Errorf("freeze verification: %w", err)
	}
	return requireOneRow(res, "freeze verification")
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const statusEventColumns = `id, project_id, from_status, to_status, actor_id, actor_role, reason, source, idempotency_key, created_at`

func scanStatusEvent(row interface{ Scan(...any) error }) (ProjectStatusEvent, error) {
	var e ProjectStatusEvent
	var from, to, role, source string
	if err := row.Scan(&e.ID, &e.ProjectID, &from, &to, &e.ActorID, &role, &e.Reason, &source, &e.IdempotencyKey, &e.CreatedAt); err != nil {
		return ProjectStatusEvent{}, err
	}
	var err error
	if e.FromStatus, err = ParseProjectStatus(from); err != nil {
		return ProjectStatusEvent{}, err
	}
	if e.ToStatus, err = ParseProjectStatus(to); err != nil {
		return ProjectStatusEvent{}, err
	}
	if e.ActorRole, err = ParseActorRole(role); err != nil {
		return ProjectStatusEvent{}, err
	}
	if e.Source, err = ParseEventSource(source); err != nil {
		return ProjectStatusEvent{}, err
	}
	return e, nil
}

func (t *pgTx) InsertStatusEvent(ctx context.Context, e ProjectStatusEvent) (ProjectStatusEvent, error) {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO project_status_events
			(id, project_id, from_status, to_status, actor_id, actor_role, reason, source, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.ProjectID, string(e.FromStatus), string(e.ToStatus), e.ActorID, string(e.ActorRole), e.Reason, string(e.Source), e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		return ProjectStatusEvent{}, fmt.Errorf("insert status event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FindStatusEventByIdempotencyKey(ctx context.Context, projectID, key string) (ProjectStatusEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+statusEventColumns+` FROM project_status_events
		WHERE project_id=$1 AND idempotency_key=$2
	`, projectID, key)
	e, err := scanStatusEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectStatusEvent{}, false, nil
	}
	if err != nil {
		return ProjectStatusEvent{}, false, fmt.Errorf("find status event by idempotency key: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) ListStatusEvents(ctx context.Context, projectID string) ([]ProjectStatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statusEventColumns+` FROM project_status_events
		WHERE project_id=$1 ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var events []ProjectStatusEvent
	for rows.Next() {
		e, err := scanStatusEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const auditColumns = `id, project_id, actor_id, actor_role, action_type, note, request_id, idempotency_key, created_at`

func scanAudit(row interface{ Scan(...any) error }) (AuditAction, error) {
	var a AuditAction
	var role string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.ActorID, &role, &a.ActionType, &a.Note, &a.RequestID, &a.IdempotencyKey, &a.CreatedAt); err != nil {
		return AuditAction{}, err
	}
	parsed, err := ParseActorRole(role)
	if err != nil {
		return AuditAction{}, err
	}
	a.ActorRole = parsed
	return a, nil
}

func insertAudit(ctx context.Context, q querier, a AuditAction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_actions
			(id, project_id, actor_id, actor_role, action_type, note, request_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.ProjectID, a.ActorID, string(a.ActorRole), a.ActionType, a.Note, a.RequestID, a.IdempotencyKey, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit action: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, a AuditAction) error {
	return insertAudit(ctx, t.q, a)
}

func (s *PostgresStore) InsertAudit(ctx context.Context, a AuditAction) error {
	return insertAudit(ctx, s.db, a)
}

func (s *PostgresStore) ListAudit(ctx context.Context, projectID string, limit int) ([]AuditAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_actions
		WHERE project_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit actions: %w", err)
	}
	defer rows.Close()
	return collectAudit(rows)
}

// LatestAuditByType returns the most recent audit action of one type for a
// project, if any.
func (s *PostgresStore) LatestAuditByType(ctx context.Context, projectID, actionType string) (AuditAction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+` FROM audit_actions
		WHERE project_id=$1 AND action_type=$2
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, projectID, actionType)
	a, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditAction{}, false, nil
	}
	if err != nil {
		return AuditAction{}, false, fmt.Errorf("latest audit action: %w", err)
	}
	return a, true, nil
}

func (s *PostgresStore) FindAuditByIdempotencyKey(ctx context.Context, projectID, actionType, key string) (AuditAction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+` FROM audit_actions
		WHERE project_id=$1 AND action_type=$2 AND idempotency_key=$3
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, projectID, actionType, key)
	a, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditAction{}, false, nil
	}
	if err != nil {
		return AuditAction{}, false, fmt.Errorf("find audit by idempotency key: %w", err)
	}
	return a, true, nil
}

func collectAudit(rows *sql.Rows) ([]AuditAction, error) {
	var actions []AuditAction
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

const evidenceColumns = `id, project_id, storage_path, mime_type, sha256, size_bytes,
	original_filename, uploaded_by_user_id, virus_scan_status, created_at`

func scanEvidence(row interface{ Scan(...any) error }) (EvidenceFile, error) {
	var f EvidenceFile
	err := row.Scan(&f.ID, &f.ProjectID, &f.StoragePath, &f.MimeType, &f.SHA256, &f.SizeBytes,
		&f.OriginalFilename, &f.UploadedByUserID, &f.VirusScanStatus, &f.CreatedAt)
	return f, err
}

func (s *PostgresStore) InsertEvidence(ctx context.Context, f EvidenceFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_files
			(id, project_id, storage_path, mime_type, sha256, size_bytes,
			 original_filename, uploaded_by_user_id, virus_scan_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, f.ID, f.ProjectID, f.StoragePath, f.MimeType, f.SHA256, f.SizeBytes,
		f.OriginalFilename, f.UploadedByUserID, f.VirusScanStatus, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evidence file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvidence(ctx context.Context, projectID, evidenceID string) (EvidenceFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_files WHERE project_id=$1 AND id=$2
	`, projectID, evidenceID)
	f, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EvidenceFile{}, err
		}
		return EvidenceFile{}, fmt.Errorf("get evidence file: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, projectID string) ([]EvidenceFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_files WHERE project_id=$1 ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list evidence files: %w", err)
	}
	defer rows.Close()

	var files []EvidenceFile
	for rows.Next() {
		f, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
