package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the unit-of-work surface for ledger and state-machine writes. Claim
// rows are reachable only through InsertClaim and the find/list methods;
// there is deliberately no update or delete for them, here or anywhere else.
type Tx interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
	InsertClaim(ctx context.Context, claim SourcingClaim) (SourcingClaim, error)
	FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (SourcingClaim, bool, error)
	MissingEvidenceIDs(ctx context.Context, projectID string, ids []string) ([]string, error)
	LinkEvidence(ctx context.Context, claimID string, evidenceIDs []string) error
	ClaimsForVersion(ctx context.Context, projectID, versionID string) ([]SourcingClaim, error)
	UpdateResolvedView(ctx context.Context, projectID, activeVersionID string, view json.RawMessage, at time.Time) error
	UpdateProjectStatus(ctx context.Context, projectID string, status ProjectStatus, at time.Time) error
	FreezeVerification(ctx context.Context, projectID string, verifiedAt time.Time, versionID string, snapshot json.RawMessage) error
	InsertStatusEvent(ctx context.Context, event ProjectStatusEvent) (ProjectStatusEvent, error)
	InsertAudit(ctx context.Context, action AuditAction) error
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// failure. Concurrent idempotent writes race to insert; the loser sees this
// and reads back the winner's row.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
