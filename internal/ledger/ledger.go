package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"verisource/api/internal/apperr"
	"verisource/api/internal/store"
	"verisource/api/internal/util"
)

// Store is the persistence surface the ledger needs. *store.PostgresStore
// satisfies it.
type Store interface {
	FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (store.SourcingClaim, bool, error)
	InTx(ctx context.Context, fn func(store.Tx) error) error
}

type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

// Actor identifies who is appending.
type Actor struct {
	ID   string
	Role store.ActorRole
}

// AppendInput carries one claim append request.
type AppendInput struct {
	ProjectID      string
	FieldKey       string
	Value          json.RawMessage
	ClaimType      store.ClaimType
	Confidence     *float64
	SourceType     string
	SourceRef      string
	EvidenceIDs    []string
	IdempotencyKey string
	RequestID      string
	Actor          Actor

	// VersionID pins the claim to a specific version instead of the
	// project's active one. Pipeline writers set it to the verified version.
	VersionID string

	// AllowWhenVerified lets the system actor write pipeline outputs to a
	// VERIFIED project. AllowVerifiedResult lets a user or admin record a
	// VERIFIED execution result on a VERIFIED project.
	AllowWhenVerified   bool
	AllowVerifiedResult bool
}

type AppendResult struct {
	Claim    store.SourcingClaim
	Replayed bool
}

func (s *Service) AppendClaim(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ProjectID == "" || in.FieldKey == "" || len(in.Value) == 0 {
		return AppendResult{}, apperr.Validation("projectId, fieldKey, and value are required", nil)
	}
	if err := checkClaimTypeForRole(in.Actor.Role, in.ClaimType, in); err != nil {
		return AppendResult{}, err
	}

	// The idempotency key is optional on claim appends; a keyless append is
	// simply never replayable. Replay check runs before opening a
	// transaction; the unique index covers the race where two writers pass
	// this at once.
	if in.IdempotencyKey != "" {
		if existing, ok, err := s.store.FindClaimByIdempotencyKey(ctx, in.ProjectID, in.IdempotencyKey); err != nil {
			return AppendResult{}, err
		} else if ok {
			return AppendResult{Claim: existing, Replayed: true}, nil
		}
	}

	var claim store.SourcingClaim
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		project, err := tx.GetProject(ctx, in.ProjectID)
		if err != nil {
			return err
		}
		if in.Actor.Role == store.ActorUser && project.OwnerUserID != in.Actor.ID {
			return apperr.Forbidden("You do not have access to this project")
		}
		if err := checkVerifiedGate(project, in); err != nil {
			return err
		}

		versionID := in.VersionID
		if versionID == "" && project.ActiveVersionID != nil {
			versionID = *project.ActiveVersionID
		}
		if versionID == "" {
			versionID = uuid.NewString()
		}

		if len(in.EvidenceIDs) > 0 {
			missing, err := tx.MissingEvidenceIDs(ctx, in.ProjectID, in.EvidenceIDs)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return apperr.Validation("Some evidence ids were not found for this project", map[string]any{"missing": missing})
			}
		}

		now := time.Now().UTC()
		var key *string
		if in.IdempotencyKey != "" {
			key = &in.IdempotencyKey
		}
		claim, err = tx.InsertClaim(ctx, store.SourcingClaim{
			ID:              util.NewID("clm"),
			ProjectID:       in.ProjectID,
			FieldKey:        in.FieldKey,
			ValueJSON:       in.Value,
			ClaimType:       in.ClaimType,
			Confidence:      in.Confidence,
			CreatedByRole:   in.Actor.Role,
			CreatedByUserID: in.Actor.ID,
			SourceType:      in.SourceType,
			SourceRef:       in.SourceRef,
			VersionID:       versionID,
			IdempotencyKey:  key,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}

		if len(in.EvidenceIDs) > 0 {
			if err := tx.LinkEvidence(ctx, claim.ID, in.EvidenceIDs); err != nil {
				return err
			}
		}

		// Verified-gated appends never touch the resolved view; the frozen
		// snapshot stays the project's truth.
		if project.Status != store.StatusVerified {
			claims, err := tx.ClaimsForVersion(ctx, in.ProjectID, versionID)
			if err != nil {
				return err
			}
			view := BuildResolvedView(versionID, claims)
			raw, err := json.Marshal(view)
			if err != nil {
				return fmt.Errorf("marshal resolved view: %w", err)
			}
			if err := tx.UpdateResolvedView(ctx, in.ProjectID, versionID, raw, now); err != nil {
				return err
			}
		}

		return tx.InsertAudit(ctx, store.AuditAction{
			ID:             util.NewID("aud"),
			ProjectID:      in.ProjectID,
			ActorID:        in.Actor.ID,
			ActorRole:      in.Actor.Role,
			ActionType:     store.AuditClaimAppend,
			Note:           fmt.Sprintf("append claim %s (%s)", in.FieldKey, in.ClaimType),
			RequestID:      in.RequestID,
			IdempotencyKey: key,
			CreatedAt:      now,
		})
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			if existing, ok, findErr := s.store.FindClaimByIdempotencyKey(ctx, in.ProjectID, in.IdempotencyKey); findErr == nil && ok {
				return AppendResult{Claim: existing, Replayed: true}, nil
			}
		}
		return AppendResult{}, err
	}
	return AppendResult{Claim: claim, Replayed: false}, nil
}

func checkClaimTypeForRole(role store.ActorRole, claimType store.ClaimType, in AppendInput) error {
	switch role {
	case store.ActorUser:
		if claimType == store.ClaimUserProvided {
			return nil
		}
		if in.AllowVerifiedResult && in.FieldKey == FieldExecutionActionResult && claimType == store.ClaimVerified {
			return nil
		}
		return apperr.Forbidden("Users can only append USER_PROVIDED claims")
	case store.ActorAuditor:
		if claimType == store.ClaimHypothesis {
			return apperr.Forbidden("Auditors cannot append HYPOTHESIS claims")
		}
	}
	return nil
}

// checkVerifiedGate enforces the post-verification append rules. Only two
// narrow writes are allowed once a project is VERIFIED; everything else must
// reopen the project first.
func checkVerifiedGate(project store.Project, in AppendInput) error {
	if project.Status != store.StatusVerified {
		return nil
	}

	verifiedVersion := ""
	if project.VerifiedVersionID != nil {
		verifiedVersion = *project.VerifiedVersionID
	}

	systemAppend := in.AllowWhenVerified &&
		in.Actor.Role == store.ActorSystem &&
		in.ClaimType == store.ClaimHypothesis &&
		in.VersionID != "" && in.VersionID == verifiedVersion &&
		verifiedSystemFieldKeys[in.FieldKey]

	resultAppend := in.AllowVerifiedResult &&
		(in.Actor.Role == store.ActorUser || in.Actor.Role == store.ActorAdmin) &&
		in.ClaimType == store.ClaimVerified &&
		in.FieldKey == FieldExecutionActionResult &&
		in.VersionID != "" && in.VersionID == verifiedVersion

	if systemAppend || resultAppend {
		return nil
	}
	return apperr.ImmutableClaim("Project is VERIFIED; reopen to ANALYZING before appending new claims")
}
