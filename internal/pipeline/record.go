package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"verisource/api/internal/apperr"
	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
	"verisource/api/internal/util"
)

type RecordInput struct {
	ProjectID      string
	Step           string
	EvidenceIDs    []string
	IdempotencyKey string
	RequestID      string
	Actor          ledger.Actor
}

type RecordResult struct {
	Claim           store.SourcingClaim `json:"claim"`
	AlreadyRecorded bool                `json:"already_recorded"`
}

// RecordSent records that a human actually dispatched a prepared execution
// step. This is the only path that creates a VERIFIED execution result, and
// it refuses to run without evidence.
func (s *Service) RecordSent(ctx context.Context, in RecordInput) (RecordResult, error) {
	if in.Actor.Role != store.ActorUser && in.Actor.Role != store.ActorAdmin {
		return RecordResult{}, apperr.Forbidden("Only a user or admin can record a sent action")
	}
	if in.Step == "" {
		return RecordResult{}, apperr.Validation("step is required", nil)
	}
	if len(in.EvidenceIDs) == 0 {
		return RecordResult{}, apperr.Validation("At least one evidence file is required to record a sent action", nil)
	}
	if in.IdempotencyKey == "" {
		return RecordResult{}, apperr.IdempotencyRequired()
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return RecordResult{}, err
	}
	if project.Status != store.StatusVerified || project.VerifiedVersionID == nil || *project.VerifiedVersionID == "" {
		return RecordResult{}, apperr.Conflict("Execution results can only be recorded on a VERIFIED project")
	}
	versionID := *project.VerifiedVersionID

	resultKey := fmt.Sprintf("%s:execution_result:%s", in.IdempotencyKey, in.Step)
	if existing, ok, err := s.store.FindClaimByIdempotencyKey(ctx, in.ProjectID, resultKey); err != nil {
		return RecordResult{}, err
	} else if ok {
		return RecordResult{Claim: existing, AlreadyRecorded: true}, nil
	}

	if err := s.requirePreparedStep(ctx, in.ProjectID, versionID, in.Step); err != nil {
		return RecordResult{}, err
	}

	if missing, err := s.store.MissingEvidenceIDs(ctx, in.ProjectID, in.EvidenceIDs); err != nil {
		return RecordResult{}, err
	} else if len(missing) > 0 {
		return RecordResult{}, apperr.Validation("Some evidence ids were not found for this project", map[string]any{"missing": missing})
	}

	now := time.Now().UTC()
	sentAt := now.Format(time.RFC3339)

	markedNote, err := json.Marshal(map[string]any{
		"step":         in.Step,
		"sent_at":      sentAt,
		"evidence_ids": in.EvidenceIDs,
	})
	if err != nil {
		return RecordResult{}, fmt.Errorf("marshal marked-sent note: %w", err)
	}
	markedKey := fmt.Sprintf("%s:execution_marked_sent:%s", in.IdempotencyKey, in.Step)
	if err := s.store.InsertAudit(ctx, store.AuditAction{
		ID:             util.NewID("aud"),
		ProjectID:      in.ProjectID,
		ActorID:        in.Actor.ID,
		ActorRole:      in.Actor.Role,
		ActionType:     store.AuditExecutionMarkedSent,
		Note:           string(markedNote),
		RequestID:      in.RequestID,
		IdempotencyKey: &markedKey,
		CreatedAt:      now,
	}); err != nil {
		return RecordResult{}, err
	}

	value, err := json.Marshal(map[string]any{
		"step":         in.Step,
		"result":       "sent",
		"sent_at":      sentAt,
		"evidence_ids": in.EvidenceIDs,
	})
	if err != nil {
		return RecordResult{}, fmt.Errorf("marshal result value: %w", err)
	}

	appended, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
		ProjectID:           in.ProjectID,
		FieldKey:            ledger.FieldExecutionActionResult,
		Value:               value,
		ClaimType:           store.ClaimVerified,
		SourceType:          "manual",
		SourceRef:           "execution_result:v1",
		EvidenceIDs:         in.EvidenceIDs,
		IdempotencyKey:      resultKey,
		RequestID:           in.RequestID,
		Actor:               in.Actor,
		VersionID:           versionID,
		AllowVerifiedResult: true,
	})
	if err != nil {
		return RecordResult{}, err
	}

	if err := s.pipelineRun(ctx, in.ProjectID, in.IdempotencyKey+":execution_result", map[string]any{
		"phase": "record",
		"step":  in.Step,
	}, in.RequestID); err != nil {
		return RecordResult{}, err
	}

	return RecordResult{Claim: appended.Claim, AlreadyRecorded: appended.Replayed}, nil
}

func (s *Service) requirePreparedStep(ctx context.Context, projectID, versionID, step string) error {
	actions, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldExecutionAction, "")
	if err != nil {
		return err
	}
	for _, action := range actions {
		var value struct {
			Step   string `json:"step"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(action.ValueJSON, &value); err != nil {
			continue
		}
		if value.Step == step && value.Status == "prepared" {
			return nil
		}
	}
	return apperr.Conflict(fmt.Sprintf("Step %s has not been prepared for this project", step))
}
