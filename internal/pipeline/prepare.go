package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
)

type PrepareResult struct {
	OK            bool     `json:"ok"`
	Reason        string   `json:"reason,omitempty"`
	StepsPrepared []string `json:"steps_prepared"`
	StepsFailed   []string `json:"steps_failed,omitempty"`
}

// RunPrepare turns the approved execution steps into send-ready artifacts,
// one execution_action claim per step. Nothing is sent; every artifact
// requires a human to actually dispatch it.
func (s *Service) RunPrepare(ctx context.Context, projectID, key, requestID string) (PrepareResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return PrepareResult{}, err
	}

	if reason := planGuard(project); reason != "" {
		reason = "execution prepare skipped: " + trimGuardPrefix(reason)
		s.editNote(ctx, projectID, key+":execution_action:skipped", reason, requestID)
		return PrepareResult{OK: false, Reason: reason}, nil
	}
	versionID := *project.VerifiedVersionID

	planClaims, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldExecutionPlan, "")
	if err != nil {
		return PrepareResult{}, err
	}
	if len(planClaims) == 0 {
		reason := "execution prepare skipped: no execution plan claim"
		s.editNote(ctx, projectID, key+":execution_action:skipped", reason, requestID)
		return PrepareResult{OK: false, Reason: reason}, nil
	}
	previewClaims, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldExecutionCostPreview, "")
	if err != nil {
		return PrepareResult{}, err
	}
	if len(previewClaims) == 0 {
		reason := "execution prepare skipped: no cost preview claim"
		s.editNote(ctx, projectID, key+":execution_action:skipped", reason, requestID)
		return PrepareResult{OK: false, Reason: reason}, nil
	}

	approval, ok, err := s.store.LatestAuditByType(ctx, projectID, store.AuditExecutionApproved)
	if err != nil {
		return PrepareResult{}, err
	}
	if !ok {
		reason := "execution prepare skipped: no execution approval"
		s.editNote(ctx, projectID, key+":execution_action:skipped", reason, requestID)
		return PrepareResult{OK: false, Reason: reason}, nil
	}

	approvedSteps := parseApprovedSteps(approval.Note)
	if len(approvedSteps) == 0 {
		reason := "execution prepare aborted: approval contains no steps"
		s.editNote(ctx, projectID, key+":execution_action:skipped", reason, requestID)
		return PrepareResult{OK: false, Reason: reason}, nil
	}

	result := PrepareResult{OK: true}
	for _, step := range approvedSteps {
		value, err := json.Marshal(map[string]any{
			"step":   step,
			"status": "prepared",
			"artifacts": map[string]any{
				"email_draft":      nil,
				"message_template": messageTemplate(step),
				"attachments":      []string{},
			},
			"requires_human_send": true,
			"generated_at":        time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return PrepareResult{}, fmt.Errorf("marshal action value: %w", err)
		}

		if _, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
			ProjectID:         projectID,
			FieldKey:          ledger.FieldExecutionAction,
			Value:             value,
			ClaimType:         store.ClaimHypothesis,
			SourceType:        "system",
			SourceRef:         "execution_actor:v1",
			IdempotencyKey:    fmt.Sprintf("%s:execution_action:%s", key, step),
			RequestID:         requestID,
			Actor:             systemActor(),
			VersionID:         versionID,
			AllowWhenVerified: true,
		}); err != nil {
			log.Printf(`{"msg":"prepare step failed","project_id":"%s","step":"%s","err":"%v"}`, projectID, step, err)
			s.editNote(ctx, projectID, fmt.Sprintf("%s:execution_action:%s:failed", key, step),
				fmt.Sprintf("prepare failed for step %s: %v", step, err), requestID)
			result.StepsFailed = append(result.StepsFailed, step)
			continue
		}
		result.StepsPrepared = append(result.StepsPrepared, step)
	}

	if err := s.pipelineRun(ctx, projectID, key+":execution_action", map[string]any{
		"phase":          "prepare",
		"steps_prepared": result.StepsPrepared,
	}, requestID); err != nil {
		return PrepareResult{}, err
	}
	return result, nil
}

func parseApprovedSteps(note string) []string {
	var payload struct {
		ApprovedSteps []string `json:"approved_steps"`
	}
	if err := json.Unmarshal([]byte(note), &payload); err != nil {
		return nil
	}
	return payload.ApprovedSteps
}

func messageTemplate(step string) string {
	switch step {
	case StepSampleRequest:
		return "Request pre-production sample from the verified factory. Please provide shipping address and sample quantity."
	case StepPriceConfirmation:
		return "Confirm final unit price, MOQ, and payment terms with the verified factory."
	case StepProductionLeadTime:
		return "Confirm production timeline and shipping window with the verified factory."
	}
	return fmt.Sprintf("Execute step: %s. Human action required.", step)
}

func trimGuardPrefix(reason string) string {
	const prefix = "execution plan skipped: "
	if len(reason) > len(prefix) && reason[:len(prefix)] == prefix {
		return reason[len(prefix):]
	}
	return reason
}
