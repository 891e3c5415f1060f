package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
)

// Execution steps a plan proposes. Every one requires a human to act.
const (
	StepSampleRequest      = "sample_request"
	StepPriceConfirmation  = "price_confirmation"
	StepProductionLeadTime = "production_lead_time"
)

const (
	executionFeeFloor = 500.0
	executionFeeRate  = 0.10
)

type PlanResult struct {
	OK          bool                `json:"ok"`
	Replayed    bool                `json:"replayed,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Plan        store.SourcingClaim `json:"plan"`
	CostPreview store.SourcingClaim `json:"cost_preview"`
}

// RunPlan derives an execution plan and a cost preview from a project's
// verified snapshot and appends both as system claims on the verified
// version. Guard misses are soft failures recorded on the audit trail.
func (s *Service) RunPlan(ctx context.Context, projectID, key, requestID string) (PlanResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return PlanResult{}, err
	}

	if reason := planGuard(project); reason != "" {
		s.editNote(ctx, projectID, key+":execution_plan:skipped", reason, requestID)
		return PlanResult{OK: false, Reason: reason}, nil
	}
	versionID := *project.VerifiedVersionID

	if existing, ok, err := s.store.FindClaimByIdempotencyKey(ctx, projectID, key+":execution_plan"); err != nil {
		return PlanResult{}, err
	} else if ok {
		result := PlanResult{OK: true, Replayed: true, Plan: existing}
		if cost, ok, err := s.store.FindClaimByIdempotencyKey(ctx, projectID, key+":execution_cost_preview"); err != nil {
			return PlanResult{}, err
		} else if ok {
			result.CostPreview = cost
		}
		return result, nil
	}

	now := time.Now().UTC()
	orderQuantity := snapshotNumber(project.VerifiedSnapshot, "order_quantity")

	planValue, err := json.Marshal(map[string]any{
		"version_id": versionID,
		"assumptions": map[string]any{
			"order_quantity": orderQuantity,
			"incoterm":       "FOB",
			"currency":       "USD",
		},
		"steps": []map[string]any{
			{
				"step":                  StepSampleRequest,
				"description":           "Request pre-production sample from the verified factory",
				"inputs":                []string{"shipping_address", "sample_quantity"},
				"human_action_required": true,
			},
			{
				"step":                  StepPriceConfirmation,
				"description":           "Confirm final unit price, MOQ, and payment terms",
				"inputs":                []string{},
				"human_action_required": true,
			},
			{
				"step":                  StepProductionLeadTime,
				"description":           "Confirm production timeline and shipping window",
				"inputs":                []string{},
				"human_action_required": true,
			},
		},
		"risks_to_confirm": []string{"Lead time variance", "Payment terms", "Packaging requirements"},
		"generated_at":     now.Format(time.RFC3339),
	})
	if err != nil {
		return PlanResult{}, fmt.Errorf("marshal plan value: %w", err)
	}

	planRes, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
		ProjectID:         projectID,
		FieldKey:          ledger.FieldExecutionPlan,
		Value:             planValue,
		ClaimType:         store.ClaimHypothesis,
		SourceType:        "system",
		SourceRef:         "execution_planner:v1",
		IdempotencyKey:    key + ":execution_plan",
		RequestID:         requestID,
		Actor:             systemActor(),
		VersionID:         versionID,
		AllowWhenVerified: true,
	})
	if err != nil {
		return PlanResult{}, err
	}

	costValue, err := json.Marshal(costPreview(project.VerifiedSnapshot, orderQuantity, now))
	if err != nil {
		return PlanResult{}, fmt.Errorf("marshal cost preview value: %w", err)
	}

	costRes, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
		ProjectID:         projectID,
		FieldKey:          ledger.FieldExecutionCostPreview,
		Value:             costValue,
		ClaimType:         store.ClaimHypothesis,
		SourceType:        "system",
		SourceRef:         "execution_cost_estimator:v1",
		IdempotencyKey:    key + ":execution_cost_preview",
		RequestID:         requestID,
		Actor:             systemActor(),
		VersionID:         versionID,
		AllowWhenVerified: true,
	})
	if err != nil {
		return PlanResult{}, err
	}

	if err := s.pipelineRun(ctx, projectID, key+":execution_plan", map[string]any{
		"phase":         "plan",
		"plan_claim":    planRes.Claim.ID,
		"preview_claim": costRes.Claim.ID,
	}, requestID); err != nil {
		return PlanResult{}, err
	}

	return PlanResult{OK: true, Plan: planRes.Claim, CostPreview: costRes.Claim}, nil
}

func planGuard(project store.Project) string {
	switch {
	case project.Status != store.StatusVerified:
		return fmt.Sprintf("execution plan skipped: project is %s, not VERIFIED", project.Status)
	case len(project.VerifiedSnapshot) == 0:
		return "execution plan skipped: no verified snapshot"
	case project.VerifiedVersionID == nil || *project.VerifiedVersionID == "":
		return "execution plan skipped: no verified version"
	}
	return ""
}

func costPreview(snapshot json.RawMessage, orderQuantity *float64, now time.Time) map[string]any {
	unitPrice := snapshotNumber(snapshot, "price")

	var fobTotal *float64
	if orderQuantity != nil && unitPrice != nil {
		total := *orderQuantity * *unitPrice
		fobTotal = &total
	}

	fee := executionFeeFloor
	if fobTotal != nil && *fobTotal*executionFeeRate > fee {
		fee = *fobTotal * executionFeeRate
	}

	return map[string]any{
		"estimated_fob_total":     fobTotal,
		"estimated_execution_fee": fee,
		"calculation_basis":       "max(FOB_Total * 0.10, 500)",
		"notes":                   "Preview only. Final charges depend on executed actions.",
		"generated_at":            now.Format(time.RFC3339),
	}
}
