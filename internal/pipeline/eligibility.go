package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
)

// Eligibility vocabulary. Reasons describe why automation could proceed;
// blockers describe why it must not. A single blocker makes the project
// ineligible.
const (
	ReasonSameFactory        = "SAME_FACTORY"
	ReasonNoConstraintChange = "NO_CONSTRAINT_CHANGE"
	ReasonPriceWithinRange   = "PRICE_WITHIN_RANGE"

	BlockNoExecutionResult      = "NO_EXECUTION_RESULT"
	BlockNoPriorVerifiedProject = "NO_PRIOR_VERIFIED_PROJECT"
	BlockFactoryChanged         = "FACTORY_CHANGED"
	BlockIncotermChanged        = "INCOTERM_CHANGED"
	BlockCurrencyChanged        = "CURRENCY_CHANGED"
	BlockPriceChanged           = "PRICE_CHANGED"
	BlockMOQUnknown             = "MOQ_UNKNOWN"
)

// priceTolerance is the maximum relative price drift still considered
// unchanged.
const priceTolerance = 0.03

type EligibilityResult struct {
	OK               bool                `json:"ok"`
	Reason           string              `json:"reason,omitempty"`
	AlreadyEvaluated bool                `json:"already_evaluated,omitempty"`
	Eligible         bool                `json:"eligible"`
	Claim            store.SourcingClaim `json:"claim"`
}

// EligibilityVerdict is the outcome of comparing a project against its prior
// verified twin.
type EligibilityVerdict struct {
	Eligible  bool     `json:"eligible"`
	Reasons   []string `json:"reasons"`
	BlockedBy []string `json:"blocked_by"`
}

type eligibilityContext struct {
	FactoryID string
	Incoterm  string
	Currency  string
	Price     *float64
	MOQ       *float64
}

// RunEligibility evaluates whether re-sourcing this project's SKU could be
// automated, based on a prior verified project with the same fingerprint.
// The verdict errs toward blocked: unknown inputs are blockers, never
// passes.
func (s *Service) RunEligibility(ctx context.Context, projectID, key, requestID string) (EligibilityResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return EligibilityResult{}, err
	}

	if reason := planGuard(project); reason != "" {
		reason = "eligibility skipped: " + trimGuardPrefix(reason)
		s.editNote(ctx, projectID, key+":automation_eligibility:skipped", reason, requestID)
		return EligibilityResult{OK: false, Reason: reason}, nil
	}
	versionID := *project.VerifiedVersionID

	claimKey := key + ":automation_eligibility"
	if existing, ok, err := s.store.FindClaimByIdempotencyKey(ctx, projectID, claimKey); err != nil {
		return EligibilityResult{}, err
	} else if ok {
		var value struct {
			Eligible bool `json:"eligible"`
		}
		_ = json.Unmarshal(existing.ValueJSON, &value)
		return EligibilityResult{OK: true, AlreadyEvaluated: true, Eligible: value.Eligible, Claim: existing}, nil
	}

	results, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldExecutionActionResult, store.ClaimVerified)
	if err != nil {
		return EligibilityResult{}, err
	}
	if len(results) == 0 {
		reason := "eligibility skipped: no verified execution result"
		s.editNote(ctx, projectID, key+":automation_eligibility:skipped", reason, requestID)
		return EligibilityResult{OK: false, Reason: reason}, nil
	}
	steps := executedSteps(results)

	fingerprint := SKUFingerprint(project.VerifiedSnapshot)

	prior, hasPrior, err := s.findPriorVerified(ctx, projectID, fingerprint)
	if err != nil {
		return EligibilityResult{}, err
	}

	verdict := EvaluateEligibility(
		extractEligibilityContext(project.VerifiedSnapshot),
		extractEligibilityContext(prior.VerifiedSnapshot),
		len(results) > 0,
		hasPrior,
	)

	value, err := json.Marshal(map[string]any{
		"sku_fingerprint":          fingerprint,
		"eligible":                 verdict.Eligible,
		"reasons":                  verdict.Reasons,
		"blocked_by":               verdict.BlockedBy,
		"based_on_execution_steps": steps,
		"evaluated_at":             time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return EligibilityResult{}, fmt.Errorf("marshal eligibility value: %w", err)
	}

	appended, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
		ProjectID:         projectID,
		FieldKey:          ledger.FieldAutomationEligibility,
		Value:             value,
		ClaimType:         store.ClaimHypothesis,
		SourceType:        "system",
		SourceRef:         "automation_guard:v1",
		IdempotencyKey:    claimKey,
		RequestID:         requestID,
		Actor:             systemActor(),
		VersionID:         versionID,
		AllowWhenVerified: true,
	})
	if err != nil {
		return EligibilityResult{}, err
	}

	if err := s.pipelineRun(ctx, projectID, claimKey+":run", map[string]any{
		"phase":      "eligibility",
		"eligible":   verdict.Eligible,
		"blocked_by": verdict.BlockedBy,
	}, requestID); err != nil {
		return EligibilityResult{}, err
	}

	return EligibilityResult{OK: true, Eligible: verdict.Eligible, Claim: appended.Claim}, nil
}

// EvaluateEligibility compares the current and prior sourcing contexts. Any
// single blocker clears the reasons list and marks the project ineligible.
func EvaluateEligibility(current, prior eligibilityContext, hasExecutionResult, hasPrior bool) EligibilityVerdict {
	if !hasExecutionResult {
		return EligibilityVerdict{Eligible: false, BlockedBy: []string{BlockNoExecutionResult}}
	}
	if !hasPrior {
		return EligibilityVerdict{Eligible: false, BlockedBy: []string{BlockNoPriorVerifiedProject}}
	}

	var reasons, blockedBy []string

	// A missing factory id on either side blocks; equality alone is not enough.
	if current.FactoryID != "" && prior.FactoryID != "" && current.FactoryID == prior.FactoryID {
		reasons = append(reasons, ReasonSameFactory)
	} else {
		blockedBy = append(blockedBy, BlockFactoryChanged)
	}

	if current.Incoterm == prior.Incoterm {
		reasons = append(reasons, ReasonNoConstraintChange)
	} else {
		blockedBy = append(blockedBy, BlockIncotermChanged)
	}

	if current.Currency != prior.Currency {
		blockedBy = append(blockedBy, BlockCurrencyChanged)
	}

	if current.Price != nil && prior.Price != nil && *prior.Price != 0 &&
		math.Abs(*current.Price-*prior.Price)/math.Abs(*prior.Price) <= priceTolerance {
		reasons = append(reasons, ReasonPriceWithinRange)
	} else {
		blockedBy = append(blockedBy, BlockPriceChanged)
	}

	switch {
	case current.MOQ == nil || prior.MOQ == nil:
		blockedBy = append(blockedBy, BlockMOQUnknown)
	case *current.MOQ != *prior.MOQ:
		blockedBy = append(blockedBy, ReasonNoConstraintChange)
	}

	if len(blockedBy) > 0 {
		return EligibilityVerdict{Eligible: false, BlockedBy: blockedBy}
	}
	return EligibilityVerdict{Eligible: true, Reasons: reasons}
}

func (s *Service) findPriorVerified(ctx context.Context, projectID, fingerprint string) (store.Project, bool, error) {
	priors, err := s.store.ListVerifiedProjects(ctx, projectID)
	if err != nil {
		return store.Project{}, false, err
	}
	for _, p := range priors {
		if len(p.VerifiedSnapshot) == 0 {
			continue
		}
		if SKUFingerprint(p.VerifiedSnapshot) == fingerprint {
			return p, true, nil
		}
	}
	return store.Project{}, false, nil
}

func extractEligibilityContext(snapshot json.RawMessage) eligibilityContext {
	return eligibilityContext{
		FactoryID: snapshotString(snapshot, "factory_id"),
		Incoterm:  snapshotString(snapshot, "incoterm"),
		Currency:  snapshotString(snapshot, "currency"),
		Price:     snapshotNumber(snapshot, "price"),
		MOQ:       snapshotNumber(snapshot, "moq"),
	}
}

// snapshotString mirrors snapshotNumber for string fields.
func snapshotString(snapshot json.RawMessage, name string) string {
	if raw, ok := snapshotField(snapshot, "assumptions"); ok {
		var assumptions map[string]json.RawMessage
		if err := json.Unmarshal(raw, &assumptions); err == nil {
			if v, ok := assumptions[name]; ok {
				var s string
				if err := json.Unmarshal(v, &s); err == nil {
					return s
				}
			}
		}
	}
	if raw, ok := snapshotField(snapshot, name); ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func executedSteps(results []store.SourcingClaim) []string {
	seen := map[string]bool{}
	var steps []string
	for _, r := range results {
		var value struct {
			Step string `json:"step"`
		}
		if err := json.Unmarshal(r.ValueJSON, &value); err != nil || value.Step == "" {
			continue
		}
		if !seen[value.Step] {
			seen[value.Step] = true
			steps = append(steps, value.Step)
		}
	}
	return steps
}
