package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
)

const (
	RuleMOQMissing     = "MOQ_MISSING"
	RuleMOQHigh        = "MOQ_HIGH"
	RuleRegionMismatch = "REGION_MISMATCH"
	RulePriceOutlier   = "PRICE_OUTLIER"
)

const moqThreshold = 1000

var allowedRegions = []string{"CN", "VN", "TH"}

// Price midpoints outside [0.6, 1.4] x median are flagged as outliers.
const (
	priceOutlierLow  = 0.6
	priceOutlierHigh = 1.4
)

type RuleFlag struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

type priceRange struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

type factoryCandidateValue struct {
	FactoryName string          `json:"factory_name"`
	Platform    string          `json:"platform"`
	SourceURL   string          `json:"source_url"`
	PriceRange  *priceRange     `json:"price_range"`
	MOQ         json.RawMessage `json:"moq"`
	Location    string          `json:"location"`
}

type RulesResult struct {
	OK                 bool   `json:"ok"`
	Reason             string `json:"reason,omitempty"`
	FactoriesEvaluated int    `json:"factories_evaluated"`
	FlagsCreated       int    `json:"flags_created"`
}

// RunRules evaluates every factory candidate on the project's active version
// and appends a rule-flags claim per flagged candidate. Only runs while the
// blueprint is in flight; a VERIFIED or otherwise-settled project is left
// alone.
func (s *Service) RunRules(ctx context.Context, projectID, key, requestID string) (RulesResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return RulesResult{}, err
	}
	if project.Status != store.StatusBlueprintRunning {
		return RulesResult{OK: false, Reason: fmt.Sprintf("rules skipped: project is %s", project.Status)}, nil
	}
	if project.ActiveVersionID == nil || *project.ActiveVersionID == "" {
		return RulesResult{OK: false, Reason: "rules skipped: no active version"}, nil
	}
	versionID := *project.ActiveVersionID

	candidates, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldFactoryCandidate, "")
	if err != nil {
		return RulesResult{}, err
	}

	values := make([]factoryCandidateValue, len(candidates))
	for i, c := range candidates {
		// A malformed candidate value still participates with zero fields,
		// which yields an MOQ_MISSING flag rather than a dropped candidate.
		_ = json.Unmarshal(c.ValueJSON, &values[i])
	}
	flagsPerCandidate := evaluateRuleFlags(values)

	flagsCreated := 0
	for i, flags := range flagsPerCandidate {
		if len(flags) == 0 {
			continue
		}
		flagsJSON, err := json.Marshal(flags)
		if err != nil {
			return RulesResult{}, fmt.Errorf("marshal rule flags: %w", err)
		}
		hash := contentHash(flagsJSON, versionID)

		value, err := json.Marshal(map[string]any{
			"factory_candidate_id": candidates[i].ID,
			"flags":                flags,
			"computed_at":          time.Now().UTC().Format(time.RFC3339),
			"content_hash":         hash,
		})
		if err != nil {
			return RulesResult{}, fmt.Errorf("marshal rule flags value: %w", err)
		}

		if _, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
			ProjectID:      projectID,
			FieldKey:       ledger.FieldFactoryRuleFlags,
			Value:          value,
			ClaimType:      store.ClaimHypothesis,
			SourceType:     "system",
			SourceRef:      "rule_engine:v1",
			IdempotencyKey: fmt.Sprintf("rules:%s:%s:%s", key, candidates[i].ID, hash),
			RequestID:      requestID,
			Actor:          systemActor(),
		}); err != nil {
			return RulesResult{}, err
		}
		flagsCreated += len(flags)
	}

	if err := s.pipelineRun(ctx, projectID, key+":rules", map[string]any{
		"rules":               []string{"MOQ", "REGION", "PRICE_OUTLIER"},
		"factories_evaluated": len(candidates),
		"flags_created":       flagsCreated,
	}, requestID); err != nil {
		return RulesResult{}, err
	}

	return RulesResult{OK: true, FactoriesEvaluated: len(candidates), FlagsCreated: flagsCreated}, nil
}

func evaluateRuleFlags(candidates []factoryCandidateValue) [][]RuleFlag {
	mids := make([]*float64, len(candidates))
	for i, c := range candidates {
		mids[i] = priceMidpoint(c.PriceRange)
	}
	median := medianOf(mids)

	out := make([][]RuleFlag, len(candidates))
	for i, c := range candidates {
		var flags []RuleFlag

		moq := parseMOQ(c.MOQ)
		switch {
		case moq == nil:
			flags = append(flags, RuleFlag{Rule: RuleMOQMissing, Reason: "MOQ is missing"})
		case *moq > moqThreshold:
			flags = append(flags, RuleFlag{
				Rule:   RuleMOQHigh,
				Reason: fmt.Sprintf("MOQ %d exceeds expected threshold %d", *moq, moqThreshold),
			})
		}

		if location := strings.TrimSpace(c.Location); location != "" && !inAllowedRegion(location) {
			flags = append(flags, RuleFlag{
				Rule:   RuleRegionMismatch,
				Reason: fmt.Sprintf("Location %q not in allowed regions [CN, VN, TH]", c.Location),
			})
		}

		if median != nil && mids[i] != nil {
			low := priceOutlierLow * *median
			high := priceOutlierHigh * *median
			if *mids[i] < low || *mids[i] > high {
				flags = append(flags, RuleFlag{
					Rule:   RulePriceOutlier,
					Reason: fmt.Sprintf("Price midpoint %.2f outside expected band [%.2f, %.2f]", *mids[i], low, high),
				})
			}
		}

		out[i] = flags
	}
	return out
}

// parseMOQ accepts a number or a string with thousands separators.
func parseMOQ(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		v := int64(n)
		return &v
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
		if cleaned == "" {
			return nil
		}
		if v, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
			return &v
		}
	}
	return nil
}

func priceMidpoint(pr *priceRange) *float64 {
	if pr == nil {
		return nil
	}
	switch {
	case pr.Min != nil && pr.Max != nil:
		mid := (*pr.Min + *pr.Max) / 2
		return &mid
	case pr.Min != nil:
		return pr.Min
	case pr.Max != nil:
		return pr.Max
	}
	return nil
}

func medianOf(values []*float64) *float64 {
	var present []float64
	for _, v := range values {
		if v != nil {
			present = append(present, *v)
		}
	}
	if len(present) == 0 {
		return nil
	}
	sort.Float64s(present)
	mid := len(present) / 2
	if len(present)%2 == 1 {
		return &present[mid]
	}
	m := (present[mid-1] + present[mid]) / 2
	return &m
}

func inAllowedRegion(location string) bool {
	upper := strings.ToUpper(location)
	for _, region := range allowedRegions {
		if strings.Contains(upper, region) {
			return true
		}
	}
	return false
}

func contentHash(flagsJSON []byte, versionID string) string {
	sum := sha256.Sum256(append(append([]byte{}, flagsJSON...), versionID...))
	return hex.EncodeToString(sum[:])[:16]
}
