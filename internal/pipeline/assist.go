package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
)

// MinExplanationLength is the shortest explanation worth keeping. Anything
// below it reads as a stub and is discarded.
const MinExplanationLength = 50

// forbiddenPhrases are judgment or ranking language. Explanations are
// descriptive only; one of these anywhere means the whole text is discarded.
var forbiddenPhrases = []string{
	"recommend",
	"best",
	"should choose",
	"top pick",
	"prefer this",
	"better choice",
	"ranked",
	"ranking",
	"number one",
	"#1",
	"avoid this",
	"do not use",
}

const explainSystemPrompt = "You are an assistant that explains rule-based flags applied to factory data. " +
	"Do not make judgments, recommendations, or rankings. " +
	"Explain only why the flags were triggered based on the given data."

// Generation is one text-generator response.
type Generation struct {
	Text         string
	Model        string
	ModelVersion string
}

// TextGenerator produces neutral flag explanations. Implementations call an
// external model; failures are soft and skip the candidate.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error)
}

type ExplainResult struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	Explained    int    `json:"explained"`
	Skipped      int    `json:"skipped"`
	Discarded    int    `json:"discarded"`
	Failed       int    `json:"failed"`
	Participated int    `json:"participated"`
}

// RunExplain generates a neutral explanation claim per flagged factory
// candidate. Candidates without rule flags are skipped; generator failures
// and discarded output are recorded on the audit trail and never abort the
// run.
func (s *Service) RunExplain(ctx context.Context, projectID, key, requestID string) (ExplainResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return ExplainResult{}, err
	}
	if project.Status != store.StatusBlueprintRunning {
		return ExplainResult{OK: false, Reason: fmt.Sprintf("explain skipped: project is %s", project.Status)}, nil
	}
	if project.ActiveVersionID == nil || *project.ActiveVersionID == "" {
		return ExplainResult{OK: false, Reason: "explain skipped: no active version"}, nil
	}
	if s.textgen == nil {
		return ExplainResult{OK: false, Reason: "explain skipped: no text generator configured"}, nil
	}
	versionID := *project.ActiveVersionID

	candidates, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldFactoryCandidate, "")
	if err != nil {
		return ExplainResult{}, err
	}
	flagClaims, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, ledger.FieldFactoryRuleFlags, "")
	if err != nil {
		return ExplainResult{}, err
	}

	flagsByCandidate := map[string][]RuleFlag{}
	for _, fc := range flagClaims {
		var value struct {
			FactoryCandidateID string     `json:"factory_candidate_id"`
			Flags              []RuleFlag `json:"flags"`
		}
		if err := json.Unmarshal(fc.ValueJSON, &value); err != nil {
			continue
		}
		flagsByCandidate[value.FactoryCandidateID] = append(flagsByCandidate[value.FactoryCandidateID], value.Flags...)
	}

	result := ExplainResult{OK: true, Participated: len(candidates)}
	for _, candidate := range candidates {
		flags := flagsByCandidate[candidate.ID]
		if len(flags) == 0 {
			result.Skipped++
			continue
		}

		gen, err := s.textgen.Generate(ctx, explainSystemPrompt, explainUserPrompt(candidate.ValueJSON, flags))
		if err != nil {
			s.editNote(ctx, projectID, fmt.Sprintf("%s:ai_explain:failed:%s", key, candidate.ID),
				fmt.Sprintf("ai explanation failed for %s: %v", candidate.ID, err), requestID)
			result.Failed++
			continue
		}

		explanation, ok := SanitizeExplanation(gen.Text)
		if !ok {
			s.editNote(ctx, projectID, fmt.Sprintf("%s:ai_explain:discard:%s", key, candidate.ID),
				fmt.Sprintf("ai explanation discarded for %s", candidate.ID), requestID)
			result.Discarded++
			continue
		}

		value, err := json.Marshal(map[string]any{
			"factory_candidate_id": candidate.ID,
			"explanation":          explanation,
			"referenced_flags":     uniqueRules(flags),
			"model":                gen.Model,
			"model_version":        gen.ModelVersion,
			"generated_at":         time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return ExplainResult{}, fmt.Errorf("marshal explanation value: %w", err)
		}

		if _, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
			ProjectID:      projectID,
			FieldKey:       ledger.FieldFactoryAIExplanation,
			Value:          value,
			ClaimType:      store.ClaimHypothesis,
			SourceType:     "system",
			SourceRef:      "ai_explainer:v1",
			IdempotencyKey: fmt.Sprintf("%s:ai_explain:%s", key, candidate.ID),
			RequestID:      requestID,
			Actor:          systemActor(),
		}); err != nil {
			return ExplainResult{}, err
		}
		result.Explained++
	}

	if err := s.pipelineRun(ctx, projectID, key+":ai_explain", map[string]any{
		"explained": result.Explained,
		"skipped":   result.Skipped,
		"discarded": result.Discarded,
		"failed":    result.Failed,
	}, requestID); err != nil {
		return ExplainResult{}, err
	}
	return result, nil
}

// SanitizeExplanation trims generated text and rejects anything empty, too
// short, or containing judgment language.
func SanitizeExplanation(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) < MinExplanationLength {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(lower, phrase) {
			return "", false
		}
	}
	return trimmed, true
}

func explainUserPrompt(candidateValue json.RawMessage, flags []RuleFlag) string {
	flagsJSON, _ := json.Marshal(flags)
	return fmt.Sprintf("Factory data:\n%s\n\nFlags:\n%s\n\n"+
		"Explain, in neutral language, why these flags were triggered. Do not suggest actions or preferences.",
		candidateValue, flagsJSON)
}

func uniqueRules(flags []RuleFlag) []string {
	seen := map[string]bool{}
	var rules []string
	for _, f := range flags {
		if !seen[f.Rule] {
			seen[f.Rule] = true
			rules = append(rules, f.Rule)
		}
	}
	return rules
}
