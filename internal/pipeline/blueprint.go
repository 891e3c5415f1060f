package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/notify"
	"verisource/api/internal/store"
)

type BlueprintResult struct {
	OK         bool          `json:"ok"`
	Replayed   bool          `json:"replayed,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Candidates int           `json:"candidates"`
	Rules      RulesResult   `json:"rules"`
	Explain    ExplainResult `json:"explain"`
}

// RunBlueprint sources factory candidates for a project, then runs the rule
// engine and the explanation pass over them. The whole run is idempotent on
// key; rule or explain failures are soft and do not undo the candidate
// claims.
func (s *Service) RunBlueprint(ctx context.Context, projectID, key, query, requestID string) (BlueprintResult, error) {
	if key == "" {
		return BlueprintResult{OK: false, Reason: "blueprint skipped: no idempotency key"}, nil
	}
	if requestID == "" {
		requestID = "pipeline:blueprint:" + key
	}
	if query == "" {
		query = "factory"
	}

	if _, ok, err := s.store.FindAuditByIdempotencyKey(ctx, projectID, store.AuditPipelineRun, key); err != nil {
		return BlueprintResult{}, err
	} else if ok {
		return BlueprintResult{OK: true, Replayed: true}, nil
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return BlueprintResult{}, err
	}
	if project.Status != store.StatusBlueprintRunning {
		s.editNote(ctx, projectID, key+":failed",
			fmt.Sprintf("blueprint skipped: project is %s", project.Status), requestID)
		return BlueprintResult{OK: false, Reason: fmt.Sprintf("blueprint skipped: project is %s", project.Status)}, nil
	}

	candidates, err := s.candidates.Search(ctx, query)
	if err != nil {
		s.editNote(ctx, projectID, key+":failed", fmt.Sprintf("blueprint failed: %v", err), requestID)
		return BlueprintResult{}, err
	}

	for i, candidate := range candidates {
		value, err := json.Marshal(candidate)
		if err != nil {
			return BlueprintResult{}, fmt.Errorf("marshal candidate: %w", err)
		}
		if _, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
			ProjectID:      projectID,
			FieldKey:       ledger.FieldFactoryCandidate,
			Value:          value,
			ClaimType:      store.ClaimHypothesis,
			SourceType:     "system",
			SourceRef:      "rapidapi:1688",
			IdempotencyKey: fmt.Sprintf("blueprint:factory:%s:%d", key, i),
			RequestID:      requestID,
			Actor:          systemActor(),
		}); err != nil {
			s.editNote(ctx, projectID, key+":failed", fmt.Sprintf("blueprint failed: %v", err), requestID)
			return BlueprintResult{}, err
		}
	}

	if err := s.pipelineRun(ctx, projectID, key, map[string]any{
		"result_summary": map[string]any{"query": query, "candidates": len(candidates)},
	}, requestID); err != nil {
		return BlueprintResult{}, err
	}

	result := BlueprintResult{OK: true, Candidates: len(candidates)}

	// Downstream passes are best effort. A rule-engine or explain failure
	// leaves the candidate claims in place.
	if rules, err := s.RunRules(ctx, projectID, key, requestID); err != nil {
		log.Printf(`{"msg":"rule engine failed","project_id":"%s","err":"%v"}`, projectID, err)
	} else {
		result.Rules = rules
	}
	if explain, err := s.RunExplain(ctx, projectID, key, requestID); err != nil {
		log.Printf(`{"msg":"explain pass failed","project_id":"%s","err":"%v"}`, projectID, err)
	} else {
		result.Explain = explain
	}

	payload, _ := json.Marshal(result)
	if err := s.notify.Publish(ctx, notify.Event{
		Type:      "pipeline.blueprint.completed",
		ProjectID: projectID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}); err != nil {
		log.Printf(`{"msg":"notify publish failed","project_id":"%s","err":"%v"}`, projectID, err)
	}

	return result, nil
}
