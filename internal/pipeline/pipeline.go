package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"verisource/api/internal/ledger"
	"verisource/api/internal/notify"
	"verisource/api/internal/store"
	"verisource/api/internal/util"
)

// SystemActorID is the actor recorded for pipeline-generated claims and
// audit entries.
const SystemActorID = "system"

// Store is the read/audit surface the pipeline phases need.
// *store.PostgresStore satisfies it.
type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (store.SourcingClaim, bool, error)
	ClaimsByFieldKey(ctx context.Context, projectID, versionID, fieldKey string, claimType store.ClaimType) ([]store.SourcingClaim, error)
	LatestAuditByType(ctx context.Context, projectID, actionType string) (store.AuditAction, bool, error)
	FindAuditByIdempotencyKey(ctx context.Context, projectID, actionType, key string) (store.AuditAction, bool, error)
	InsertAudit(ctx context.Context, a store.AuditAction) error
	ListVerifiedProjects(ctx context.Context, excludeID string) ([]store.Project, error)
	MissingEvidenceIDs(ctx context.Context, projectID string, ids []string) ([]string, error)
}

// Appender is the one write path the pipeline has into the claims ledger.
type Appender interface {
	AppendClaim(ctx context.Context, in ledger.AppendInput) (ledger.AppendResult, error)
}

type Service struct {
	store      Store
	ledger     Appender
	candidates CandidateSource
	textgen    TextGenerator
	notify     notify.Sink
}

func NewService(s Store, l Appender, candidates CandidateSource, textgen TextGenerator, sink notify.Sink) *Service {
	if sink == nil {
		sink = notify.Noop{}
	}
	return &Service{store: s, ledger: l, candidates: candidates, textgen: textgen, notify: sink}
}

func systemActor() ledger.Actor {
	return ledger.Actor{ID: SystemActorID, Role: store.ActorSystem}
}

// editNote records a soft failure on the audit trail without failing the
// caller. Pipeline phases report guard misses this way and return ok=false.
func (s *Service) editNote(ctx context.Context, projectID, key, note, requestID string) {
	audit := store.AuditAction{
		ID:         util.NewID("aud"),
		ProjectID:  projectID,
		ActorID:    SystemActorID,
		ActorRole:  store.ActorSystem,
		ActionType: store.AuditEditNote,
		Note:       note,
		RequestID:  requestID,
		CreatedAt:  time.Now().UTC(),
	}
	if key != "" {
		audit.IdempotencyKey = &key
	}
	if err := s.store.InsertAudit(ctx, audit); err != nil {
		log.Printf(`{"msg":"edit note audit failed","project_id":"%s","err":"%v"}`, projectID, err)
	}
}

func (s *Service) pipelineRun(ctx context.Context, projectID, key string, note any, requestID string) error {
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return s.store.InsertAudit(ctx, store.AuditAction{
		ID:             util.NewID("aud"),
		ProjectID:      projectID,
		ActorID:        SystemActorID,
		ActorRole:      store.ActorSystem,
		ActionType:     store.AuditPipelineRun,
		Note:           string(noteJSON),
		RequestID:      requestID,
		IdempotencyKey: &key,
		CreatedAt:      time.Now().UTC(),
	})
}

// snapshotField pulls one field's resolved value out of a verified snapshot.
func snapshotField(snapshot json.RawMessage, fieldKey string) (json.RawMessage, bool) {
	if len(snapshot) == 0 {
		return nil, false
	}
	var view ledger.ResolvedView
	if err := json.Unmarshal(snapshot, &view); err != nil {
		return nil, false
	}
	field, ok := view.Fields[fieldKey]
	if !ok || len(field.Value) == 0 {
		return nil, false
	}
	return field.Value, true
}

// snapshotNumber reads a field as a number, looking inside the assumptions
// object first and falling back to a top-level field of the same name.
func snapshotNumber(snapshot json.RawMessage, name string) *float64 {
	if raw, ok := snapshotField(snapshot, "assumptions"); ok {
		var assumptions map[string]json.RawMessage
		if err := json.Unmarshal(raw, &assumptions); err == nil {
			if v, ok := assumptions[name]; ok {
				var n float64
				if err := json.Unmarshal(v, &n); err == nil {
					return &n
				}
			}
		}
	}
	if raw, ok := snapshotField(snapshot, name); ok {
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return &n
		}
	}
	return nil
}
