package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"verisource/api/internal/apperr"
	"verisource/api/internal/auth"
	"verisource/api/internal/config"
	"verisource/api/internal/jobs"
	"verisource/api/internal/ledger"
	"verisource/api/internal/notify"
	"verisource/api/internal/pipeline"
	"verisource/api/internal/rbac"
	"verisource/api/internal/statemachine"
	"verisource/api/internal/storage"
	"verisource/api/internal/store"
	"verisource/api/internal/util"
)

// Queue names for async pipeline runs.
const (
	JobBlueprint = "pipeline.blueprint"
	JobPlan      = "pipeline.plan"
	JobPrepare   = "pipeline.prepare"
)

type dataStore interface {
	GetProject(context.Context, string) (store.Project, error)
	CreateProject(context.Context, store.Project) error
	ListProjects(context.Context) ([]store.Project, error)
	ListProjectsForOwner(context.Context, string) ([]store.Project, error)
	ListClaims(context.Context, string, string) ([]store.SourcingClaim, error)
	ClaimsByFieldKey(context.Context, string, string, string, store.ClaimType) ([]store.SourcingClaim, error)
	ListStatusEvents(context.Context, string) ([]store.ProjectStatusEvent, error)
	ListAudit(context.Context, string, int) ([]store.AuditAction, error)
	LatestAuditByType(context.Context, string, string) (store.AuditAction, bool, error)
	FindAuditByIdempotencyKey(context.Context, string, string, string) (store.AuditAction, bool, error)
	InsertAudit(context.Context, store.AuditAction) error
	InsertEvidence(context.Context, store.EvidenceFile) error
	GetEvidence(context.Context, string, string) (store.EvidenceFile, error)
	ListEvidence(context.Context, string) ([]store.EvidenceFile, error)
	Ping(ctx context.Context) error
}

type claimAppender interface {
	AppendClaim(context.Context, ledger.AppendInput) (ledger.AppendResult, error)
}

type transitioner interface {
	Transition(context.Context, statemachine.TransitionInput) (statemachine.TransitionResult, error)
}

type pipelineRunner interface {
	RunBlueprint(ctx context.Context, projectID, key, query, requestID string) (pipeline.BlueprintResult, error)
	RunPlan(ctx context.Context, projectID, key, requestID string) (pipeline.PlanResult, error)
	RunPrepare(ctx context.Context, projectID, key, requestID string) (pipeline.PrepareResult, error)
	RunEligibility(ctx context.Context, projectID, key, requestID string) (pipeline.EligibilityResult, error)
	RecordSent(ctx context.Context, in pipeline.RecordInput) (pipeline.RecordResult, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	verifier auth.Verifier
	ledger   claimAppender
	machine  transitioner
	pipeline pipelineRunner
	files    storage.Capability
	queue    *jobs.Queue
	sink     notify.Sink
}

func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	verifier auth.Verifier,
	ledgerSvc *ledger.Service,
	machine *statemachine.Service,
	pipe *pipeline.Service,
	files storage.Capability,
	queue *jobs.Queue,
	sink notify.Sink,
) *Service {
	if sink == nil {
		sink = notify.Noop{}
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		verifier: verifier,
		ledger:   ledgerSvc,
		machine:  machine,
		pipeline: pipe,
		files:    files,
		queue:    queue,
		sink:     sink,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) IdentityFromToken(token string) (auth.Identity, error) {
	return s.verifier.Verify(token)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// RegisterJobHandlers binds the service's background work to the queue.
func (s *Service) RegisterJobHandlers(queue *jobs.Queue) {
	queue.Register(JobBlueprint, func(ctx context.Context, job jobs.Job) error {
		_, err := s.pipeline.RunBlueprint(ctx, job.ProjectID, job.IdempotencyKey, job.Args["query"], job.RequestID)
		return err
	})
	queue.Register(JobPlan, func(ctx context.Context, job jobs.Job) error {
		_, err := s.pipeline.RunPlan(ctx, job.ProjectID, job.IdempotencyKey, job.RequestID)
		return err
	})
	queue.Register(JobPrepare, func(ctx context.Context, job jobs.Job) error {
		_, err := s.pipeline.RunPrepare(ctx, job.ProjectID, job.IdempotencyKey, job.RequestID)
		return err
	})
}

func (s *Service) IssueDevToken(userID, role string) (map[string]any, error) {
	if !s.cfg.DevTokens {
		return nil, apperr.NotFound("Not found")
	}
	if userID == "" {
		return nil, apperr.Validation("userId is required", nil)
	}
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:  userID,
		Role: string(rbac.Normalize(role)),
		JTI:  util.NewID(""),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue dev token: %w", err)
	}
	return map[string]any{"token": token, "expiresAt": expiresAt.Unix()}, nil
}

// projectForRead loads a project and applies the ownership rule: users only
// see their own projects, every other role sees all of them.
func (s *Service) projectForRead(ctx context.Context, identity auth.Identity, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, apperr.NotFound("Project not found")
	}
	if err != nil {
		return store.Project{}, err
	}
	if rbac.Normalize(identity.Role) == rbac.RoleUser && project.OwnerUserID != identity.UID {
		return store.Project{}, apperr.Forbidden("You do not have access to this project")
	}
	return project, nil
}

func (s *Service) CreateProject(ctx context.Context, identity auth.Identity) (map[string]any, error) {
	now := time.Now().UTC()
	project := store.Project{
		ID:          util.NewID("prj"),
		OwnerUserID: identity.UID,
		Status:      store.StatusAnalyzing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return map[string]any{"project": projectPayload(project)}, nil
}

func (s *Service) GetProject(ctx context.Context, identity auth.Identity, projectID string) (map[string]any, error) {
	project, err := s.projectForRead(ctx, identity, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": projectPayload(project)}, nil
}

func (s *Service) ListProjects(ctx context.Context, identity auth.Identity) (map[string]any, error) {
	var projects []store.Project
	var err error
	if rbac.Normalize(identity.Role) == rbac.RoleUser {
		projects, err = s.store.ListProjectsForOwner(ctx, identity.UID)
	} else {
		projects, err = s.store.ListProjects(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return map[string]any{"projects": items}, nil
}

type TransitionRequest struct {
	To             string `json:"to"`
	Reason         string `json:"reason"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Service) Transition(ctx context.Context, identity auth.Identity, projectID, requestID string, in TransitionRequest) (map[string]any, error) {
	to, err := store.ParseProjectStatus(in.To)
	if err != nil {
		return nil, apperr.Validation("Unknown target status", map[string]any{"to": in.To})
	}
	source := store.SourceUI
	if in.Source != "" {
		source, err = store.ParseEventSource(in.Source)
		if err != nil {
			return nil, apperr.Validation("Unknown event source", map[string]any{"source": in.Source})
		}
	}
	result, err := s.machine.Transition(ctx, statemachine.TransitionInput{
		ProjectID:      projectID,
		To:             to,
		Reason:         in.Reason,
		Source:         source,
		IdempotencyKey: in.IdempotencyKey,
		RequestID:      requestID,
		Actor: statemachine.Actor{
			ID:   identity.UID,
			Role: store.ActorRole(rbac.Normalize(identity.Role)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Entering BLUEPRINT_RUNNING kicks off the sourcing run in the
	// background. Enqueue failures are logged, never surfaced: the run can
	// always be retriggered through the internal route.
	if s.queue != nil && !result.Replayed && result.Project.Status == store.StatusBlueprintRunning {
		if err := s.queue.Enqueue(jobs.Job{
			Name:           JobBlueprint,
			ProjectID:      projectID,
			IdempotencyKey: "blueprint:" + in.IdempotencyKey,
			RequestID:      requestID,
		}); err != nil {
			log.Printf(`{"msg":"blueprint enqueue failed","project_id":"%s","err":"%v"}`, projectID, err)
		}
	}

	// Entering WAITING_PAYMENT asks the owner to pay. Delivery is best
	// effort; a lost notification is recovered by the UI polling the status.
	if s.sink != nil && !result.Replayed && result.Project.Status == store.StatusWaitingPayment {
		payload, _ := json.Marshal(map[string]any{"event_id": result.Event.ID})
		if err := s.sink.Publish(ctx, notify.Event{
			Type:      "project.payment_requested",
			ProjectID: projectID,
			Payload:   payload,
			At:        time.Now().UTC(),
		}); err != nil {
			log.Printf(`{"msg":"payment notification failed","project_id":"%s","err":"%v"}`, projectID, err)
		}
	}

	return map[string]any{
		"project":  projectPayload(result.Project),
		"event":    statusEventPayload(result.Event),
		"replayed": result.Replayed,
	}, nil
}

type AppendClaimRequest struct {
	FieldKey       string          `json:"fieldKey"`
	Value          json.RawMessage `json:"value"`
	ClaimType      string          `json:"claimType"`
	Confidence     *float64        `json:"confidence"`
	SourceType     string          `json:"sourceType"`
	SourceRef      string          `json:"sourceRef"`
	EvidenceIDs    []string        `json:"evidenceIds"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

func (s *Service) AppendClaim(ctx context.Context, identity auth.Identity, projectID, requestID string, in AppendClaimRequest) (map[string]any, error) {
	claimType := store.ClaimUserProvided
	if in.ClaimType != "" {
		parsed, err := store.ParseClaimType(in.ClaimType)
		if err != nil {
			return nil, apperr.Validation("Unknown claim type", map[string]any{"claimType": in.ClaimType})
		}
		claimType = parsed
	}
	result, err := s.ledger.AppendClaim(ctx, ledger.AppendInput{
		ProjectID:      projectID,
		FieldKey:       in.FieldKey,
		Value:          in.Value,
		ClaimType:      claimType,
		Confidence:     in.Confidence,
		SourceType:     in.SourceType,
		SourceRef:      in.SourceRef,
		EvidenceIDs:    in.EvidenceIDs,
		IdempotencyKey: in.IdempotencyKey,
		RequestID:      requestID,
		Actor: ledger.Actor{
			ID:   identity.UID,
			Role: store.ActorRole(rbac.Normalize(identity.Role)),
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"claim":    claimPayload(result.Claim),
		"replayed": result.Replayed,
	}, nil
}

func (s *Service) ListClaims(ctx context.Context, identity auth.Identity, projectID, versionID string) (map[string]any, error) {
	project, err := s.projectForRead(ctx, identity, projectID)
	if err != nil {
		return nil, err
	}
	claims, err := s.store.ListClaims(ctx, projectID, versionID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	items := make([]map[string]any, 0, len(claims))
	for _, c := range claims {
		items = append(items, claimPayload(c))
	}
	return map[string]any{
		"claims":         items,
		"resolvedView":   rawOrNil(project.ResolvedView),
		"resolvedViewAt": project.ResolvedViewAt,
	}, nil
}

func (s *Service) AuditTrail(ctx context.Context, identity auth.Identity, projectID string, limit int) (map[string]any, error) {
	if _, err := s.projectForRead(ctx, identity, projectID); err != nil {
		return nil, err
	}
	actions, err := s.store.ListAudit(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	items := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		items = append(items, auditPayload(a))
	}
	return map[string]any{"actions": items}, nil
}

func (s *Service) StatusEvents(ctx context.Context, identity auth.Identity, projectID string) (map[string]any, error) {
	if _, err := s.projectForRead(ctx, identity, projectID); err != nil {
		return nil, err
	}
	events, err := s.store.ListStatusEvents(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		items = append(items, statusEventPayload(e))
	}
	return map[string]any{"events": items}, nil
}

// ── Evidence ──

type InitiateEvidenceRequest struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

type CompleteEvidenceRequest struct {
	StoragePath string `json:"storagePath"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"sizeBytes"`
}

func storageUnavailable() *apperr.DomainError {
	return &apperr.DomainError{
		Status:  http.StatusServiceUnavailable,
		Code:    "STORAGE_UNAVAILABLE",
		Message: "Evidence storage is not configured",
	}
}

func (s *Service) InitiateEvidenceUpload(ctx context.Context, identity auth.Identity, projectID string, in InitiateEvidenceRequest) (map[string]any, error) {
	if s.files == nil {
		return nil, storageUnavailable()
	}
	if _, err := s.projectForRead(ctx, identity, projectID); err != nil {
		return nil, err
	}
	if err := checkEvidencePolicy(in.MimeType, in.SizeBytes); err != nil {
		return nil, err
	}
	objectPath, err := storage.ObjectPath(projectID, in.Filename)
	if err != nil {
		return nil, fmt.Errorf("evidence object path: %w", err)
	}
	upload, err := s.files.PresignUpload(ctx, objectPath, in.MimeType)
	if err != nil {
		return nil, fmt.Errorf("presign evidence upload: %w", err)
	}
	return map[string]any{
		"upload": map[string]any{
			"url":       upload.URL,
			"headers":   upload.Headers,
			"path":      upload.Path,
			"expiresAt": upload.ExpiresAt,
		},
	}, nil
}

func (s *Service) CompleteEvidenceUpload(ctx context.Context, identity auth.Identity, projectID string, in CompleteEvidenceRequest) (map[string]any, error) {
	if s.files == nil {
		return nil, storageUnavailable()
	}
	if _, err := s.projectForRead(ctx, identity, projectID); err != nil {
		return nil, err
	}
	if !storage.PathBelongsToProject(projectID, in.StoragePath) {
		return nil, apperr.Validation("storagePath does not belong to this project", nil)
	}
	if err := checkEvidencePolicy(in.MimeType, in.SizeBytes); err != nil {
		return nil, err
	}
	if in.SHA256 == "" {
		return nil, apperr.Validation("sha256 is required", nil)
	}
	evidence := store.EvidenceFile{
		ID:               util.NewID("evd"),
		ProjectID:        projectID,
		StoragePath:      in.StoragePath,
		MimeType:         in.MimeType,
		SHA256:           in.SHA256,
		SizeBytes:        in.SizeBytes,
		OriginalFilename: storage.SanitizeFilename(in.Filename),
		UploadedByUserID: identity.UID,
		VirusScanStatus:  "pending",
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.InsertEvidence(ctx, evidence); err != nil {
		return nil, fmt.Errorf("insert evidence: %w", err)
	}
	return map[string]any{"evidence": evidencePayload(evidence)}, nil
}

func (s *Service) ListEvidence(ctx context.Context, identity auth.Identity, projectID string) (map[string]any, error) {
	if _, err := s.projectForRead(ctx, identity, projectID); err != nil {
		return nil, err
	}
	files, err := s.store.ListEvidence(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, evidencePayload(f))
	}
	return map[string]any{"evidence": items}, nil
}

func (s *Service) EvidenceDownloadURL(ctx context.Context, identity auth.Identity, projectID, evidenceID string) (map[string]any, error) {
	if s.files == nil {
		return nil, storageUnavailable()
	}
	if _, err := s.projectForRead(ctx, identity, projectID); err != nil {
		return nil, err
	}
	evidence, err := s.store.GetEvidence(ctx, projectID, evidenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Evidence not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	url, expiresAt, err := s.files.PresignDownload(ctx, evidence.StoragePath, evidence.OriginalFilename)
	if err != nil {
		return nil, fmt.Errorf("presign evidence download: %w", err)
	}
	return map[string]any{"url": url, "expiresAt": expiresAt}, nil
}

func checkEvidencePolicy(mimeType string, sizeBytes int64) error {
	if !storage.MimeTypeAllowed(mimeType) {
		return apperr.Validation("MIME type is not allowed for evidence uploads", map[string]any{"mimeType": mimeType})
	}
	if sizeBytes <= 0 {
		return apperr.Validation("sizeBytes is required", nil)
	}
	if sizeBytes > storage.MaxEvidenceSizeBytes {
		return apperr.Validation("File exceeds the maximum evidence size", map[string]any{"maxBytes": storage.MaxEvidenceSizeBytes})
	}
	return nil
}

// ── Internal review and execution approval ──

func (s *Service) Review(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Project not found")
	}
	if err != nil {
		return nil, err
	}

	versionID := ""
	if project.ActiveVersionID != nil {
		versionID = *project.ActiveVersionID
	}
	fields := make(map[string]any, len(ledger.ReviewFieldKeys))
	for _, fieldKey := range ledger.ReviewFieldKeys {
		if versionID == "" {
			fields[fieldKey] = []map[string]any{}
			continue
		}
		claims, err := s.store.ClaimsByFieldKey(ctx, projectID, versionID, fieldKey, "")
		if err != nil {
			return nil, fmt.Errorf("claims for %s: %w", fieldKey, err)
		}
		items := make([]map[string]any, 0, len(claims))
		for _, c := range claims {
			items = append(items, claimPayload(c))
		}
		fields[fieldKey] = items
	}

	_, approved, err := s.store.LatestAuditByType(ctx, projectID, store.AuditExecutionApproved)
	if err != nil {
		return nil, fmt.Errorf("lookup execution approval: %w", err)
	}

	return map[string]any{
		"projectId":         project.ID,
		"status":            project.Status,
		"versionId":         versionID,
		"fields":            fields,
		"executionApproved": approved,
	}, nil
}

var knownExecutionSteps = map[string]bool{
	pipeline.StepSampleRequest:      true,
	pipeline.StepPriceConfirmation:  true,
	pipeline.StepProductionLeadTime: true,
}

type ApproveExecutionRequest struct {
	ApprovedSteps  []string `json:"approvedSteps"`
	IdempotencyKey string   `json:"idempotencyKey"`
}

func (s *Service) ApproveExecution(ctx context.Context, identity auth.Identity, projectID, requestID string, in ApproveExecutionRequest) (map[string]any, error) {
	if in.IdempotencyKey == "" {
		return nil, apperr.IdempotencyRequired()
	}
	if len(in.ApprovedSteps) == 0 {
		return nil, apperr.Validation("approvedSteps is required", nil)
	}
	for _, step := range in.ApprovedSteps {
		if !knownExecutionSteps[step] {
			return nil, apperr.Validation("Unknown execution step", map[string]any{"step": step})
		}
	}

	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Project not found")
	}
	if err != nil {
		return nil, err
	}
	if project.Status != store.StatusVerified {
		return nil, apperr.Conflict("Execution can only be approved on a VERIFIED project")
	}

	if prior, found, err := s.store.FindAuditByIdempotencyKey(ctx, projectID, store.AuditExecutionApproved, in.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("lookup execution approval: %w", err)
	} else if found {
		return map[string]any{"approval": json.RawMessage(prior.Note), "replayed": true}, nil
	}

	now := time.Now().UTC()
	note, err := json.Marshal(map[string]any{
		"approved_steps": in.ApprovedSteps,
		"approved_at":    now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal approval note: %w", err)
	}
	key := in.IdempotencyKey
	if err := s.store.InsertAudit(ctx, store.AuditAction{
		ID:             util.NewID("aud"),
		ProjectID:      projectID,
		ActorID:        identity.UID,
		ActorRole:      store.ActorRole(rbac.Normalize(identity.Role)),
		ActionType:     store.AuditExecutionApproved,
		Note:           string(note),
		RequestID:      requestID,
		IdempotencyKey: &key,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("insert execution approval: %w", err)
	}
	return map[string]any{"approval": json.RawMessage(note), "replayed": false}, nil
}

// ── Pipeline entry points ──

func (s *Service) StartBlueprint(ctx context.Context, projectID, key, query, requestID string) (map[string]any, error) {
	if key == "" {
		return nil, apperr.IdempotencyRequired()
	}
	if _, err := s.store.GetProject(ctx, projectID); errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Project not found")
	} else if err != nil {
		return nil, err
	}

	if s.queue != nil {
		err := s.queue.Enqueue(jobs.Job{
			Name:           JobBlueprint,
			ProjectID:      projectID,
			IdempotencyKey: key,
			RequestID:      requestID,
			Args:           map[string]string{"query": query},
		})
		switch {
		case errors.Is(err, jobs.ErrQueueFull):
			return nil, &apperr.DomainError{
				Status:  http.StatusServiceUnavailable,
				Code:    "QUEUE_FULL",
				Message: "Blueprint queue is full; retry later",
			}
		case err != nil:
			return nil, fmt.Errorf("enqueue blueprint: %w", err)
		}
		return map[string]any{"accepted": true, "idempotencyKey": key}, nil
	}

	result, err := s.pipeline.RunBlueprint(ctx, projectID, key, query, requestID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "result": result}, nil
}

func (s *Service) RunPlan(ctx context.Context, projectID, key, requestID string) (pipeline.PlanResult, error) {
	if key == "" {
		return pipeline.PlanResult{}, apperr.IdempotencyRequired()
	}
	return s.pipeline.RunPlan(ctx, projectID, key, requestID)
}

func (s *Service) RunPrepare(ctx context.Context, projectID, key, requestID string) (pipeline.PrepareResult, error) {
	if key == "" {
		return pipeline.PrepareResult{}, apperr.IdempotencyRequired()
	}
	return s.pipeline.RunPrepare(ctx, projectID, key, requestID)
}

func (s *Service) RunEligibility(ctx context.Context, projectID, key, requestID string) (pipeline.EligibilityResult, error) {
	if key == "" {
		return pipeline.EligibilityResult{}, apperr.IdempotencyRequired()
	}
	return s.pipeline.RunEligibility(ctx, projectID, key, requestID)
}

type MarkSentRequest struct {
	Step           string   `json:"step"`
	EvidenceIDs    []string `json:"evidenceIds"`
	IdempotencyKey string   `json:"idempotencyKey"`
}

func (s *Service) MarkSent(ctx context.Context, identity auth.Identity, projectID, requestID string, in MarkSentRequest) (map[string]any, error) {
	result, err := s.pipeline.RecordSent(ctx, pipeline.RecordInput{
		ProjectID:      projectID,
		Step:           in.Step,
		EvidenceIDs:    in.EvidenceIDs,
		IdempotencyKey: in.IdempotencyKey,
		RequestID:      requestID,
		Actor: ledger.Actor{
			ID:   identity.UID,
			Role: store.ActorRole(rbac.Normalize(identity.Role)),
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"claim":           claimPayload(result.Claim),
		"alreadyRecorded": result.AlreadyRecorded,
	}, nil
}

// ── Payload helpers ──

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":                p.ID,
		"ownerUserId":       p.OwnerUserID,
		"status":            p.Status,
		"activeVersionId":   p.ActiveVersionID,
		"verifiedVersionId": p.VerifiedVersionID,
		"verifiedAt":        p.VerifiedAt,
		"verifiedSnapshot":  rawOrNil(p.VerifiedSnapshot),
		"resolvedView":      rawOrNil(p.ResolvedView),
		"resolvedViewAt":    p.ResolvedViewAt,
		"createdAt":         p.CreatedAt,
		"updatedAt":         p.UpdatedAt,
	}
}

func claimPayload(c store.SourcingClaim) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"projectId":       c.ProjectID,
		"fieldKey":        c.FieldKey,
		"value":           rawOrNil(c.ValueJSON),
		"claimType":       c.ClaimType,
		"confidence":      c.Confidence,
		"createdByRole":   c.CreatedByRole,
		"createdByUserId": c.CreatedByUserID,
		"sourceType":      c.SourceType,
		"sourceRef":       c.SourceRef,
		"versionId":       c.VersionID,
		"createdAt":       c.CreatedAt,
	}
}

func statusEventPayload(e store.ProjectStatusEvent) map[string]any {
	return map[string]any{
		"id":        e.ID,
		"projectId": e.ProjectID,
		"from":      e.FromStatus,
		"to":        e.ToStatus,
		"actorId":   e.ActorID,
		"actorRole": e.ActorRole,
		"reason":    e.Reason,
		"source":    e.Source,
		"createdAt": e.CreatedAt,
	}
}

func auditPayload(a store.AuditAction) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"projectId":  a.ProjectID,
		"actorId":    a.ActorID,
		"actorRole":  a.ActorRole,
		"actionType": a.ActionType,
		"note":       a.Note,
		"requestId":  a.RequestID,
		"createdAt":  a.CreatedAt,
	}
}

func evidencePayload(f store.EvidenceFile) map[string]any {
	return map[string]any{
		"id":               f.ID,
		"projectId":        f.ProjectID,
		"storagePath":      f.StoragePath,
		"mimeType":         f.MimeType,
		"sha256":           f.SHA256,
		"sizeBytes":        f.SizeBytes,
		"originalFilename": f.OriginalFilename,
		"uploadedByUserId": f.UploadedByUserID,
		"virusScanStatus":  f.VirusScanStatus,
		"createdAt":        f.CreatedAt,
	}
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
