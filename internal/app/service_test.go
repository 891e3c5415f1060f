package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"verisource/api/internal/apperr"
	"verisource/api/internal/auth"
	"verisource/api/internal/config"
	"verisource/api/internal/jobs"
	"verisource/api/internal/ledger"
	"verisource/api/internal/notify"
	"verisource/api/internal/pipeline"
	"verisource/api/internal/statemachine"
	"verisource/api/internal/storage"
	"verisource/api/internal/store"
)

const testSecret = "test-secret"

var errDatabaseDown = errors.New("database down")

type fakeData struct {
	project          store.Project
	projectErr       error
	claims           []store.SourcingClaim
	audits           []store.AuditAction
	events           []store.ProjectStatusEvent
	evidence         []store.EvidenceFile
	pingErr          error
	createdProjects  []store.Project
	insertedAudits   []store.AuditAction
	insertedEvidence []store.EvidenceFile
}

func (f *fakeData) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.projectErr != nil {
		return store.Project{}, f.projectErr
	}
	if f.project.ID == "" || f.project.ID != projectID {
		return store.Project{}, sql.ErrNoRows
	}
	return f.project, nil
}

func (f *fakeData) CreateProject(ctx context.Context, p store.Project) error {
	f.createdProjects = append(f.createdProjects, p)
	return nil
}

func (f *fakeData) ListProjects(ctx context.Context) ([]store.Project, error) {
	if f.project.ID == "" {
		return nil, nil
	}
	return []store.Project{f.project}, nil
}

func (f *fakeData) ListProjectsForOwner(ctx context.Context, ownerUserID string) ([]store.Project, error) {
	if f.project.ID != "" && f.project.OwnerUserID == ownerUserID {
		return []store.Project{f.project}, nil
	}
	return nil, nil
}

func (f *fakeData) ListClaims(ctx context.Context, projectID, versionID string) ([]store.SourcingClaim, error) {
	var out []store.SourcingClaim
	for _, c := range f.claims {
		if c.ProjectID != projectID {
			continue
		}
		if versionID != "" && c.VersionID != versionID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeData) ClaimsByFieldKey(ctx context.Context, projectID, versionID, fieldKey string, claimType store.ClaimType) ([]store.SourcingClaim, error) {
	var out []store.SourcingClaim
	for _, c := range f.claims {
		if c.ProjectID != projectID || c.VersionID != versionID || c.FieldKey != fieldKey {
			continue
		}
		if claimType != "" && c.ClaimType != claimType {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeData) ListStatusEvents(ctx context.Context, projectID string) ([]store.ProjectStatusEvent, error) {
	return f.events, nil
}

func (f *fakeData) ListAudit(ctx context.Context, projectID string, limit int) ([]store.AuditAction, error) {
	return f.audits, nil
}

func (f *fakeData) LatestAuditByType(ctx context.Context, projectID, actionType string) (store.AuditAction, bool, error) {
	for i := len(f.audits) - 1; i >= 0; i-- {
		if f.audits[i].ProjectID == projectID && f.audits[i].ActionType == actionType {
			return f.audits[i], true, nil
		}
	}
	return store.AuditAction{}, false, nil
}

func (f *fakeData) FindAuditByIdempotencyKey(ctx context.Context, projectID, actionType, key string) (store.AuditAction, bool, error) {
	for _, a := range f.audits {
		if a.ProjectID == projectID && a.ActionType == actionType && a.IdempotencyKey != nil && *a.IdempotencyKey == key {
			return a, true, nil
		}
	}
	return store.AuditAction{}, false, nil
}

func (f *fakeData) InsertAudit(ctx context.Context, a store.AuditAction) error {
	f.audits = append(f.audits, a)
	f.insertedAudits = append(f.insertedAudits, a)
	return nil
}

func (f *fakeData) InsertEvidence(ctx context.Context, e store.EvidenceFile) error {
	f.evidence = append(f.evidence, e)
	f.insertedEvidence = append(f.insertedEvidence, e)
	return nil
}

func (f *fakeData) GetEvidence(ctx context.Context, projectID, evidenceID string) (store.EvidenceFile, error) {
	for _, e := range f.evidence {
		if e.ProjectID == projectID && e.ID == evidenceID {
			return e, nil
		}
	}
	return store.EvidenceFile{}, sql.ErrNoRows
}

func (f *fakeData) ListEvidence(ctx context.Context, projectID string) ([]store.EvidenceFile, error) {
	return f.evidence, nil
}

func (f *fakeData) Ping(ctx context.Context) error {
	return f.pingErr
}

type fakeLedger struct {
	appendFn func(context.Context, ledger.AppendInput) (ledger.AppendResult, error)
	appended []ledger.AppendInput
}

func (f *fakeLedger) AppendClaim(ctx context.Context, in ledger.AppendInput) (ledger.AppendResult, error) {
	f.appended = append(f.appended, in)
	if f.appendFn != nil {
		return f.appendFn(ctx, in)
	}
	return ledger.AppendResult{Claim: store.SourcingClaim{
		ID:        "clm_test",
		ProjectID: in.ProjectID,
		FieldKey:  in.FieldKey,
		ValueJSON: in.Value,
		ClaimType: in.ClaimType,
		VersionID: in.VersionID,
	}}, nil
}

type fakeMachine struct {
	transitionFn func(context.Context, statemachine.TransitionInput) (statemachine.TransitionResult, error)
	inputs       []statemachine.TransitionInput
}

func (f *fakeMachine) Transition(ctx context.Context, in statemachine.TransitionInput) (statemachine.TransitionResult, error) {
	f.inputs = append(f.inputs, in)
	if f.transitionFn != nil {
		return f.transitionFn(ctx, in)
	}
	return statemachine.TransitionResult{
		Project: store.Project{ID: in.ProjectID, Status: in.To},
		Event:   store.ProjectStatusEvent{ID: "evt_test", ProjectID: in.ProjectID, ToStatus: in.To},
	}, nil
}

type fakePipeline struct {
	blueprintFn   func(ctx context.Context, projectID, key, query, requestID string) (pipeline.BlueprintResult, error)
	planFn        func(ctx context.Context, projectID, key, requestID string) (pipeline.PlanResult, error)
	prepareFn     func(ctx context.Context, projectID, key, requestID string) (pipeline.PrepareResult, error)
	eligibilityFn func(ctx context.Context, projectID, key, requestID string) (pipeline.EligibilityResult, error)
	recordFn      func(ctx context.Context, in pipeline.RecordInput) (pipeline.RecordResult, error)
}

func (f *fakePipeline) RunBlueprint(ctx context.Context, projectID, key, query, requestID string) (pipeline.BlueprintResult, error) {
	if f.blueprintFn != nil {
		return f.blueprintFn(ctx, projectID, key, query, requestID)
	}
	return pipeline.BlueprintResult{OK: true}, nil
}

func (f *fakePipeline) RunPlan(ctx context.Context, projectID, key, requestID string) (pipeline.PlanResult, error) {
	if f.planFn != nil {
		return f.planFn(ctx, projectID, key, requestID)
	}
	return pipeline.PlanResult{OK: true}, nil
}

func (f *fakePipeline) RunPrepare(ctx context.Context, projectID, key, requestID string) (pipeline.PrepareResult, error) {
	if f.prepareFn != nil {
		return f.prepareFn(ctx, projectID, key, requestID)
	}
	return pipeline.PrepareResult{OK: true}, nil
}

func (f *fakePipeline) RunEligibility(ctx context.Context, projectID, key, requestID string) (pipeline.EligibilityResult, error) {
	if f.eligibilityFn != nil {
		return f.eligibilityFn(ctx, projectID, key, requestID)
	}
	return pipeline.EligibilityResult{OK: true}, nil
}

func (f *fakePipeline) RecordSent(ctx context.Context, in pipeline.RecordInput) (pipeline.RecordResult, error) {
	if f.recordFn != nil {
		return f.recordFn(ctx, in)
	}
	return pipeline.RecordResult{Claim: store.SourcingClaim{ID: "clm_sent", ProjectID: in.ProjectID}}, nil
}

type fakeFiles struct{}

func (fakeFiles) PresignUpload(ctx context.Context, objectPath, mimeType string) (storage.PresignedUpload, error) {
	return storage.PresignedUpload{
		URL:       "https://files.test/upload/" + objectPath,
		Headers:   map[string]string{"Content-Type": mimeType},
		Path:      objectPath,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}, nil
}

func (fakeFiles) PresignDownload(ctx context.Context, objectPath, filename string) (string, time.Time, error) {
	return "https://files.test/download/" + objectPath, time.Now().Add(10 * time.Minute), nil
}

func newTestService(data *fakeData) *Service {
	return &Service{
		cfg: config.Config{
			AuthSecret: testSecret,
			AccessTTL:  15 * time.Minute,
		},
		store:    data,
		verifier: auth.NewHMACVerifier([]byte(testSecret)),
		ledger:   &fakeLedger{},
		machine:  &fakeMachine{},
		pipeline: &fakePipeline{},
		files:    fakeFiles{},
		sink:     notify.Noop{},
	}
}

type fakeSink struct {
	events []notify.Event
	err    error
}

func (f *fakeSink) Publish(ctx context.Context, event notify.Event) error {
	f.events = append(f.events, event)
	return f.err
}

func testIdentity(uid, role string) auth.Identity {
	return auth.Identity{UID: uid, Role: role}
}

func stringPtr(s string) *string { return &s }

func TestReviewGroupsClaimsByFieldKey(t *testing.T) {
	data := &fakeData{
		project: store.Project{
			ID:              "prj_1",
			OwnerUserID:     "user-1",
			Status:          store.StatusBlueprintRunning,
			ActiveVersionID: stringPtr("ver-1"),
		},
		claims: []store.SourcingClaim{
			{ID: "clm_1", ProjectID: "prj_1", VersionID: "ver-1", FieldKey: ledger.FieldFactoryCandidate, ClaimType: store.ClaimHypothesis},
			{ID: "clm_2", ProjectID: "prj_1", VersionID: "ver-1", FieldKey: ledger.FieldFactoryRuleFlags, ClaimType: store.ClaimHypothesis},
		},
	}
	svc := newTestService(data)

	payload, err := svc.Review(context.Background(), "prj_1")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	fields, ok := payload["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing from payload: %v", payload)
	}
	if len(fields) != len(ledger.ReviewFieldKeys) {
		t.Fatalf("got %d field groups, want %d", len(fields), len(ledger.ReviewFieldKeys))
	}
	candidates := fields[ledger.FieldFactoryCandidate].([]map[string]any)
	if len(candidates) != 1 || candidates[0]["id"] != "clm_1" {
		t.Fatalf("factory_candidate group = %v", candidates)
	}
	if payload["executionApproved"] != false {
		t.Fatal("executionApproved should be false without an approval audit")
	}
}

func TestReviewReportsExecutionApproved(t *testing.T) {
	data := &fakeData{
		project: store.Project{ID: "prj_1", Status: store.StatusVerified, ActiveVersionID: stringPtr("ver-1")},
		audits: []store.AuditAction{
			{ID: "aud_1", ProjectID: "prj_1", ActionType: store.AuditExecutionApproved, Note: `{"approved_steps":["sample_request"]}`},
		},
	}
	svc := newTestService(data)

	payload, err := svc.Review(context.Background(), "prj_1")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if payload["executionApproved"] != true {
		t.Fatal("executionApproved should be true")
	}
}

func TestApproveExecutionValidation(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", Status: store.StatusVerified}}
	svc := newTestService(data)
	admin := testIdentity("admin-1", "admin")

	_, err := svc.ApproveExecution(context.Background(), admin, "prj_1", "req-1", ApproveExecutionRequest{
		ApprovedSteps: []string{"sample_request"},
	})
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeIdempotencyRequired {
		t.Fatalf("missing key err = %v", err)
	}

	_, err = svc.ApproveExecution(context.Background(), admin, "prj_1", "req-1", ApproveExecutionRequest{
		IdempotencyKey: "k1",
	})
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeValidation {
		t.Fatalf("empty steps err = %v", err)
	}

	_, err = svc.ApproveExecution(context.Background(), admin, "prj_1", "req-1", ApproveExecutionRequest{
		IdempotencyKey: "k1",
		ApprovedSteps:  []string{"wire_money"},
	})
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeValidation {
		t.Fatalf("unknown step err = %v", err)
	}
}

func TestApproveExecutionRequiresVerifiedProject(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", Status: store.StatusAnalyzing}}
	svc := newTestService(data)

	_, err := svc.ApproveExecution(context.Background(), testIdentity("admin-1", "admin"), "prj_1", "req-1", ApproveExecutionRequest{
		IdempotencyKey: "k1",
		ApprovedSteps:  []string{"sample_request"},
	})
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestApproveExecutionWritesAuditAndReplays(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", Status: store.StatusVerified}}
	svc := newTestService(data)
	admin := testIdentity("admin-1", "admin")
	in := ApproveExecutionRequest{
		IdempotencyKey: "approve-1",
		ApprovedSteps:  []string{"sample_request", "price_confirmation"},
	}

	payload, err := svc.ApproveExecution(context.Background(), admin, "prj_1", "req-1", in)
	if err != nil {
		t.Fatalf("ApproveExecution: %v", err)
	}
	if payload["replayed"] != false {
		t.Fatal("first call should not replay")
	}
	if len(data.insertedAudits) != 1 {
		t.Fatalf("got %d audits, want 1", len(data.insertedAudits))
	}
	audit := data.insertedAudits[0]
	if audit.ActionType != store.AuditExecutionApproved {
		t.Fatalf("action type = %s", audit.ActionType)
	}
	var note struct {
		ApprovedSteps []string `json:"approved_steps"`
	}
	if err := json.Unmarshal([]byte(audit.Note), &note); err != nil {
		t.Fatalf("unmarshal note: %v", err)
	}
	if len(note.ApprovedSteps) != 2 {
		t.Fatalf("note steps = %v", note.ApprovedSteps)
	}

	replay, err := svc.ApproveExecution(context.Background(), admin, "prj_1", "req-2", in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay["replayed"] != true {
		t.Fatal("second call with same key should replay")
	}
	if len(data.insertedAudits) != 1 {
		t.Fatalf("replay wrote a second audit: %d", len(data.insertedAudits))
	}
}

func TestProjectOwnershipRule(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1", Status: store.StatusAnalyzing}}
	svc := newTestService(data)

	if _, err := svc.GetProject(context.Background(), testIdentity("user-1", "user"), "prj_1"); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	_, err := svc.GetProject(context.Background(), testIdentity("user-2", "user"), "prj_1")
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeForbidden {
		t.Fatalf("non-owner err = %v, want FORBIDDEN", err)
	}

	if _, err := svc.GetProject(context.Background(), testIdentity("aud-1", "auditor"), "prj_1"); err != nil {
		t.Fatalf("auditor read: %v", err)
	}
}

func TestInitiateEvidenceEnforcesPolicy(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1"}}
	svc := newTestService(data)
	owner := testIdentity("user-1", "user")

	_, err := svc.InitiateEvidenceUpload(context.Background(), owner, "prj_1", InitiateEvidenceRequest{
		Filename: "virus.exe", MimeType: "application/x-msdownload", SizeBytes: 100,
	})
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeValidation {
		t.Fatalf("disallowed mime err = %v", err)
	}

	_, err = svc.InitiateEvidenceUpload(context.Background(), owner, "prj_1", InitiateEvidenceRequest{
		Filename: "doc.pdf", MimeType: "application/pdf", SizeBytes: storage.MaxEvidenceSizeBytes + 1,
	})
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeValidation {
		t.Fatalf("oversize err = %v", err)
	}

	payload, err := svc.InitiateEvidenceUpload(context.Background(), owner, "prj_1", InitiateEvidenceRequest{
		Filename: "doc.pdf", MimeType: "application/pdf", SizeBytes: 1024,
	})
	if err != nil {
		t.Fatalf("valid initiate: %v", err)
	}
	upload := payload["upload"].(map[string]any)
	path := upload["path"].(string)
	if !strings.HasPrefix(path, "projects/prj_1/evidence/") {
		t.Fatalf("path = %s", path)
	}
}

func TestInitiateEvidenceWithoutStorage(t *testing.T) {
	svc := newTestService(&fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1"}})
	svc.files = nil

	_, err := svc.InitiateEvidenceUpload(context.Background(), testIdentity("user-1", "user"), "prj_1", InitiateEvidenceRequest{
		Filename: "doc.pdf", MimeType: "application/pdf", SizeBytes: 1024,
	})
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "STORAGE_UNAVAILABLE" {
		t.Fatalf("err = %v, want STORAGE_UNAVAILABLE", err)
	}
}

func TestCompleteEvidenceRejectsForeignPath(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1"}}
	svc := newTestService(data)

	_, err := svc.CompleteEvidenceUpload(context.Background(), testIdentity("user-1", "user"), "prj_1", CompleteEvidenceRequest{
		StoragePath: "projects/prj_2/evidence/abc_doc.pdf",
		Filename:    "doc.pdf",
		MimeType:    "application/pdf",
		SHA256:      "deadbeef",
		SizeBytes:   1024,
	})
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeValidation {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
	if len(data.insertedEvidence) != 0 {
		t.Fatal("foreign path must not create an evidence row")
	}
}

func TestCompleteEvidenceRecordsFile(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1"}}
	svc := newTestService(data)

	payload, err := svc.CompleteEvidenceUpload(context.Background(), testIdentity("user-1", "user"), "prj_1", CompleteEvidenceRequest{
		StoragePath: "projects/prj_1/evidence/abc123def456_doc.pdf",
		Filename:    "doc.pdf",
		MimeType:    "application/pdf",
		SHA256:      "deadbeef",
		SizeBytes:   1024,
	})
	if err != nil {
		t.Fatalf("CompleteEvidenceUpload: %v", err)
	}
	if len(data.insertedEvidence) != 1 {
		t.Fatalf("got %d evidence rows, want 1", len(data.insertedEvidence))
	}
	row := data.insertedEvidence[0]
	if row.VirusScanStatus != "pending" {
		t.Fatalf("virus scan status = %s", row.VirusScanStatus)
	}
	evidence := payload["evidence"].(map[string]any)
	if evidence["projectId"] != "prj_1" {
		t.Fatalf("evidence payload = %v", evidence)
	}
}

func TestStartBlueprintRequiresKey(t *testing.T) {
	svc := newTestService(&fakeData{project: store.Project{ID: "prj_1"}})

	_, err := svc.StartBlueprint(context.Background(), "prj_1", "", "mug", "req-1")
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeIdempotencyRequired {
		t.Fatalf("err = %v, want IDEMPOTENCY_REQUIRED", err)
	}
}

func TestStartBlueprintEnqueues(t *testing.T) {
	svc := newTestService(&fakeData{project: store.Project{ID: "prj_1"}})
	svc.queue = jobs.NewQueue(1, 1, func(jobs.Job, error) {})

	payload, err := svc.StartBlueprint(context.Background(), "prj_1", "bp-1", "mug", "req-1")
	if err != nil {
		t.Fatalf("StartBlueprint: %v", err)
	}
	if payload["accepted"] != true {
		t.Fatalf("payload = %v", payload)
	}

	// Queue is not started, so the buffer of one is now full.
	_, err = svc.StartBlueprint(context.Background(), "prj_1", "bp-2", "mug", "req-2")
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "QUEUE_FULL" {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}
}

func TestTransitionIntoBlueprintEnqueuesRun(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1", Status: store.StatusWaitingPayment}}
	svc := newTestService(data)

	processed := make(chan jobs.Job, 1)
	queue := jobs.NewQueue(4, 1, func(job jobs.Job, err error) {
		processed <- job
	})
	svc.queue = queue
	svc.RegisterJobHandlers(queue)
	queue.Start(context.Background())
	defer queue.Drain()

	_, err := svc.Transition(context.Background(), testIdentity("sys-1", "system"), "prj_1", "req-1", TransitionRequest{
		To:             "BLUEPRINT_RUNNING",
		Source:         "system",
		IdempotencyKey: "t1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case job := <-processed:
		if job.Name != JobBlueprint || job.ProjectID != "prj_1" {
			t.Fatalf("job = %+v", job)
		}
		if job.IdempotencyKey != "blueprint:t1" {
			t.Fatalf("job key = %q", job.IdempotencyKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blueprint job was not enqueued")
	}
}

func TestTransitionElsewhereDoesNotEnqueue(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1", Status: store.StatusAnalyzing}}
	svc := newTestService(data)
	queue := jobs.NewQueue(1, 1, func(jobs.Job, error) {})
	svc.queue = queue

	_, err := svc.Transition(context.Background(), testIdentity("user-1", "user"), "prj_1", "req-1", TransitionRequest{
		To:             "WAITING_PAYMENT",
		IdempotencyKey: "t1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Queue was never started; an enqueued job would still sit in the buffer.
	if err := queue.Enqueue(jobs.Job{Name: "filler"}); err != nil {
		t.Fatalf("buffer should be empty: %v", err)
	}
}

func TestTransitionIntoWaitingPaymentNotifies(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1", Status: store.StatusAnalyzing}}
	svc := newTestService(data)
	sink := &fakeSink{}
	svc.sink = sink

	_, err := svc.Transition(context.Background(), testIdentity("user-1", "user"), "prj_1", "req-1", TransitionRequest{
		To:             "WAITING_PAYMENT",
		IdempotencyKey: "t1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	event := sink.events[0]
	if event.Type != "project.payment_requested" || event.ProjectID != "prj_1" {
		t.Fatalf("event = %+v", event)
	}
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["event_id"] != "evt_test" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestTransitionNotificationIsBestEffort(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1", Status: store.StatusAnalyzing}}
	svc := newTestService(data)
	sink := &fakeSink{err: errors.New("redis down")}
	svc.sink = sink

	payload, err := svc.Transition(context.Background(), testIdentity("user-1", "user"), "prj_1", "req-1", TransitionRequest{
		To:             "WAITING_PAYMENT",
		IdempotencyKey: "t1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if payload["replayed"] != false {
		t.Fatalf("payload = %v", payload)
	}
}

func TestReplayedTransitionDoesNotNotify(t *testing.T) {
	data := &fakeData{project: store.Project{ID: "prj_1", OwnerUserID: "user-1", Status: store.StatusWaitingPayment}}
	svc := newTestService(data)
	sink := &fakeSink{}
	svc.sink = sink
	svc.machine = &fakeMachine{transitionFn: func(_ context.Context, in statemachine.TransitionInput) (statemachine.TransitionResult, error) {
		return statemachine.TransitionResult{
			Project:  store.Project{ID: in.ProjectID, Status: in.To},
			Event:    store.ProjectStatusEvent{ID: "evt_test", ProjectID: in.ProjectID, ToStatus: in.To},
			Replayed: true,
		}, nil
	}}

	_, err := svc.Transition(context.Background(), testIdentity("user-1", "user"), "prj_1", "req-1", TransitionRequest{
		To:             "WAITING_PAYMENT",
		IdempotencyKey: "t1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("replayed transition must not notify: %+v", sink.events)
	}
}

func TestIssueDevTokenDisabled(t *testing.T) {
	svc := newTestService(&fakeData{})

	_, err := svc.IssueDevToken("user-1", "admin")
	var domainErr *apperr.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperr.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}

	svc.cfg.DevTokens = true
	payload, err := svc.IssueDevToken("user-1", "admin")
	if err != nil {
		t.Fatalf("IssueDevToken: %v", err)
	}
	identity, err := svc.IdentityFromToken(payload["token"].(string))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if identity.UID != "user-1" || identity.Role != "admin" {
		t.Fatalf("identity = %+v", identity)
	}
}
