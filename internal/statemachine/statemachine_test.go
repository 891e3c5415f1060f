package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"verisource/api/internal/apperr"
	"verisource/api/internal/store"
)

type fakeTx struct {
	project store.Project

	updatedStatus  store.ProjectStatus
	frozenVersion  string
	frozenSnapshot json.RawMessage
	events         []store.ProjectStatusEvent
	audits         []store.AuditAction
}

func (f *fakeTx) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	return f.project, nil
}

func (f *fakeTx) InsertClaim(ctx context.Context, c store.SourcingClaim) (store.SourcingClaim, error) {
	return c, nil
}

func (f *fakeTx) FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (store.SourcingClaim, bool, error) {
	return store.SourcingClaim{}, false, nil
}

func (f *fakeTx) MissingEvidenceIDs(ctx context.Context, projectID string, ids []string) ([]string, error) {
	return nil, nil
}

func (f *fakeTx) LinkEvidence(ctx context.Context, claimID string, evidenceIDs []string) error {
	return nil
}

func (f *fakeTx) ClaimsForVersion(ctx context.Context, projectID, versionID string) ([]store.SourcingClaim, error) {
	return nil, nil
}

func (f *fakeTx) UpdateResolvedView(ctx context.Context, projectID, activeVersionID string, view json.RawMessage, at time.Time) error {
	return nil
}

func (f *fakeTx) UpdateProjectStatus(ctx context.Context, projectID string, status store.ProjectStatus, at time.Time) error {
	f.updatedStatus = status
	return nil
}

func (f *fakeTx) FreezeVerification(ctx context.Context, projectID string, verifiedAt time.Time, versionID string, snapshot json.RawMessage) error {
	f.frozenVersion = versionID
	f.frozenSnapshot = snapshot
	return nil
}

func (f *fakeTx) InsertStatusEvent(ctx context.Context, e store.ProjectStatusEvent) (store.ProjectStatusEvent, error) {
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeTx) InsertAudit(ctx context.Context, a store.AuditAction) error {
	f.audits = append(f.audits, a)
	return nil
}

type fakeStore struct {
	tx          *fakeTx
	replayEvent *store.ProjectStatusEvent
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	return f.tx.project, nil
}

func (f *fakeStore) FindStatusEventByIdempotencyKey(ctx context.Context, projectID, key string) (store.ProjectStatusEvent, bool, error) {
	if f.replayEvent != nil {
		return *f.replayEvent, true, nil
	}
	return store.ProjectStatusEvent{}, false, nil
}

func (f *fakeStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return fn(f.tx)
}

func project(status store.ProjectStatus) store.Project {
	v := "ver-1"
	return store.Project{
		ID:              "prj_1",
		OwnerUserID:     "usr_owner",
		Status:          status,
		ActiveVersionID: &v,
		ResolvedView:    json.RawMessage(`{"version_id":"ver-1","fields":{}}`),
	}
}

func input(to store.ProjectStatus, role store.ActorRole) TransitionInput {
	return TransitionInput{
		ProjectID:      "prj_1",
		To:             to,
		Source:         store.SourceUI,
		IdempotencyKey: "key-1",
		Actor:          Actor{ID: "usr_owner", Role: role},
	}
}

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		from, to store.ProjectStatus
		want     bool
	}{
		{store.StatusAnalyzing, store.StatusWaitingPayment, true},
		{store.StatusAnalyzing, store.StatusBlueprintRunning, true},
		{store.StatusAnalyzing, store.StatusAuditInProgress, true},
		{store.StatusAnalyzing, store.StatusVerified, false},
		{store.StatusWaitingPayment, store.StatusBlueprintRunning, true},
		{store.StatusWaitingPayment, store.StatusAnalyzing, true},
		{store.StatusWaitingPayment, store.StatusVerified, false},
		{store.StatusBlueprintRunning, store.StatusAuditInProgress, true},
		{store.StatusBlueprintRunning, store.StatusAnalyzing, true},
		{store.StatusAuditInProgress, store.StatusVerified, true},
		{store.StatusAuditInProgress, store.StatusAnalyzing, true},
		{store.StatusVerified, store.StatusAnalyzing, true},
		{store.StatusVerified, store.StatusAuditInProgress, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionRequiresIdempotencyKey(t *testing.T) {
	svc := NewService(&fakeStore{tx: &fakeTx{project: project(store.StatusAnalyzing)}})
	in := input(store.StatusBlueprintRunning, store.ActorUser)
	in.IdempotencyKey = ""

	_, err := svc.Transition(context.Background(), in)
	var de *apperr.DomainError
	if !errors.As(err, &de) || de.Code != apperr.CodeIdempotencyRequired {
		t.Fatalf("expected IDEMPOTENCY_REQUIRED, got %v", err)
	}
}

func TestTransitionReplaysExistingEvent(t *testing.T) {
	event := store.ProjectStatusEvent{ID: "evt_prev", ProjectID: "prj_1"}
	svc := NewService(&fakeStore{
		tx:          &fakeTx{project: project(store.StatusBlueprintRunning)},
		replayEvent: &event,
	})

	res, err := svc.Transition(context.Background(), input(store.StatusBlueprintRunning, store.ActorUser))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !res.Replayed || res.Event.ID != "evt_prev" {
		t.Fatalf("expected replayed event, got %+v", res)
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	svc := NewService(&fakeStore{tx: &fakeTx{project: project(store.StatusAnalyzing)}})

	_, err := svc.Transition(context.Background(), input(store.StatusVerified, store.ActorAdmin))
	var de *apperr.DomainError
	if !errors.As(err, &de) || de.Code != apperr.CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
	if de.Message != "Invalid transition: ANALYZING -> VERIFIED" {
		t.Fatalf("unexpected message: %s", de.Message)
	}
}

func TestTransitionVerifyRequiresAdmin(t *testing.T) {
	svc := NewService(&fakeStore{tx: &fakeTx{project: project(store.StatusAuditInProgress)}})

	_, err := svc.Transition(context.Background(), input(store.StatusVerified, store.ActorUser))
	var de *apperr.DomainError
	if !errors.As(err, &de) || de.Code != apperr.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if de.Message != "Only admin can transition to VERIFIED" {
		t.Fatalf("unexpected message: %s", de.Message)
	}
}

func TestTransitionVerifyRequiresActiveVersion(t *testing.T) {
	p := project(store.StatusAuditInProgress)
	p.ActiveVersionID = nil
	svc := NewService(&fakeStore{tx: &fakeTx{project: p}})

	_, err := svc.Transition(context.Background(), input(store.StatusVerified, store.ActorAdmin))
	var de *apperr.DomainError
	if !errors.As(err, &de) || de.Code != apperr.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestTransitionVerifyFreezesSnapshot(t *testing.T) {
	tx := &fakeTx{project: project(store.StatusAuditInProgress)}
	svc := NewService(&fakeStore{tx: tx})

	res, err := svc.Transition(context.Background(), input(store.StatusVerified, store.ActorAdmin))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Replayed {
		t.Fatal("expected fresh transition")
	}
	if tx.frozenVersion != "ver-1" {
		t.Fatalf("expected frozen version ver-1, got %s", tx.frozenVersion)
	}
	if string(tx.frozenSnapshot) != `{"version_id":"ver-1","fields":{}}` {
		t.Fatalf("expected resolved view frozen as snapshot, got %s", tx.frozenSnapshot)
	}
	if tx.updatedStatus != store.StatusVerified {
		t.Fatalf("expected status update to VERIFIED, got %s", tx.updatedStatus)
	}
	if len(tx.events) != 1 || tx.events[0].ToStatus != store.StatusVerified {
		t.Fatalf("expected one status event, got %+v", tx.events)
	}
	if len(tx.audits) != 1 || tx.audits[0].ActionType != store.AuditStatusTransition {
		t.Fatalf("expected status_transition audit, got %+v", tx.audits)
	}
}

func TestTransitionReopenLimitedToAdminAndSystem(t *testing.T) {
	for _, tc := range []struct {
		role store.ActorRole
		ok   bool
	}{
		{store.ActorAdmin, true},
		{store.ActorSystem, true},
		{store.ActorUser, false},
	} {
		tx := &fakeTx{project: project(store.StatusVerified)}
		svc := NewService(&fakeStore{tx: tx})

		_, err := svc.Transition(context.Background(), input(store.StatusAnalyzing, tc.role))
		if tc.ok && err != nil {
			t.Fatalf("role %s: expected success, got %v", tc.role, err)
		}
		if !tc.ok {
			var de *apperr.DomainError
			if !errors.As(err, &de) || de.Code != apperr.CodeForbidden {
				t.Fatalf("role %s: expected FORBIDDEN, got %v", tc.role, err)
			}
		}
	}
}

func TestTransitionRejectsNonOwnerUser(t *testing.T) {
	svc := NewService(&fakeStore{tx: &fakeTx{project: project(store.StatusAnalyzing)}})
	in := input(store.StatusBlueprintRunning, store.ActorUser)
	in.Actor.ID = "usr_other"

	_, err := svc.Transition(context.Background(), in)
	var de *apperr.DomainError
	if !errors.As(err, &de) || de.Code != apperr.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}
