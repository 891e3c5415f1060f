package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"verisource/api/internal/ledger"
	"verisource/api/internal/store"
)

type fakeStore struct {
	projects map[string]store.Project
	claims   []store.SourcingClaim
	audits   []store.AuditAction
	verified []store.Project
	missing  []string
}

func newFakeStore(projects ...store.Project) *fakeStore {
	f := &fakeStore{projects: map[string]store.Project{}}
	for _, p := range projects {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) FindClaimByIdempotencyKey(ctx context.Context, projectID, key string) (store.SourcingClaim, bool, error) {
	for _, c := range f.claims {
		if c.ProjectID == projectID && c.IdempotencyKey != nil && *c.IdempotencyKey == key {
			return c, true, nil
		}
	}
	return store.SourcingClaim{}, false, nil
}

func (f *fakeStore) ClaimsByFieldKey(ctx context.Context, projectID, versionID, fieldKey string, claimType store.ClaimType) ([]store.SourcingClaim, error) {
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

func (f *fakeStore) LatestAuditByType(ctx context.Context, projectID, actionType string) (store.AuditAction, bool, error) {
	for i := len(f.audits) - 1; i >= 0; i-- {
		if f.audits[i].ProjectID == projectID && f.audits[i].ActionType == actionType {
			return f.audits[i], true, nil
		}
	}
	return store.AuditAction{}, false, nil
}

func (f *fakeStore) FindAuditByIdempotencyKey(ctx context.Context, projectID, actionType, key string) (store.AuditAction, bool, error) {
	for _, a := range f.audits {
		if a.ProjectID == projectID && a.ActionType == actionType && a.IdempotencyKey != nil && *a.IdempotencyKey == key {
			return a, true, nil
		}
	}
	return store.AuditAction{}, false, nil
}

func (f *fakeStore) InsertAudit(ctx context.Context, a store.AuditAction) error {
	f.audits = append(f.audits, a)
	return nil
}

func (f *fakeStore) ListVerifiedProjects(ctx context.Context, excludeID string) ([]store.Project, error) {
	var out []store.Project
	for _, p := range f.verified {
		if p.ID != excludeID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) MissingEvidenceIDs(ctx context.Context, projectID string, ids []string) ([]string, error) {
	return f.missing, nil
}

func (f *fakeStore) auditNotes(actionType string) []string {
	var notes []string
	for _, a := range f.audits {
		if a.ActionType == actionType {
			notes = append(notes, a.Note)
		}
	}
	return notes
}

// fakeAppender records appends and mirrors them into the backing fake store
// so later phases can read them back.
type fakeAppender struct {
	store    *fakeStore
	appended []ledger.AppendInput
	failWith error
	seq      int
}

func (f *fakeAppender) AppendClaim(ctx context.Context, in ledger.AppendInput) (ledger.AppendResult, error) {
	if f.failWith != nil {
		return ledger.AppendResult{}, f.failWith
	}
	if existing, ok, _ := f.store.FindClaimByIdempotencyKey(ctx, in.ProjectID, in.IdempotencyKey); ok {
		return ledger.AppendResult{Claim: existing, Replayed: true}, nil
	}
	f.seq++
	key := in.IdempotencyKey
	claim := store.SourcingClaim{
		ID:             fmt.Sprintf("clm_%d", f.seq),
		ProjectID:      in.ProjectID,
		FieldKey:       in.FieldKey,
		ValueJSON:      in.Value,
		ClaimType:      in.ClaimType,
		CreatedByRole:  in.Actor.Role,
		SourceType:     in.SourceType,
		SourceRef:      in.SourceRef,
		VersionID:      in.VersionID,
		IdempotencyKey: &key,
	}
	if claim.VersionID == "" {
		if p, ok := f.store.projects[in.ProjectID]; ok && p.ActiveVersionID != nil {
			claim.VersionID = *p.ActiveVersionID
		}
	}
	f.appended = append(f.appended, in)
	f.store.claims = append(f.store.claims, claim)
	return ledger.AppendResult{Claim: claim}, nil
}

func (f *fakeAppender) fieldKeys() []string {
	var keys []string
	for _, in := range f.appended {
		keys = append(keys, in.FieldKey)
	}
	return keys
}

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error) {
	if f.err != nil {
		return Generation{}, f.err
	}
	return Generation{Text: f.text, Model: "test-model", ModelVersion: "1"}, nil
}

func verifiedTestProject(id string, snapshotFields map[string]any) store.Project {
	fields := map[string]any{}
	for key, value := range snapshotFields {
		fields[key] = map[string]any{"claim_id": "clm_seed", "field_key": key, "value": value}
	}
	snapshot, _ := json.Marshal(map[string]any{"version_id": "ver-1", "fields": fields})

	v := "ver-1"
	return store.Project{
		ID:                id,
		OwnerUserID:       "usr_owner",
		Status:            store.StatusVerified,
		ActiveVersionID:   &v,
		VerifiedVersionID: &v,
		VerifiedSnapshot:  snapshot,
	}
}

func claimWithValue(projectID, versionID, fieldKey, key string, claimType store.ClaimType, value any) store.SourcingClaim {
	raw, _ := json.Marshal(value)
	k := key
	return store.SourcingClaim{
		ID:             "clm_" + strings.ReplaceAll(key, ":", "_"),
		ProjectID:      projectID,
		FieldKey:       fieldKey,
		ValueJSON:      raw,
		ClaimType:      claimType,
		VersionID:      versionID,
		IdempotencyKey: &k,
	}
}
