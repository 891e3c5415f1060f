package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type ProjectStatus string

const (
	StatusAnalyzing        ProjectStatus = "ANALYZING"
	StatusWaitingPayment   ProjectStatus = "WAITING_PAYMENT"
	StatusBlueprintRunning ProjectStatus = "BLUEPRINT_RUNNING"
	StatusAuditInProgress  ProjectStatus = "AUDIT_IN_PROGRESS"
	StatusVerified         ProjectStatus = "VERIFIED"
)

func ParseProjectStatus(raw string) (ProjectStatus, error) {
	switch v := ProjectStatus(raw); v {
	case StatusAnalyzing, StatusWaitingPayment, StatusBlueprintRunning, StatusAuditInProgress, StatusVerified:
		return v, nil
	default:
		return "", fmt.Errorf("invalid project status %q", raw)
	}
}

type ClaimType string

const (
	ClaimHypothesis   ClaimType = "HYPOTHESIS"
	ClaimUserProvided ClaimType = "USER_PROVIDED"
	ClaimVerified     ClaimType = "VERIFIED"
)

func ParseClaimType(raw string) (ClaimType, error) {
	switch v := ClaimType(raw); v {
	case ClaimHypothesis, ClaimUserProvided, ClaimVerified:
		return v, nil
	default:
		return "", fmt.Errorf("invalid claim type %q", raw)
	}
}

type ActorRole string

const (
	ActorUser    ActorRole = "user"
	ActorAuditor ActorRole = "auditor"
	ActorAdmin   ActorRole = "admin"
	ActorSystem  ActorRole = "system"
)

func ParseActorRole(raw string) (ActorRole, error) {
	switch v := ActorRole(raw); v {
	case ActorUser, ActorAuditor, ActorAdmin, ActorSystem:
		return v, nil
	default:
		return "", fmt.Errorf("invalid actor role %q", raw)
	}
}

// EventSource records which surface initiated a status transition.
type EventSource string

const (
	SourceUI     EventSource = "ui"
	SourceOps    EventSource = "ops"
	SourceSystem EventSource = "system"
)

func ParseEventSource(raw string) (EventSource, error) {
	switch v := EventSource(raw); v {
	case SourceUI, SourceOps, SourceSystem:
		return v, nil
	default:
		return "", fmt.Errorf("invalid event source %q", raw)
	}
}

type Project struct {
	ID                string
	OwnerUserID       string
	Status            ProjectStatus
	ActiveVersionID   *string
	VerifiedVersionID *string
	VerifiedAt        *time.Time
	VerifiedSnapshot  json.RawMessage
	ResolvedView      json.RawMessage
	ResolvedViewAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SourcingClaim is one immutable row of the ledger. There is no update or
// delete path for it anywhere in this codebase.
type SourcingClaim struct {
	ID              string
	ProjectID       string
	FieldKey        string
	ValueJSON       json.RawMessage
	ClaimType       ClaimType
	Confidence      *float64
	CreatedByRole   ActorRole
	CreatedByUserID string
	SourceType      string
	SourceRef       string
	VersionID       string
	IdempotencyKey  *string
	CreatedAt       time.Time
}

type EvidenceFile struct {
	ID               string
	ProjectID        string
	StoragePath      string
	MimeType         string
	SHA256           string
	SizeBytes        int64
	OriginalFilename string
	UploadedByUserID string
	VirusScanStatus  string
	CreatedAt        time.Time
}

type AuditAction struct {
	ID             string
	ProjectID      string
	ActorID        string
	ActorRole      ActorRole
	ActionType     string
	Note           string
	RequestID      string
	IdempotencyKey *string
	CreatedAt      time.Time
}

// Audit action types. Append-only log; one row per state-changing or
// pipeline event, success or failure.
const (
	AuditClaimAppend         = "claim_append"
	AuditStatusTransition    = "status_transition"
	AuditPipelineRun         = "pipeline_run"
	AuditEditNote            = "edit_note"
	AuditExecutionApproved   = "execution_approved"
	AuditExecutionMarkedSent = "execution_marked_sent"
)

// ProjectStatusEvent is the state machine's concurrency-control primitive:
// unique on (project_id, idempotency_key).
type ProjectStatusEvent struct {
	ID             string
	ProjectID      string
	FromStatus     ProjectStatus
	ToStatus       ProjectStatus
	ActorID        string
	ActorRole      ActorRole
	Reason         string
	Source         EventSource
	IdempotencyKey string
	CreatedAt      time.Time
}
