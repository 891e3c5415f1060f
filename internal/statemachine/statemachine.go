package statemachine

import (
	"context"
	"fmt"
	"time"

	"verisource/api/internal/apperr"
	"verisource/api/internal/store"
	"verisource/api/internal/util"
)

// allowed is the full transition table. Anything absent is rejected.
var allowed = map[store.ProjectStatus][]store.ProjectStatus{
	store.StatusAnalyzing:        {store.StatusWaitingPayment, store.StatusBlueprintRunning, store.StatusAuditInProgress},
	store.StatusWaitingPayment:   {store.StatusBlueprintRunning, store.StatusAnalyzing},
	store.StatusBlueprintRunning: {store.StatusAuditInProgress, store.StatusAnalyzing},
	store.StatusAuditInProgress:  {store.StatusVerified, store.StatusAnalyzing},
	store.StatusVerified:         {store.StatusAnalyzing},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to store.ProjectStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	FindStatusEventByIdempotencyKey(ctx context.Context, projectID, key string) (store.ProjectStatusEvent, bool, error)
	InTx(ctx context.Context, fn func(store.Tx) error) error
}

type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

type Actor struct {
	ID   string
	Role store.ActorRole
}

type TransitionInput struct {
	ProjectID      string
	To             store.ProjectStatus
	Reason         string
	Source         store.EventSource
	IdempotencyKey string
	RequestID      string
	Actor          Actor
}

type TransitionResult struct {
	Project  store.Project
	Event    store.ProjectStatusEvent
	Replayed bool
}

func (s *Service) Transition(ctx context.Context, in TransitionInput) (TransitionResult, error) {
	if in.IdempotencyKey == "" {
		return TransitionResult{}, apperr.IdempotencyRequired()
	}

	if event, ok, err := s.store.FindStatusEventByIdempotencyKey(ctx, in.ProjectID, in.IdempotencyKey); err != nil {
		return TransitionResult{}, err
	} else if ok {
		project, err := s.store.GetProject(ctx, in.ProjectID)
		if err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{Project: project, Event: event, Replayed: true}, nil
	}

	var event store.ProjectStatusEvent
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		project, err := tx.GetProject(ctx, in.ProjectID)
		if err != nil {
			return err
		}
		if in.Actor.Role == store.ActorUser && project.OwnerUserID != in.Actor.ID {
			return apperr.Forbidden("You do not have access to this project")
		}
		if !CanTransition(project.Status, in.To) {
			return apperr.InvalidTransition(fmt.Sprintf("Invalid transition: %s -> %s", project.Status, in.To))
		}

		now := time.Now().UTC()

		if in.To == store.StatusVerified {
			if in.Actor.Role != store.ActorAdmin {
				return apperr.Forbidden("Only admin can transition to VERIFIED")
			}
			if project.ActiveVersionID == nil || *project.ActiveVersionID == "" {
				return apperr.Conflict("Cannot verify without an activeVersionId (append at least one claim first)")
			}
			// The one-time freeze. verified_snapshot and verified_version_id
			// never change after this.
			if err := tx.FreezeVerification(ctx, in.ProjectID, now, *project.ActiveVersionID, project.ResolvedView); err != nil {
				return err
			}
		}

		if project.Status == store.StatusVerified && in.To == store.StatusAnalyzing {
			if in.Actor.Role != store.ActorAdmin && in.Actor.Role != store.ActorSystem {
				return apperr.Forbidden("Only admin or system can reopen a VERIFIED project")
			}
		}

		if err := tx.UpdateProjectStatus(ctx, in.ProjectID, in.To, now); err != nil {
			return err
		}

		event, err = tx.InsertStatusEvent(ctx, store.ProjectStatusEvent{
			ID:             util.NewID("evt"),
			ProjectID:      in.ProjectID,
			FromStatus:     project.Status,
			ToStatus:       in.To,
			ActorID:        in.Actor.ID,
			ActorRole:      in.Actor.Role,
			Reason:         in.Reason,
			Source:         in.Source,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}

		key := in.IdempotencyKey
		return tx.InsertAudit(ctx, store.AuditAction{
			ID:             util.NewID("aud"),
			ProjectID:      in.ProjectID,
			ActorID:        in.Actor.ID,
			ActorRole:      in.Actor.Role,
			ActionType:     store.AuditStatusTransition,
			Note:           fmt.Sprintf("transition %s -> %s", project.Status, in.To),
			RequestID:      in.RequestID,
			IdempotencyKey: &key,
			CreatedAt:      now,
		})
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			if replayEvent, ok, findErr := s.store.FindStatusEventByIdempotencyKey(ctx, in.ProjectID, in.IdempotencyKey); findErr == nil && ok {
				project, getErr := s.store.GetProject(ctx, in.ProjectID)
				if getErr == nil {
					return TransitionResult{Project: project, Event: replayEvent, Replayed: true}, nil
				}
			}
		}
		return TransitionResult{}, err
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Project: project, Event: event, Replayed: false}, nil
}
