package service

import (
	"context"
	"log/slog"

	"plaza/internal/cache"
	"plaza/internal/featureflags"
	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// FollowService maintains the follow graph. Every edge is stored twice,
// in actor.following and in target.followers, and the two halves must agree.
type FollowService struct {
	users   repository.UserRepository
	graph   repository.GraphRepository
	repairs repository.RepairRepository
	lock    *cache.PairLock
	events  EventSink
	flags   *featureflags.Manager
	retry   RetryPolicy
}

// NewFollowService returns a new FollowService. repairs, lock, events and
// flags may be nil.
func NewFollowService(
	users repository.UserRepository,
	graph repository.GraphRepository,
	repairs repository.RepairRepository,
	lock *cache.PairLock,
	events EventSink,
	flags *featureflags.Manager,
	retry RetryPolicy,
) *FollowService {
	return &FollowService{
		users:   users,
		graph:   graph,
		repairs: repairs,
		lock:    lock,
		events:  events,
		flags:   flags,
		retry:   retry,
	}
}

// Follow makes actorID follow targetID. Following someone already followed is a no-op.
func (s *FollowService) Follow(ctx context.Context, actorID, targetID string) error {
	return s.mutate(ctx, models.GraphOpFollow, actorID, targetID)
}

// Unfollow removes the edge from actorID to targetID. Removing a missing edge is a no-op.
func (s *FollowService) Unfollow(ctx context.Context, actorID, targetID string) error {
	return s.mutate(ctx, models.GraphOpUnfollow, actorID, targetID)
}

func (s *FollowService) mutate(ctx context.Context, op models.GraphOp, actorID, targetID string) (err error) {
	span, ctx := observability.StartServiceSpan(ctx, "follow", string(op),
		attribute.String("actor.id", actorID),
		attribute.String("target.id", targetID),
	)
	outcome := "applied"
	defer func() {
		if err != nil {
			span.SetError(err)
			if outcome == "applied" {
				outcome = "error"
			}
		}
		observability.GraphOperations.WithLabelValues(string(op), outcome).Inc()
		span.AddAttributes(attribute.String("follow.outcome", outcome))
		span.End()
	}()

	if actorID == "" || targetID == "" {
		return models.NewValidationError("Both user ids are required")
	}
	if actorID == targetID {
		outcome = "rejected"
		return models.NewSelfFollowError()
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, actorID, targetID)
		if err != nil {
			return models.NewUnavailableError(err)
		}
		defer release()
	}

	actor, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, actorID)
	})
	if err != nil {
		return err
	}
	target, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, targetID)
	})
	if err != nil {
		return err
	}

	want := op == models.GraphOpFollow
	hasFollowing := actor.IsFollowing(targetID)
	hasFollower := target.IsFollowedBy(actorID)
	if hasFollowing == want && hasFollower == want {
		outcome = "noop"
		return nil
	}

	if s.graph.Transactional() {
		err = unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
			return s.graph.ApplyBoth(ctx, op, actorID, targetID)
		}, s.countRetry(models.SideFollowing)))
		if err != nil {
			return err
		}
	} else if err = s.applyOrdered(ctx, op, actorID, targetID, hasFollowing != want, hasFollower != want); err != nil {
		if isPartial(err) {
			outcome = "partial"
		}
		return err
	}

	if want && !hasFollowing && s.followEventsEnabled(actorID) {
		emitAsync(ctx, s.events, models.EngagementEvent{
			Kind:         models.EngagementFollow,
			SourceUserID: actorID,
			TargetUserID: targetID,
		})
	}
	return nil
}

// applyOrdered writes actor.following first and target.followers second.
// Once the first side holds the new state, a failure on the second side is
// journaled for the reconciler and surfaced as a PartialFollowError.
func (s *FollowService) applyOrdered(ctx context.Context, op models.GraphOp, actorID, targetID string, writeFollowing, writeFollowers bool) error {
	if writeFollowing {
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.graph.ApplySide(ctx, op, models.SideFollowing, actorID, targetID)
		}, s.countRetry(models.SideFollowing))
		if err != nil {
			return unavailable(err)
		}
	}
	if !writeFollowers {
		return nil
	}

	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.graph.ApplySide(ctx, op, models.SideFollowers, actorID, targetID)
	}, s.countRetry(models.SideFollowers))
	if err == nil {
		return nil
	}

	partial := &models.PartialFollowError{
		Op:       op,
		ActorID:  actorID,
		TargetID: targetID,
		Applied:  models.SideFollowing,
		Missing:  models.SideFollowers,
		Err:      err,
	}
	partial.RepairID = s.journal(ctx, partial)

	observability.GlobalLogger.WarnContext(ctx, "follow edge left half-written",
		slog.String("op", string(op)),
		slog.String("actor_id", actorID),
		slog.String("target_id", targetID),
		slog.String("repair_id", partial.RepairID),
		slog.String("error", err.Error()),
	)
	return partial
}

// journal records the missing side for the reconciler and returns the task id,
// or "" when no journal is configured or the write failed.
func (s *FollowService) journal(ctx context.Context, partial *models.PartialFollowError) string {
	if s.repairs == nil {
		return ""
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	task := &models.RepairTask{
		ID:          id.String(),
		Op:          partial.Op,
		ActorID:     partial.ActorID,
		TargetID:    partial.TargetID,
		MissingSide: partial.Missing,
		Status:      models.RepairPending,
	}
	// The request may already be cancelled; the journal entry must still land.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := s.repairs.Record(jctx, task); err != nil {
		observability.GlobalLogger.ErrorContext(ctx, "failed to journal repair task",
			slog.String("actor_id", partial.ActorID),
			slog.String("target_id", partial.TargetID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return task.ID
}

func (s *FollowService) countRetry(side models.EdgeSide) func(error) {
	return func(error) {
		observability.GraphRetries.WithLabelValues(string(side)).Inc()
	}
}

func (s *FollowService) followEventsEnabled(actorID string) bool {
	if s.flags == nil {
		return true
	}
	return s.flags.Enabled(featureflags.FollowNotifications, actorID)
}

// IsFollowing reports whether actorID currently follows targetID.
func (s *FollowService) IsFollowing(ctx context.Context, actorID, targetID string) (bool, error) {
	actor, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, actorID)
	})
	if err != nil {
		return false, err
	}
	return actor.IsFollowing(targetID), nil
}

func isPartial(err error) bool {
	return models.IsCode(err, models.CodePartialFollowState)
}
