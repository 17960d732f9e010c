package service

import (
	"context"
	"fmt"
	"log/slog"

	"plaza/internal/cache"
	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

const (
	sweepPageSize     = 200
	journalBatchSize  = 500
	maxRepairAttempts = 5
)

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	TasksDone        int `json:"tasks_done"`
	TasksFailed      int `json:"tasks_failed"`
	UsersScanned     int `json:"users_scanned"`
	EdgesRepaired    int `json:"edges_repaired"`
	SelfEdgesRemoved int `json:"self_edges_removed"`
	Unrepaired       int `json:"unrepaired"`
	// UsersUnreadable counts quarantined user documents the sweep stepped over.
	UsersUnreadable  int `json:"users_unreadable"`
}

// Clean reports whether the run left nothing behind. Unreadable users count
// against it since their edges could not be checked.
func (r *ReconcileReport) Clean() bool {
	return r.TasksFailed == 0 && r.Unrepaired == 0 && r.UsersUnreadable == 0
}

// Reconciler restores follower/following symmetry. actor.following is
// authoritative: the ordered write protocol always lands it first, so a
// missing target.followers entry is added and a stray one is removed.
type Reconciler struct {
	users   repository.UserRepository
	graph   repository.GraphRepository
	repairs repository.RepairRepository
	lock    *cache.PairLock
	retry   RetryPolicy
}

// NewReconciler returns a new Reconciler. repairs and lock may be nil.
func NewReconciler(users repository.UserRepository, graph repository.GraphRepository, repairs repository.RepairRepository, lock *cache.PairLock, retry RetryPolicy) *Reconciler {
	return &Reconciler{users: users, graph: graph, repairs: repairs, lock: lock, retry: retry}
}

// Run drains the repair journal and then sweeps every user.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	span, ctx := observability.StartServiceSpan(ctx, "reconciler", "Run")
	defer span.End()

	report := &ReconcileReport{}
	if err := r.drainJournal(ctx, report); err != nil {
		span.SetError(err)
		return report, err
	}
	if err := r.sweep(ctx, report); err != nil {
		span.SetError(err)
		return report, err
	}

	span.AddAttributes(
		attribute.Int("reconcile.users", report.UsersScanned),
		attribute.Int("reconcile.repaired", report.EdgesRepaired),
		attribute.Int("reconcile.unrepaired", report.Unrepaired),
	)
	observability.GlobalLogger.InfoContext(ctx, "reconciliation finished",
		slog.Int("tasks_done", report.TasksDone),
		slog.Int("tasks_failed", report.TasksFailed),
		slog.Int("users_scanned", report.UsersScanned),
		slog.Int("edges_repaired", report.EdgesRepaired),
		slog.Int("self_edges_removed", report.SelfEdgesRemoved),
		slog.Int("unrepaired", report.Unrepaired),
		slog.Int("users_unreadable", report.UsersUnreadable),
	)
	return report, nil
}

func (r *Reconciler) drainJournal(ctx context.Context, report *ReconcileReport) error {
	if r.repairs == nil {
		return nil
	}
	tasks, err := r.repairs.ListPending(ctx, journalBatchSize)
	if err != nil {
		return fmt.Errorf("list repair tasks: %w", err)
	}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.repairPair(ctx, task.ActorID, task.TargetID)
		report.EdgesRepaired += n
		if err != nil {
			report.TasksFailed++
			if markErr := r.repairs.MarkAttemptFailed(ctx, task.ID, err, maxRepairAttempts); markErr != nil {
				return fmt.Errorf("mark repair task %s failed: %w", task.ID, markErr)
			}
			continue
		}
		if err := r.repairs.MarkDone(ctx, task.ID); err != nil {
			return fmt.Errorf("mark repair task %s done: %w", task.ID, err)
		}
		report.TasksDone++
	}
	return nil
}

func (r *Reconciler) sweep(ctx context.Context, report *ReconcileReport) error {
	afterID := ""
	for {
		listing, err := retryValue(ctx, r.retry, func(ctx context.Context) (repository.Listing[models.User, string], error) {
			return r.users.ListPage(ctx, afterID, sweepPageSize)
		})
		if err != nil {
			return fmt.Errorf("list users after %q: %w", afterID, err)
		}
		report.UsersUnreadable += listing.Skipped()
		if len(listing.Items) > 0 {
			if err := r.checkPage(ctx, listing.Items, report); err != nil {
				return err
			}
		}
		if !listing.More(sweepPageSize) {
			return nil
		}
		afterID = *listing.Last
	}
}

type edge struct{ actor, target string }

// checkPage finds asymmetric edges touching the users in page, using one
// batched read of every neighbour, then repairs each under its pair lock.
func (r *Reconciler) checkPage(ctx context.Context, page []models.User, report *ReconcileReport) error {
	var neighbourIDs []string
	seen := map[string]bool{}
	for i := range page {
		for _, id := range append(append([]string{}, page[i].Following...), page[i].Followers...) {
			if !seen[id] {
				seen[id] = true
				neighbourIDs = append(neighbourIDs, id)
			}
		}
	}
	neighbours, err := retryValue(ctx, r.retry, func(ctx context.Context) ([]models.User, error) {
		return r.users.GetMany(ctx, neighbourIDs)
	})
	if err != nil {
		return fmt.Errorf("load neighbours: %w", err)
	}
	byID := make(map[string]*models.User, len(neighbours))
	for i := range neighbours {
		byID[neighbours[i].ID] = &neighbours[i]
	}

	var suspects []edge
	queued := map[edge]bool{}
	queue := func(e edge) {
		if !queued[e] {
			queued[e] = true
			suspects = append(suspects, e)
		}
	}

	for i := range page {
		u := &page[i]
		report.UsersScanned++

		if u.IsFollowing(u.ID) || u.IsFollowedBy(u.ID) {
			n, err := r.removeSelfEdges(ctx, u)
			report.SelfEdgesRemoved += n
			if err != nil {
				report.Unrepaired++
				observability.GlobalLogger.WarnContext(ctx, "failed to remove self edge",
					slog.String("user_id", u.ID), slog.String("error", err.Error()))
			}
		}

		for _, id := range u.Following {
			if id == u.ID {
				continue
			}
			if t, ok := byID[id]; !ok || !t.IsFollowedBy(u.ID) {
				queue(edge{actor: u.ID, target: id})
			}
		}
		for _, id := range u.Followers {
			if id == u.ID {
				continue
			}
			if a, ok := byID[id]; !ok || !a.IsFollowing(u.ID) {
				queue(edge{actor: id, target: u.ID})
			}
		}
	}

	for _, e := range suspects {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.repairPair(ctx, e.actor, e.target)
		report.EdgesRepaired += n
		if err != nil {
			report.Unrepaired++
			observability.GlobalLogger.WarnContext(ctx, "failed to repair follow edge",
				slog.String("actor_id", e.actor),
				slog.String("target_id", e.target),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (r *Reconciler) removeSelfEdges(ctx context.Context, u *models.User) (int, error) {
	removed := 0
	for _, side := range []models.EdgeSide{models.SideFollowing, models.SideFollowers} {
		present := u.IsFollowing(u.ID)
		if side == models.SideFollowers {
			present = u.IsFollowedBy(u.ID)
		}
		if !present {
			continue
		}
		err := r.retry.Do(ctx, func(ctx context.Context) error {
			return r.graph.ApplySide(ctx, models.GraphOpUnfollow, side, u.ID, u.ID)
		}, nil)
		if err != nil {
			return removed, unavailable(err)
		}
		removed++
	}
	return removed, nil
}

// repairPair re-reads both endpoints under the pair lock and makes
// target.followers agree with actor.following. Edges pointing at users that
// no longer exist are dropped. It returns the number of writes made.
func (r *Reconciler) repairPair(ctx context.Context, actorID, targetID string) (int, error) {
	if actorID == targetID {
		return 0, nil
	}
	if r.lock != nil {
		release, err := r.lock.Acquire(ctx, actorID, targetID)
		if err != nil {
			return 0, models.NewUnavailableError(err)
		}
		defer release()
	}

	actor, actorErr := retryValue(ctx, r.retry, func(ctx context.Context) (*models.User, error) {
		return r.users.GetFresh(ctx, actorID)
	})
	target, targetErr := retryValue(ctx, r.retry, func(ctx context.Context) (*models.User, error) {
		return r.users.GetFresh(ctx, targetID)
	})
	actorGone := models.IsCode(actorErr, models.CodeNotFound)
	targetGone := models.IsCode(targetErr, models.CodeNotFound)
	if actorErr != nil && !actorGone {
		return 0, actorErr
	}
	if targetErr != nil && !targetGone {
		return 0, targetErr
	}

	var writes []models.EdgeSide
	op := models.GraphOpUnfollow
	switch {
	case actorGone && targetGone:
		return 0, nil
	case actorGone:
		if target.IsFollowedBy(actorID) {
			writes = append(writes, models.SideFollowers)
		}
	case targetGone:
		if actor.IsFollowing(targetID) {
			writes = append(writes, models.SideFollowing)
		}
	default:
		want := actor.IsFollowing(targetID)
		if want == target.IsFollowedBy(actorID) {
			return 0, nil
		}
		if want {
			op = models.GraphOpFollow
		}
		writes = append(writes, models.SideFollowers)
	}

	done := 0
	for _, side := range writes {
		err := r.retry.Do(ctx, func(ctx context.Context) error {
			return r.graph.ApplySide(ctx, op, side, actorID, targetID)
		}, nil)
		if err != nil {
			observability.GraphOperations.WithLabelValues("repair", "error").Inc()
			return done, unavailable(err)
		}
		done++
		observability.GraphOperations.WithLabelValues("repair", "applied").Inc()
	}
	return done, nil
}
