// Package bootstrap assembles the stores, caches and services a plaza process runs on.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plaza/internal/cache"
	"plaza/internal/config"
	"plaza/internal/database"
	"plaza/internal/docstore"
	"plaza/internal/featureflags"
	"plaza/internal/notifications"
	"plaza/internal/observability"
	"plaza/internal/repository"
	"plaza/internal/service"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Version is reported to the tracer and the health endpoint.
var Version = "dev"

// Options control runtime initialization behavior.
type Options struct {
	// Store replaces the configured document store.
	Store docstore.Store
	// Journal replaces the configured repair journal connection.
	Journal *gorm.DB
	// Redis replaces the client dialed from REDIS_URL.
	Redis *redis.Client
	// SkipRedis runs without Redis even when REDIS_URL is set.
	SkipRedis bool
	// Tracing initializes the OpenTelemetry provider from the config.
	Tracing bool
}

// Services groups every domain service the transports call into.
type Services struct {
	Directory     *service.DirectoryService
	Follow        *service.FollowService
	Reconciler    *service.Reconciler
	Feed          *service.FeedService
	Engagement    *service.EngagementService
	Posts         *service.PostService
	Comments      *service.CommentService
	Notifications *service.NotificationService
	Preferences   *service.PreferencesService
}

// Runtime owns the process-wide dependencies. Close releases them.
type Runtime struct {
	Config   *config.Config
	Store    docstore.Store
	Journal  *gorm.DB
	Redis    *redis.Client
	Flags    *featureflags.Manager
	Hub      *notifications.Hub
	Notifier *notifications.Notifier
	Services

	shutdownTracing func(context.Context) error
}

// InitRuntime connects the document store, the repair journal and Redis,
// then builds every service on top of them. Redis is optional: without it
// pair locks stay in-process and live notifications reach local sockets only.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (rt *Runtime, err error) {
	rt = &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	if opts.Tracing {
		rt.shutdownTracing, err = observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName:    "plaza-api",
			ServiceVersion: Version,
			Environment:    cfg.Env,
			Enabled:        cfg.TracingEnabled,
			Exporter:       cfg.TracingExporter,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SamplerRatio:   cfg.TracingSamplerRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
	}

	store := opts.Store
	if store == nil {
		if store, err = openStore(ctx, cfg); err != nil {
			return nil, fmt.Errorf("document store connection failed: %w", err)
		}
	}
	rt.Store = docstore.Instrument(store, cfg.StoreTimeout())

	rt.Journal = opts.Journal
	if rt.Journal == nil {
		if rt.Journal, err = database.Connect(cfg); err != nil {
			return nil, fmt.Errorf("repair journal connection failed: %w", err)
		}
	}

	switch {
	case opts.Redis != nil:
		rt.Redis = opts.Redis
		cache.SetClient(opts.Redis)
	case !opts.SkipRedis:
		rt.Redis = cache.InitRedis(cfg.RedisURL)
	}

	rt.Flags = featureflags.NewManager(cfg.FeatureFlags)
	rt.Hub = notifications.NewHub(rt.Redis)
	rt.Notifier = notifications.NewNotifier(rt.Redis)
	rt.Services = buildServices(cfg, rt)

	directory := rt.Directory
	rt.Hub.SetPresenceCallbacks(nil, func(userID string) {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout())
		defer cancel()
		if err := directory.TouchLastSeen(tctx, userID); err != nil {
			observability.GlobalLogger.Warn("failed to record last seen",
				slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	})

	observability.GlobalLogger.InfoContext(ctx, "runtime initialized",
		slog.String("store", cfg.StoreBackend),
		slog.String("journal", cfg.JournalDriver),
		slog.Bool("redis", rt.Redis != nil),
		slog.Bool("transactional", isTransactional(rt.Store)),
	)
	return rt, nil
}

func buildServices(cfg *config.Config, rt *Runtime) Services {
	retry := RetryPolicy(cfg)
	lock := cache.NewPairLock(rt.Redis, "lock:pair:", cfg.PairLockTTL())

	users := repository.NewUserRepository(rt.Store)
	graph := repository.NewGraphRepository(rt.Store)
	posts := repository.NewPostRepository(rt.Store)
	repairs := repository.NewRepairRepository(rt.Journal)

	var publisher service.Publisher = rt.Hub
	if rt.Redis != nil {
		publisher = rt.Notifier
	}
	notify := service.NewNotificationService(
		users,
		repository.NewNotificationRepository(rt.Store),
		repository.NewPreferencesRepository(rt.Store),
		publisher,
		retry,
	)

	return Services{
		Directory:     service.NewDirectoryService(users, retry),
		Follow:        service.NewFollowService(users, graph, repairs, lock, notify, rt.Flags, retry),
		Reconciler:    service.NewReconciler(users, graph, repairs, lock, retry),
		Feed:          service.NewFeedService(users, posts, retry),
		Engagement:    service.NewEngagementService(users, posts, lock, notify, rt.Flags, retry),
		Posts:         service.NewPostService(users, posts, retry),
		Comments:      service.NewCommentService(posts, repository.NewCommentRepository(rt.Store), notify, retry),
		Notifications: notify,
		Preferences:   service.NewPreferencesService(repository.NewPreferencesRepository(rt.Store), retry),
	}
}

// RetryPolicy converts the FOLLOW_RETRY_* settings.
func RetryPolicy(cfg *config.Config) service.RetryPolicy {
	return service.RetryPolicy{
		Attempts: uint(cfg.FollowRetryAttempts),
		Initial:  time.Duration(cfg.FollowRetryInitialMS) * time.Millisecond,
		Max:      time.Duration(cfg.FollowRetryMaxMS) * time.Millisecond,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		observability.GlobalLogger.Warn("using the in-memory document store; data is lost on restart")
		return docstore.NewMemoryStore(docstore.WithMaxInFilter(cfg.StoreMaxInFilter)), nil
	case "mongo":
		store, err := docstore.NewMongoStore(ctx, docstore.MongoConfig{
			URI:         cfg.MongoURI,
			Database:    cfg.MongoDatabase,
			MaxInFilter: cfg.StoreMaxInFilter,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx, Indexes()); err != nil {
			_ = store.Close(context.Background())
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Indexes lists the secondary indexes the repositories' queries rely on.
func Indexes() []docstore.Index {
	newest := []docstore.Order{docstore.OrderDesc("createdAt"), docstore.OrderAsc(docstore.DocumentID)}
	return []docstore.Index{
		{Collection: repository.UsersCollection, Keys: []docstore.Order{docstore.OrderAsc("handleKey")}},
		{Collection: repository.UsersCollection, Keys: []docstore.Order{docstore.OrderAsc("searchName"), docstore.OrderAsc(docstore.DocumentID)}},
		{Collection: repository.PostsCollection, Keys: append([]docstore.Order{docstore.OrderAsc("authorId")}, newest...)},
		{Collection: repository.PostsCollection, Keys: newest},
		{Collection: repository.CommentsCollection, Keys: append([]docstore.Order{docstore.OrderAsc("postId")}, newest...)},
		{Collection: repository.NotificationsCollection, Keys: append([]docstore.Order{docstore.OrderAsc("receiverId")}, newest...)},
		{Collection: repository.NotificationsCollection, Keys: []docstore.Order{docstore.OrderAsc("receiverId"), docstore.OrderAsc("read")}},
	}
}

func isTransactional(s docstore.Store) bool {
	_, ok := docstore.AsTransactor(s)
	return ok
}

// StartRealtime forwards Redis pub/sub notifications to this instance's
// sockets. Without Redis the hub is fed directly and there is nothing to start.
func (r *Runtime) StartRealtime(ctx context.Context) error {
	if r.Redis == nil {
		return nil
	}
	return r.Hub.StartWiring(ctx, r.Notifier)
}

// Close shuts down the hub and closes every connection the runtime opened.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Hub != nil {
		errs = append(errs, r.Hub.Shutdown(ctx))
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close(ctx))
	}
	if r.Journal != nil {
		errs = append(errs, database.Close(r.Journal))
	}
	if r.Redis != nil {
		errs = append(errs, r.Redis.Close())
	}
	if r.shutdownTracing != nil {
		errs = append(errs, r.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
