// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"plaza/internal/bootstrap"
	"plaza/internal/config"
	"plaza/internal/featureflags"
	"plaza/internal/middleware"
	"plaza/internal/models"
	"plaza/internal/observability"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// Per-caller budgets for the write-heavy and enumerable routes.
var (
	searchLimit  = middleware.Limit{Name: "user_search", Requests: 30, Window: time.Minute}
	handleLimit  = middleware.Limit{Name: "register_handle", Requests: 5, Window: time.Hour}
	followLimit  = middleware.Limit{Name: "follow", Requests: 60, Window: time.Minute}
	postLimit    = middleware.Limit{Name: "create_post", Requests: 10, Window: time.Minute}
	commentLimit = middleware.Limit{Name: "create_comment", Requests: 20, Window: time.Minute}
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	rt             *bootstrap.Runtime
	svc            bootstrap.Services
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
}

// NewServer creates a server on top of an initialized runtime. The runtime
// stays owned by the caller.
func NewServer(cfg *config.Config, rt *bootstrap.Runtime) *Server {
	middleware.InitMiddleware(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:         cfg,
		rt:             rt,
		svc:            rt.Services,
		promMiddleware: middleware.InitMetrics("plaza-api"),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
	}
}

// App builds the fiber application with middleware and routes.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName: "Plaza API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return models.RespondWithError(c, fe.Code, errors.New(fe.Message))
			}
			observability.GlobalLogger.ErrorContext(c.UserContext(), "unhandled error",
				slog.String("path", c.Path()), slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.TracingMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "*"
	}
	// CORS runs before the limiter so rejected requests still carry CORS headers.
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || s.config.Env == "test"
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				errors.New("Too many requests, please try again later."))
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	rdb := s.rt.Redis

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")

	// Public reads
	api.Get("/feed/for-you", s.GetForYouFeed)
	api.Get("/posts/:id/comments", s.GetComments)
	api.Get("/posts/:id", s.GetPost)

	publicUsers := api.Group("/users")
	publicUsers.Get("/search", searchLimit.Handler(rdb), s.SearchUsers)
	publicUsers.Get("/handle/:handle/available", s.CheckHandleAvailable)
	publicUsers.Get("/handle/:handle", s.GetUserByHandle)

	// Protected routes. /users/me must be registered before the public /users/:id.
	me := api.Group("/users/me", middleware.AuthRequired)
	me.Post("/", s.EnsureMyProfile)
	me.Get("/", s.GetMyProfile)
	me.Patch("/", s.UpdateMyProfile)
	me.Put("/handle", handleLimit.Handler(rdb), s.RegisterMyHandle)

	publicUsers.Get("/:id/followers", s.GetFollowers)
	publicUsers.Get("/:id/following", s.GetFollowing)
	publicUsers.Get("/:id/posts", s.GetUserPosts)
	publicUsers.Post("/:id/follow", middleware.AuthRequired,
		followLimit.Handler(rdb), s.FollowUser)
	publicUsers.Delete("/:id/follow", middleware.AuthRequired, s.UnfollowUser)
	publicUsers.Get("/:id", s.GetUserProfile)

	// Websockets take the token from the query string, so they are registered
	// ahead of the Bearer-only group below.
	ws := api.Group("/ws", middleware.WebSocketAuthRequired, s.requireUpgrade)
	ws.Get("/", s.NotificationsSocket())
	ws.Get("/feed", s.requireFlag(featureflags.LiveFeed), s.FeedSocket())

	protected := api.Group("", middleware.AuthRequired)

	feed := protected.Group("/feed")
	feed.Get("/following", s.GetFollowingFeed)
	feed.Get("/favorites", s.GetFavoritesFeed)

	posts := protected.Group("/posts")
	posts.Post("/", postLimit.Handler(rdb), s.CreatePost)
	posts.Post("/:id/like", s.LikePost)
	posts.Delete("/:id/like", s.UnlikePost)
	posts.Post("/:id/repost", s.RepostPost)
	posts.Delete("/:id/repost", s.UnrepostPost)
	posts.Post("/:id/favorite", s.FavoritePost)
	posts.Delete("/:id/favorite", s.UnfavoritePost)
	posts.Post("/:id/comments", commentLimit.Handler(rdb), s.CreateComment)
	posts.Delete("/:id", s.DeletePost)

	notifs := protected.Group("/notifications")
	notifs.Get("/", s.GetNotifications)
	notifs.Get("/unread-count", s.GetUnreadCount)
	notifs.Post("/read-all", s.MarkAllNotificationsRead)
	notifs.Post("/:id/read", s.MarkNotificationRead)

	prefs := protected.Group("/preferences")
	prefs.Get("/", s.GetPreferences)
	prefs.Patch("/", s.UpdatePreferences)
	prefs.Delete("/", s.ResetPreferences)
	prefs.Post("/consent", s.SetConsent)
	prefs.Post("/visits", s.RecordProfileVisit)
	prefs.Post("/searches", s.RecordSearch)
	prefs.Post("/session", s.TrackSession)

	admin := protected.Group("/admin", middleware.AdminRequired(s.roleOf))
	admin.Get("/flags", s.GetFeatureFlags)
	admin.Post("/reconcile", s.TriggerReconcile)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck pings the document store, the repair journal and Redis.
// Redis is optional, so its absence does not fail readiness.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	storeStatus := "healthy"
	if _, err := s.rt.Store.Query(ctx, storePing); err != nil {
		storeStatus = "unhealthy"
	}

	journalStatus := "healthy"
	if sqlDB, err := s.rt.Journal.DB(); err != nil {
		journalStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		journalStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.rt.Redis != nil {
		redisStatus = "healthy"
		if err := s.rt.Redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if storeStatus != "healthy" || journalStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"version": bootstrap.Version,
		"status":  overall,
		"checks": fiber.Map{
			"store":   storeStatus,
			"journal": journalStatus,
			"redis":   redisStatus,
		},
		"time": time.Now(),
	})
}

// Start starts the server
func (s *Server) Start() error {
	app := s.App()

	if err := s.rt.StartRealtime(s.shutdownCtx); err != nil {
		observability.GlobalLogger.Error("failed to start notification wiring", slog.String("error", err.Error()))
	}

	observability.GlobalLogger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting requests and ends background wiring. Closing the
// runtime is left to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()
	if s.app == nil {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}
