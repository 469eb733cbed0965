package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	appsvc "docdelta/internal/app"
	"docdelta/internal/bootstrap"
	"docdelta/internal/metrics"
	"docdelta/internal/pkg/jwtutil"
	rabbitmqClient "docdelta/internal/platform/rabbitmq"
	"docdelta/internal/transport/http/handler"
	"docdelta/internal/transport/http/middleware"
)

// Services is everything the router needs, separated from bootstrap so the
// routes can be exercised without live infrastructure.
type Services struct {
	AppName        string
	Env            string
	GinMode        string
	JWTSecret      string
	MaxUploadBytes int64
	StartedAt      time.Time

	Ingest       *appsvc.IngestService
	Versions     *appsvc.VersionService
	Replay       *appsvc.ReplayService
	Recovery     *appsvc.RecoveryService
	Consistency  *appsvc.ConsistencyChecker
	Metrics      *metrics.Metrics
	Dependencies []handler.Dependency
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	return NewEngine(Services{
		AppName:        app.Config.App.Name,
		Env:            app.Config.App.Env,
		GinMode:        app.Config.App.GinMode,
		JWTSecret:      app.Config.Auth.JWTSecret,
		MaxUploadBytes: app.Config.App.MaxUploadBytes,
		StartedAt:      app.StartedAt,
		Ingest:         app.Ingest,
		Versions:       app.Versions,
		Replay:         app.Replay,
		Recovery:       app.Recovery,
		Consistency:    app.Consistency,
		Metrics:        app.Metrics,
		Dependencies:   dependencies(app),
	})
}

func NewEngine(s Services) *gin.Engine {
	if s.GinMode != "" {
		gin.SetMode(s.GinMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(s.AppName, s.Env, s.StartedAt, s.Dependencies, s.Consistency)
	router.GET("/healthz", healthHandler.Check)
	router.GET("/readyz", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	documentHandler := handler.NewDocumentHandler(s.Ingest, s.MaxUploadBytes)
	versionHandler := handler.NewVersionHandler(s.Versions, s.Replay)
	opsHandler := handler.NewOpsHandler(s.Recovery)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthJWT(s.JWTSecret))
	v1.POST("/documents/versions", documentHandler.CreateVersion)
	v1.POST("/documents/upload", documentHandler.Upload)
	v1.GET("/versions/:id/status", versionHandler.Status)
	v1.POST("/versions/:id/replay", versionHandler.Replay)

	internal := router.Group("/internal")
	internal.Use(middleware.AuthJWT(s.JWTSecret), middleware.RequireScope(jwtutil.ScopeOps))
	internal.POST("/recovery/sweep", opsHandler.RecoverySweep)
	internal.POST("/jobs/sweep", opsHandler.JobSweep)

	return router
}

func dependencies(app *bootstrap.App) []handler.Dependency {
	deps := []handler.Dependency{
		{Name: "mysql", Check: app.Store.Ping},
	}
	if app.Redis != nil {
		deps = append(deps, handler.Dependency{Name: "redis", Check: func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		}})
	}
	if app.MQConn != nil {
		deps = append(deps, handler.Dependency{Name: "rabbitmq", Check: func(context.Context) error {
			return rabbitmqClient.Ping(app.MQConn)
		}})
	}
	return deps
}
