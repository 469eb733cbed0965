package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docdelta/internal/app"
)

// Dependency is an external system the service needs to make progress.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthHandler struct {
	appName   string
	env       string
	startedAt time.Time
	deps      []Dependency
	checker   *app.ConsistencyChecker
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(appName, env string, startedAt time.Time, deps []Dependency, checker *app.ConsistencyChecker) *HealthHandler {
	return &HealthHandler{appName: appName, env: env, startedAt: startedAt, deps: deps, checker: checker}
}

// Check reports dependency reachability only.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	statuses, allOK := h.checkDependencies(ctx)
	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"app":          h.appName,
		"env":          h.env,
		"uptime_sec":   int(time.Since(h.startedAt).Seconds()),
		"dependencies": statuses,
	})
}

// Ready adds the consistency checks to the dependency checks. Structural
// problems make the instance unready but are never repaired here.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	statuses, allOK := h.checkDependencies(ctx)
	report := h.checker.Readiness(ctx)

	statusCode := http.StatusOK
	if !allOK || !report.Ready() {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"status":       readyLabel(allOK && report.Ready()),
		"checks":       report.Checks,
		"dependencies": statuses,
	})
}

func (h *HealthHandler) checkDependencies(ctx context.Context) (map[string]dependencyStatus, bool) {
	statuses := make(map[string]dependencyStatus, len(h.deps))
	allOK := true
	for _, dep := range h.deps {
		if err := dep.Check(ctx); err != nil {
			statuses[dep.Name] = dependencyStatus{OK: false, Message: err.Error()}
			allOK = false
			continue
		}
		statuses[dep.Name] = dependencyStatus{OK: true}
	}
	return statuses, allOK
}

func readyLabel(ok bool) string {
	if ok {
		return app.StatusReady
	}
	return app.StatusNotReady
}
