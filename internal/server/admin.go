package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/balancer"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// Admin exposes the management API for the backend pool and the active
// strategy. The engine is nil when load balancing is not engaged; strategy
// operations then report a conflict instead of mutating nothing.
type Admin struct {
	registry *backend.Registry
	engine   *balancer.Engine
	breakers *dispatch.BreakerPool
	logger   observability.Logger
}

// AdminOption is a functional option for configuring the admin API.
type AdminOption func(*Admin)

// WithAdminLogger sets the logger for the admin API.
func WithAdminLogger(logger observability.Logger) AdminOption {
	return func(a *Admin) {
		a.logger = logger
	}
}

// WithAdminEngine attaches the dispatch engine for strategy management.
func WithAdminEngine(engine *balancer.Engine) AdminOption {
	return func(a *Admin) {
		a.engine = engine
	}
}

// WithAdminBreakers attaches the breaker pool so removed backends do not
// leak breaker state.
func WithAdminBreakers(pool *dispatch.BreakerPool) AdminOption {
	return func(a *Admin) {
		a.breakers = pool
	}
}

// NewAdmin creates the admin API over the registry.
func NewAdmin(registry *backend.Registry, opts ...AdminOption) *Admin {
	a := &Admin{
		registry: registry,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register mounts the management routes on the given router group.
func (a *Admin) Register(group *gin.RouterGroup) {
	lb := group.Group("/loadbalancer")
	lb.GET("/status", a.status)
	lb.GET("/strategy", a.getStrategy)
	lb.PUT("/strategy", a.putStrategy)
	lb.GET("/backends", a.listBackends)
	lb.POST("/backends", a.addBackend)
	lb.GET("/backends/:name", a.getBackend)
	lb.PATCH("/backends/:name", a.updateBackend)
	lb.DELETE("/backends/:name", a.removeBackend)
	lb.POST("/backends/:name/enable", a.enableBackend)
	lb.POST("/backends/:name/disable", a.disableBackend)
}

func (a *Admin) status(c *gin.Context) {
	views := a.registry.Snapshot()
	healthy := 0
	selectable := 0
	for _, v := range views {
		if v.Healthy {
			healthy++
		}
		if v.Selectable {
			selectable++
		}
	}

	resp := gin.H{
		"engaged":    a.engine != nil,
		"poolSize":   len(views),
		"healthy":    healthy,
		"selectable": selectable,
		"backends":   views,
	}
	if a.engine != nil {
		resp["strategy"] = a.engine.StrategyName()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *Admin) getStrategy(c *gin.Context) {
	if a.engine == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "load balancing not engaged"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": a.engine.StrategyName()})
}

type strategyRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

func (a *Admin) putStrategy(c *gin.Context) {
	if a.engine == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "load balancing not engaged"})
		return
	}

	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.engine.SetStrategy(req.Strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": req.Strategy})
}

func (a *Admin) listBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": a.registry.Snapshot()})
}

func (a *Admin) getBackend(c *gin.Context) {
	b, err := a.registry.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b.View())
}

func (a *Admin) addBackend(c *gin.Context) {
	var cfg config.Backend
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := a.registry.Add(cfg)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, backend.ErrDuplicateBackend) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	a.logger.Info("backend added via admin API",
		observability.String("backend", b.Name()),
	)
	c.JSON(http.StatusCreated, b.View())
}

func (a *Admin) updateBackend(c *gin.Context) {
	var patch backend.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := a.registry.Update(c.Param("name"), patch)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, backend.ErrBackendNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b.View())
}

func (a *Admin) removeBackend(c *gin.Context) {
	name := c.Param("name")
	if err := a.registry.Remove(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if a.breakers != nil {
		a.breakers.Forget(name)
	}

	a.logger.Info("backend removed via admin API",
		observability.String("backend", name),
	)
	c.Status(http.StatusNoContent)
}

func (a *Admin) enableBackend(c *gin.Context) {
	if err := a.registry.Enable(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (a *Admin) disableBackend(c *gin.Context) {
	if err := a.registry.Disable(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}
