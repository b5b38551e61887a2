package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// statusClientClosedRequest is the nginx convention for a client that went
// away mid-request.
const statusClientClosedRequest = 499

// DataPlane proxies OpenAI-compatible inference endpoints through the
// invoker.
type DataPlane struct {
	invoker Invoker
	logger  observability.Logger
}

// NewDataPlane creates the data plane handler.
func NewDataPlane(invoker Invoker, logger observability.Logger) *DataPlane {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DataPlane{invoker: invoker, logger: logger}
}

// Register mounts the inference routes.
func (p *DataPlane) Register(engine *gin.Engine) {
	v1 := engine.Group("/v1")
	v1.POST("/chat/completions", p.proxy)
	v1.POST("/completions", p.proxy)
	v1.POST("/embeddings", p.proxy)
}

func (p *DataPlane) proxy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading request body: " + err.Error()})
		return
	}

	req := &dispatch.Request{
		Path:   c.Request.URL.Path,
		Body:   body,
		Header: c.Request.Header,
	}
	key := c.GetHeader(HeaderRoutingKey)

	resp, err := p.invoker.Invoke(c.Request.Context(), req, key)
	if err != nil {
		p.writeError(c, err)
		return
	}

	for k, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	if resp.Backend != "" {
		c.Writer.Header().Set("X-Backend", resp.Backend)
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func (p *DataPlane) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		c.Status(statusClientClosedRequest)
	case errors.Is(err, dispatch.ErrNoBackendAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend available"})
	case errors.Is(err, dispatch.ErrSlotUnavailable):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "backend at capacity"})
	case errors.Is(err, dispatch.ErrBackendTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backend timed out"})
	case errors.Is(err, dispatch.ErrAllBackendsExhausted):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}

	p.logger.WithContext(c.Request.Context()).Warn("request failed",
		observability.String("path", c.Request.URL.Path),
		observability.Error(err),
	)
}
