// Package gateway exposes a CAN network to HTTP and gRPC clients. Every
// request is relayed to the network through a Backend.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/can-dht/canpeer/pkg/client"
	"github.com/can-dht/canpeer/pkg/wire"
)

// Backend performs requests against the network. *client.Client implements it.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	State(ctx context.Context) (*wire.StateReport, error)
}

var _ Backend = (*client.Client)(nil)

type putRequest struct {
	Value *string `json:"value" binding:"required"`
}

type httpGateway struct {
	backend Backend
	logger  logrus.FieldLogger
}

// NewHTTPHandler builds the HTTP API served on top of backend
func NewHTTPHandler(backend Backend, logger logrus.FieldLogger) *gin.Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := &httpGateway{backend: backend, logger: logger.WithField("gateway", "http")}

	r := gin.New()
	r.Use(gin.Recovery(), g.logRequests())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", g.health)
	v1 := r.Group("/v1")
	{
		v1.GET("/keys/:key", g.getKey)
		v1.PUT("/keys/:key", g.putKey)
		v1.GET("/state", g.state)
	}
	return r
}

func (g *httpGateway) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

func (g *httpGateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *httpGateway) getKey(c *gin.Context) {
	key := c.Param("key")
	value, err := g.backend.Get(c.Request.Context(), key)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (g *httpGateway) putKey(c *gin.Context) {
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object with a value"})
		return
	}
	key := c.Param("key")
	if err := g.backend.Put(c.Request.Context(), key, *req.Value); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "status": wire.TextStored})
}

func (g *httpGateway) state(c *gin.Context) {
	report, err := g.backend.State(c.Request.Context())
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (g *httpGateway) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.WithError(err).WithField("path", c.Request.URL.Path).Warn("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, client.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, client.ErrNoRoute):
		return http.StatusBadGateway
	case errors.Is(err, client.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrRejected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
