package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/shellsurface/internal/auth"
	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/observability"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/session"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	adminComponent   = "shell-authority"
	adminVersion     = "0.1.0"
	adminBodyLimit   = 1 << 20
	adminCallTimeout = 2 * time.Second
)

// valueBody is the admin JSON shape for property and signal writes.
type valueBody struct {
	Value any `json:"value"`
}

// AdminRouter builds the operator HTTP surface for this service.
func (s *Service) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(adminComponent))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "PUT", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": adminComponent,
			"version":   adminVersion,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.listening.Load()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     ready,
			"uptime":    time.Since(s.started).String(),
			"component": adminComponent,
			"version":   adminVersion,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections":   s.Connections(),
			"signal_prefix": s.cfg.SignalPrefix,
		})
	})

	r.GET("/surfaces", func(c *gin.Context) {
		ctx, cancel := adminContext(c)
		defer cancel()
		all, err := s.AllSurfaces(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"surfaces": all})
	})

	r.GET("/connections/:conn/surfaces", func(c *gin.Context) {
		ctx, cancel := adminContext(c)
		defer cancel()
		snaps, err := s.Surfaces(ctx, c.Param("conn"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"surfaces": snaps})
	})

	// Writes need the admin token when one is configured.
	w := r.Group("/")
	if s.cfg.AdminToken != "" {
		w.Use(auth.Middleware(auth.StaticToken{Token: s.cfg.AdminToken}))
	}

	w.PUT("/connections/:conn/surfaces/:id/geometry", func(c *gin.Context) {
		id, ok := surfaceParam(c)
		if !ok {
			return
		}
		var rect protocol.Rect
		if err := decodeBody(c, &rect); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := adminContext(c)
		defer cancel()
		if err := s.SetGeometry(ctx, c.Param("conn"), id, rect); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "geometry": rect})
	})

	w.PUT("/connections/:conn/surfaces/:id/properties/:name", func(c *gin.Context) {
		id, ok := surfaceParam(c)
		if !ok {
			return
		}
		v, ok := valueParam(c)
		if !ok {
			return
		}
		ctx, cancel := adminContext(c)
		defer cancel()
		name := c.Param("name")
		if err := s.SetProperty(ctx, c.Param("conn"), id, name, v); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "name": name, "value": v})
	})

	w.POST("/connections/:conn/surfaces/:id/signals/:name", func(c *gin.Context) {
		id, ok := surfaceParam(c)
		if !ok {
			return
		}
		v, ok := valueParam(c)
		if !ok {
			return
		}
		ctx, cancel := adminContext(c)
		defer cancel()
		name := c.Param("name")
		if err := s.SendSignal(ctx, c.Param("conn"), id, name, v); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "signal": name})
	})
}

func adminContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), adminCallTimeout)
}

func surfaceParam(c *gin.Context) (uint32, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid surface id " + strconv.Quote(raw)})
		return 0, false
	}
	return uint32(id), true
}

// valueParam reads {"value": ...}; numbers keep integer precision.
func valueParam(c *gin.Context) (value.Value, bool) {
	var body valueBody
	if err := decodeBody(c, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return value.Value{}, false
	}
	v, err := value.FromAny(body.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return value.Value{}, false
	}
	return v, true
}

func decodeBody(c *gin.Context, out any) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, adminBodyLimit))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownConnection), errors.Is(err, ErrUnknownSurface):
		status = http.StatusNotFound
	case errors.Is(err, mux.ErrReservedName), errors.Is(err, mux.ErrEmptyName), errors.Is(err, value.ErrUnencodable):
		status = http.StatusBadRequest
	case errors.Is(err, ErrSurfaceDestroyed), errors.Is(err, session.ErrLoopStopped):
		status = http.StatusGone
	case errors.Is(err, session.ErrClosed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
