// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heyronith/kurral-sub012/infrastructure/middleware"
	"github.com/heyronith/kurral-sub012/infrastructure/ratelimit"
	"github.com/heyronith/kurral-sub012/infrastructure/store"
	"github.com/heyronith/kurral-sub012/internal/application"
	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Processor runs one item through the pipeline.
type Processor interface {
	Process(ctx context.Context, item domain.ContentItem, quoted *domain.ContentItem, opts domain.PipelineOptions) (domain.PipelineResult, error)
}

// InsightsReader reads back persisted insights.
type InsightsReader interface {
	Get(ctx context.Context, contentID string) (store.Record, error)
}

// Config holds the collaborators of the HTTP server.
type Config struct {
	Processor Processor
	Insights  InsightsReader
	// Verifier authenticates /v1 requests.
	Verifier ports.IdentityVerifier
	// RateLimiter and Rule throttle /v1 requests; a disabled rule or nil
	// store turns limiting off.
	RateLimiter ports.RateLimitStore
	Rule        ratelimit.Rule
	// DefaultOptions apply when a request carries no options.
	DefaultOptions domain.PipelineOptions
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// ProcessRequest is the body of POST /v1/content/process.
type ProcessRequest struct {
	Item    domain.ContentItem      `json:"item"`
	Quoted  *domain.ContentItem     `json:"quoted,omitempty"`
	Options *domain.PipelineOptions `json:"options,omitempty"`
}

var validate = validator.New()

// NewServer builds the echo instance with every route registered.
func NewServer(cfg Config) (*echo.Echo, error) {
	if cfg.Processor == nil {
		return nil, errors.New("api: processor is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("api: identity verifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(cfg.Logger)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	h := &handlers{cfg: cfg}
	v1 := e.Group("/v1", middleware.EchoAuth(cfg.Verifier))
	if cfg.RateLimiter != nil && cfg.Rule.Enabled() {
		v1.Use(middleware.EchoRateLimit(cfg.RateLimiter, cfg.Rule, cfg.Logger))
	}
	v1.POST("/content/process", h.process)
	if cfg.Insights != nil {
		v1.GET("/content/:id/insights", h.insights)
	}
	return e, nil
}

type handlers struct {
	cfg Config
}

// process runs the pipeline synchronously. A failed run is still a 200:
// the failure is part of the returned result.
func (h *handlers) process(c echo.Context) error {
	var req ProcessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	opts := h.cfg.DefaultOptions
	if req.Options != nil {
		opts = *req.Options
	}

	result, err := h.cfg.Processor.Process(c.Request().Context(), req.Item, req.Quoted, opts)
	if errors.Is(err, application.ErrInvalidContent) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) insights(c echo.Context) error {
	rec, err := h.cfg.Insights.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no insights for content")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// errorHandler renders every error as {"error": msg} and logs it.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}

		req := c.Request()
		level := slog.LevelWarn
		if code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(req.Context(), level, "http request failed",
			"status", code,
			"method", req.Method,
			"path", req.URL.Path,
			"remote", c.RealIP(),
			"error", err,
		)

		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
