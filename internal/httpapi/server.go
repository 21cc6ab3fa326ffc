package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/embedding"
	"horse.fit/clearoid/internal/jobs"
	"horse.fit/clearoid/internal/metrics"
	"horse.fit/clearoid/internal/storage"
)

const (
	defaultUploadMaxBytes = 10 << 20
	maxJSONBodyBytes      = 8 << 20
)

type Options struct {
	Addr               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	SessionCookie      string
	SessionSecure      bool
	SessionTTL         time.Duration
	AuthRequired       bool
	UploadMaxBytes     int64
	CORSAllowedOrigins []string
	MetricsEnabled     bool
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators a Server routes requests to. Only
// Engine is mandatory; a nil Queue processes batches inline.
type Dependencies struct {
	Engine    *dedup.Engine
	Queue     jobs.Queue
	Archive   storage.Archive
	AuthStore AuthStore
	Pinger    Pinger
	Metrics   *metrics.Metrics
}

type Server struct {
	engine    *dedup.Engine
	queue     jobs.Queue
	archive   storage.Archive
	authStore AuthStore
	pinger    Pinger
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	opts      Options
}

func NewServer(deps Dependencies, logger zerolog.Logger, opts Options) *Server {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = ":8080"
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	sessionCookie := strings.TrimSpace(opts.SessionCookie)
	if sessionCookie == "" {
		sessionCookie = "clearoid_session"
	}
	sessionTTL := opts.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 7 * 24 * time.Hour
	}
	uploadMax := opts.UploadMaxBytes
	if uploadMax <= 0 {
		uploadMax = defaultUploadMaxBytes
	}

	archive := deps.Archive
	if archive == nil {
		archive = storage.NopArchive{}
	}

	return &Server{
		engine:    deps.Engine,
		queue:     deps.Queue,
		archive:   archive,
		authStore: deps.AuthStore,
		pinger:    deps.Pinger,
		metrics:   deps.Metrics,
		logger:    logger,
		opts: Options{
			Addr:               addr,
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    shutdownTimeout,
			SessionCookie:      sessionCookie,
			SessionSecure:      opts.SessionSecure,
			SessionTTL:         sessionTTL,
			AuthRequired:       opts.AuthRequired,
			UploadMaxBytes:     uploadMax,
			CORSAllowedOrigins: opts.CORSAllowedOrigins,
			MetricsEnabled:     opts.MetricsEnabled,
		},
	}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() (*echo.Echo, error) {
	if s == nil || s.engine == nil {
		return nil, fmt.Errorf("server is not initialized")
	}
	if s.opts.AuthRequired && s.authStore == nil {
		return nil, fmt.Errorf("auth is required but no auth store is configured")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(s.opts.CORSAllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     s.opts.CORSAllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			AllowCredentials: true,
			MaxAge:           3600,
		}))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))
	if s.metrics != nil {
		e.Use(s.observeRequests())
		if s.opts.MetricsEnabled {
			e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
		}
	}

	guard := s.mutationGuard()

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	api.GET("/titles", s.handleListTitles)
	api.POST("/titles", s.handleSubmitTitle, guard)
	api.POST("/titles/check", s.handleCheckTitle)
	api.POST("/titles/similar", s.handleSimilarTitles)
	api.POST("/titles/delete", s.handleBulkDelete, guard)
	api.GET("/titles/:id", s.handleGetTitle)
	api.PUT("/titles/:id", s.handleEditTitle, guard)
	api.DELETE("/titles/:id", s.handleDeleteTitle, guard)

	api.GET("/clusters", s.handleClusters)
	api.GET("/clusters/:key", s.handleClusterMembers)
	api.GET("/stats", s.handleStats)
	api.GET("/export", s.handleExport)

	api.GET("/batches", s.handleListBatches)
	api.POST("/batches", s.handleSubmitBatch, guard)
	api.POST("/batches/upload", s.handleUploadBatch, guard)
	api.GET("/batches/:id", s.handleGetBatch)

	if s.authStore != nil {
		api.POST("/auth/login", s.handleLogin)
		api.POST("/auth/logout", s.handleLogout)
		api.POST("/auth/signup", s.handleSignup)
		api.GET("/auth/me", s.handleMe, s.requireAuth())
		api.PUT("/auth/password", s.handleChangePassword, s.requireAuth())
	}

	return e, nil
}

func (s *Server) Start(ctx context.Context) error {
	e, err := s.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().
		Str("addr", s.opts.Addr).
		Bool("auth_required", s.opts.AuthRequired).
		Msg("clearoid http server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("clearoid http server stopped")
	return nil
}

// mutationGuard requires a session on mutating routes when auth is on.
func (s *Server) mutationGuard() echo.MiddlewareFunc {
	if !s.opts.AuthRequired {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return s.requireAuth()
}

func (s *Server) observeRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			s.metrics.ObserveHTTP(c.Request().Method, route, status)
			return err
		}
	}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	isAPI := strings.HasPrefix(c.Request().URL.Path, "/api/")
	if isAPI {
		if status >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, status, message, nil)
		return
	}

	_ = c.String(status, message)
}

// respondEngineError maps dedup and embedding errors onto JSend responses.
func (s *Server) respondEngineError(c echo.Context, err error, action string) error {
	switch {
	case errors.Is(err, dedup.ErrInvalidInput):
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, dedup.ErrNotFound):
		return failNotFound(c, err.Error())
	case embedding.IsUnavailable(err):
		s.logger.Warn().Err(err).Str("action", action).Msg("embedding unavailable")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Embedding service unavailable")
	default:
		s.logger.Error().Err(err).Str("action", action).Msg("request failed")
		return internalError(c, "Failed to "+action)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	store := "memory"
	if s.pinger != nil {
		store = "postgres"
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			return errorWithStatus(c, http.StatusServiceUnavailable, "Database unavailable")
		}
	}
	return success(c, map[string]any{
		"ok":    true,
		"store": store,
	})
}

// readJSONPayload reads the raw request body for schema validation.
func readJSONPayload(c echo.Context) (json.RawMessage, error) {
	body := c.Request().Body
	if body == nil {
		return nil, fmt.Errorf("request body is required")
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxJSONBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(raw) > maxJSONBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxJSONBodyBytes)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("request body is required")
	}
	return raw, nil
}

// decodeJSONBody decodes a small JSON object body, rejecting unknown fields.
func decodeJSONBody(c echo.Context, out any) error {
	raw, err := readJSONPayload(c)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return fmt.Errorf("invalid JSON body: trailing data")
	}
	return nil
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseOptionalBool(raw string) (*bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, fmt.Errorf("must be true or false")
	}
	return &value, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return id, nil
}

func roundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}
