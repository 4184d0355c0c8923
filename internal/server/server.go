// Package server exposes an Engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hupe1980/vecproj"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/pipeline"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Codec encodes request and response bodies. Default codec.Default.
	Codec codec.Codec
}

// Server provides HTTP endpoints for an Engine.
type Server struct {
	echo   *echo.Echo
	engine *vecproj.Engine
	logger *zap.Logger
	config Config
}

// New creates a new HTTP server.
func New(engine *vecproj.Engine, logger *zap.Logger, cfg Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = serializer{cfg.Codec}
	e.HTTPErrorHandler = errorHandler(e, logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{Timeout: cfg.RequestTimeout}))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, engine: engine, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/configs", s.handleConfigs)
	v1.GET("/configs/:id/status", s.handleStatus)
	v1.POST("/configs/:id/build", s.handleBuild)
	v1.POST("/configs/:id/drift", s.handleDrift)
	v1.GET("/configs/:id/export", s.handleExport)
	v1.POST("/vectors", s.handleIngest)
	v1.POST("/query", s.handleQuery)
	v1.GET("/records/:id", s.handleRecord)
	v1.DELETE("/records/:id", s.handleDelete)
	v1.GET("/stats", s.handleStats)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ConfigInfo describes a registered config.
type ConfigInfo struct {
	ID        model.ConfigID `json:"id"`
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	InputDim  int            `json:"input_dim"`
	OutputDim int            `json:"output_dim"`
	Dims      []int          `json:"dims"`
}

func (s *Server) handleConfigs(c echo.Context) error {
	cfgs := s.engine.Configs()
	out := make([]ConfigInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, newConfigInfo(cfg))
	}
	return c.JSON(http.StatusOK, out)
}

func newConfigInfo(cfg *pipeline.Config) ConfigInfo {
	return ConfigInfo{
		ID:        cfg.ID(),
		Name:      cfg.Name(),
		Version:   cfg.Version(),
		InputDim:  cfg.InputDim(),
		OutputDim: cfg.OutputDim(),
		Dims:      cfg.Dims(),
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.engine.IndexStatus(model.ConfigID(c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleBuild(c echo.Context) error {
	st, err := s.engine.BuildIndex(c.Request().Context(), model.ConfigID(c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// DriftResponse is the response body for POST /api/v1/configs/:id/drift.
type DriftResponse struct {
	Drifted bool `json:"drifted"`
}

func (s *Server) handleDrift(c echo.Context) error {
	drifted, err := s.engine.CheckDrift(c.Request().Context(), model.ConfigID(c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DriftResponse{Drifted: drifted})
}

func (s *Server) handleExport(c echo.Context) error {
	id := model.ConfigID(c.Param("id"))
	if _, err := s.engine.Config(id); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res := c.Response()
	switch format := c.QueryParam("format"); format {
	case "", "csv":
		res.Header().Set(echo.HeaderContentType, "text/csv")
		res.WriteHeader(http.StatusOK)
		_, err := s.engine.ExportCSV(ctx, res, id)
		return s.streamErr(err)
	case "jsonl":
		res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		res.WriteHeader(http.StatusOK)
		_, err := s.engine.ExportJSONLines(ctx, res, id)
		return s.streamErr(err)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown export format %q", format))
	}
}

// streamErr logs errors that happen after the status line was sent.
func (s *Server) streamErr(err error) error {
	if err != nil {
		s.logger.Warn("export aborted", zap.Error(err))
	}
	return nil
}

// IngestRequest is the request body for POST /api/v1/vectors.
type IngestRequest struct {
	Vector   []float32        `json:"vector"`
	Metadata model.Metadata   `json:"metadata,omitempty"`
	Configs  []model.ConfigID `json:"configs,omitempty"`
}

// IngestResponse is the response body for POST /api/v1/vectors.
type IngestResponse struct {
	RawID   model.RawID      `json:"raw_id"`
	Records []model.RecordID `json:"records"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	configs := req.Configs
	if len(configs) == 0 {
		for _, cfg := range s.engine.Configs() {
			configs = append(configs, cfg.ID())
		}
	}
	raw, ids, err := s.engine.IngestAndProject(c.Request().Context(), req.Vector, req.Metadata, configs...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, IngestResponse{RawID: raw, Records: ids})
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	ConfigID model.ConfigID `json:"config_id"`
	Vector   []float32      `json:"vector"`
	K        int            `json:"k"`
	Metric   string         `json:"metric"`
	Strict   bool           `json:"strict,omitempty"`
	// Raw marks Vector as being in the config's input space.
	Raw bool `json:"raw,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	metric, err := distance.ParseMetric(req.Metric)
	if err != nil {
		return fmt.Errorf("%w: %w", vecproj.ErrInvalidArgument, err)
	}
	q := vecproj.QueryRequest{
		ConfigID: req.ConfigID,
		Vector:   req.Vector,
		K:        req.K,
		Metric:   metric,
		Strict:   req.Strict,
	}
	var res model.QueryResult
	if req.Raw {
		res, err = s.engine.QueryRaw(c.Request().Context(), q)
	} else {
		res, err = s.engine.Query(c.Request().Context(), q)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newQueryResponse(res))
}

// Hit is a single query match.
type Hit struct {
	ID       model.RecordID `json:"id"`
	SourceID model.RawID    `json:"source_id"`
	Distance float64        `json:"distance"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	Hits       []Hit  `json:"hits"`
	Stale      bool   `json:"stale"`
	Generation uint64 `json:"generation"`
}

func newQueryResponse(res model.QueryResult) QueryResponse {
	out := QueryResponse{Hits: make([]Hit, len(res.Hits)), Stale: res.Stale, Generation: res.Generation}
	for i, h := range res.Hits {
		out.Hits[i] = Hit{ID: h.ID, SourceID: h.SourceID, Distance: h.Distance}
	}
	return out
}

// RecordResponse is the response body for GET /api/v1/records/:id.
type RecordResponse struct {
	ID        model.RecordID `json:"id"`
	SourceID  model.RawID    `json:"source_id"`
	ConfigID  model.ConfigID `json:"config_id"`
	Vector    []float32      `json:"vector"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Source    SourceInfo     `json:"source"`
	// Config is omitted when the record's config is not registered.
	Config *ConfigInfo `json:"config,omitempty"`
}

// SourceInfo describes the raw vector a record was projected from.
type SourceInfo struct {
	ID        model.RawID    `json:"id"`
	Vector    []float32      `json:"vector"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Server) handleRecord(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	d, err := s.engine.GetProjection(c.Request().Context(), model.RecordID(id))
	if err != nil {
		return err
	}
	res := RecordResponse{
		ID:        d.Record.ID,
		SourceID:  d.Record.SourceID,
		ConfigID:  d.Record.ConfigID,
		Vector:    d.Record.Vector,
		Metadata:  d.Record.Metadata,
		CreatedAt: d.Record.CreatedAt,
		Source: SourceInfo{
			ID:        d.Source.ID,
			Vector:    d.Source.Vector,
			Metadata:  d.Source.Metadata,
			CreatedAt: d.Source.CreatedAt,
		},
	}
	if d.Config != nil {
		info := newConfigInfo(d.Config)
		res.Config = &info
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDelete(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	if err := s.engine.Delete(c.Request().Context(), model.RecordID(id)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Stats())
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusCode maps an engine error to an HTTP status.
func StatusCode(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, vecproj.ErrNotFound), errors.Is(err, vecproj.ErrUnknownConfig):
		return http.StatusNotFound
	case errors.Is(err, vecproj.ErrInvalidArgument),
		errors.Is(err, vecproj.ErrDimensionalityMismatch),
		errors.Is(err, vecproj.ErrInvalidParameters),
		errors.Is(err, vecproj.ErrUnknownTransform),
		errors.Is(err, vecproj.ErrUnsupportedMetric):
		return http.StatusBadRequest
	case errors.Is(err, vecproj.ErrConflictOnNaturalKey):
		return http.StatusConflict
	case errors.Is(err, vecproj.ErrIndexBuilding), errors.Is(err, vecproj.ErrStorageUnavailable), errors.Is(err, vecproj.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(e *echo.Echo, logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := StatusCode(err)
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg = fmt.Sprint(he.Message)
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", zap.Int("status", code), zap.Error(err))
		}
		if code == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", "1")
		}
		if err := c.JSON(code, ErrorResponse{Error: msg}); err != nil {
			e.Logger.Error(err)
		}
	}
}

// serializer adapts a codec.Codec to echo.JSONSerializer.
type serializer struct {
	codec codec.Codec
}

func (s serializer) Serialize(c echo.Context, i any, _ string) error {
	b, err := s.codec.Marshal(i)
	if err != nil {
		return err
	}
	_, err = c.Response().Write(b)
	return err
}

func (s serializer) Deserialize(c echo.Context, i any) error {
	b, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if err := s.codec.Unmarshal(b, i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
