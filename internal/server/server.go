// Package server exposes the task book, the notebook, and the inbound
// message gate over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"investi/internal/agent"
	investierrors "investi/internal/errors"
	"investi/internal/logging"
	"investi/internal/market"
	"investi/internal/note"
	"investi/internal/task"
	"investi/internal/telemetry"
)

// Config configures the HTTP listener.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8087,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP front of the engine. Handlers never block on agent
// work: dispatching is an enqueue, and every write lands in the store
// before the response goes out.
type Server struct {
	registry  *task.Registry
	notes     *note.Service
	snapshots *market.SnapshotService
	gate      *agent.Gate
	router    *agent.Router
	metrics   *telemetry.Metrics
	logger    logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
	now        func() time.Time
}

// New wires the routes. metrics may be nil; snapshots may be nil, which
// drops the breaker field from health.
func New(registry *task.Registry, notes *note.Service, snapshots *market.SnapshotService,
	gate *agent.Gate, router *agent.Router, metrics *telemetry.Metrics,
	config Config, logger logging.Logger) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if config.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		registry:  registry,
		notes:     notes,
		snapshots: snapshots,
		gate:      gate,
		router:    router,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		engine:    engine,
		startTime: time.Now(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the route tree for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.DELETE("/:id", s.handleDeleteTask)
		tasks.POST("/:id/cancel", s.handleCancelTask)
		tasks.GET("/:id/notes", s.handleTaskNotes)
	}

	notes := api.Group("/notes")
	{
		notes.POST("", s.handleCreateNote)
		notes.GET("", s.handleListNotes)
		notes.GET("/search", s.handleSearchNotes)
		notes.POST("/:id/links", s.handleLinkNote)
	}

	api.POST("/messages", s.handleMessage)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, apiResponse{Success: true, Data: data})
}

// fail maps domain errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case investierrors.IsInvalidTrigger(err):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrDuplicateConditional):
		status = http.StatusConflict
	case investierrors.IsInvalidTransition(err):
		status = http.StatusConflict
	case errors.Is(err, investierrors.ErrNotFound):
		status = http.StatusNotFound
	case investierrors.IsStoreUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, apiResponse{Success: false, Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, apiResponse{Success: false, Error: err.Error()})
}

type healthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	MarketBreaker string `json:"market_breaker,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.snapshots != nil {
		resp.MarketBreaker = s.snapshots.BreakerState().String()
	}
	ok(c, http.StatusOK, resp)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var spec task.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, fmt.Errorf("parse task spec: %w", err))
		return
	}
	created, err := s.registry.Create(c.Request.Context(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, created)
}

func (s *Server) handleListTasks(c *gin.Context) {
	var filter task.Filter
	if v := c.Query("status"); v != "" {
		status := task.Status(v)
		filter.Status = &status
	}
	if v := c.Query("kind"); v != "" {
		kind := task.Kind(v)
		filter.Kind = &kind
	}
	filter.Ticker = c.Query("ticker")
	if v := c.Query("needs_review"); v != "" {
		review, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, fmt.Errorf("parse needs_review: %w", err))
			return
		}
		filter.NeedsReview = &review
	}
	tasks, err := s.registry.Get(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.registry.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	removed, err := s.registry.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.registry.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"status": task.StatusCancelled})
}

func (s *Server) handleTaskNotes(c *gin.Context) {
	linked, err := s.notes.ForTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, linked)
}

type createNoteRequest struct {
	Topic       note.Topic `json:"topic"`
	Ticker      string     `json:"ticker,omitempty"`
	Author      task.Role  `json:"author_agent"`
	Content     string     `json:"content"`
	LinkedNotes []string   `json:"linked_note_ids,omitempty"`
	LinkedTasks []string   `json:"linked_task_ids,omitempty"`
}

func (s *Server) handleCreateNote(c *gin.Context) {
	var req createNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Errorf("parse note: %w", err))
		return
	}
	if !req.Topic.IsValid() {
		badRequest(c, fmt.Errorf("unknown topic %q", req.Topic))
		return
	}
	created, err := s.notes.Create(c.Request.Context(), note.Spec{
		Topic:       req.Topic,
		Ticker:      req.Ticker,
		Author:      req.Author,
		Content:     req.Content,
		LinkedNotes: req.LinkedNotes,
		LinkedTasks: req.LinkedTasks,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, created)
}

func (s *Server) handleListNotes(c *gin.Context) {
	filter := note.Filter{
		Topic:  note.Topic(c.Query("topic")),
		Ticker: c.Query("ticker"),
		Author: task.Role(c.Query("author")),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, fmt.Errorf("parse limit: %w", err))
			return
		}
		filter.Limit = limit
	}
	notes, err := s.notes.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, notes)
}

func (s *Server) handleSearchNotes(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		badRequest(c, errors.New("missing query parameter q"))
		return
	}
	topK := 10
	if v := c.Query("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, fmt.Errorf("parse top_k: %w", err))
			return
		}
		topK = n
	}
	notes, err := s.notes.Search(c.Request.Context(), query, topK)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, notes)
}

type linkNoteRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleLinkNote(c *gin.Context) {
	var req linkNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" {
		badRequest(c, errors.New("task_id is required"))
		return
	}
	if err := s.notes.Link(c.Request.Context(), c.Param("id"), req.TaskID); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"linked": true})
}

type messageRequest struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

type messageResponse struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
}

// handleMessage runs an inbound user message through the relevance gate
// and hands admitted ones to the portfolio manager's queue. Task firings
// never pass through here; they reach agents straight from the dispatcher.
func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		badRequest(c, errors.New("text is required"))
		return
	}

	admitted, reason := s.gate.Allow(c.Request.Context(), req.Text)
	if !admitted {
		ok(c, http.StatusOK, messageResponse{Admitted: false, Reason: reason})
		return
	}

	msg := agent.Message{Text: req.Text, From: req.From, ReceivedAt: s.now()}
	if err := s.router.SubmitMessage(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, apiResponse{Success: false, Error: err.Error()})
		return
	}
	ok(c, http.StatusAccepted, messageResponse{Admitted: true, Reason: reason})
}
