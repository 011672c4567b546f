// Package api serves a JSON view of the running desk: stream health,
// metrics, quotes, the instrument catalog and the rows of each position
// view. Quote favorites are the only writable state.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/infra"
	"tradedesk/internal/service"
	"tradedesk/internal/ticker"
)

// PositionView is the read side of an aggregator view.
type PositionView interface {
	Name() string
	Rows() []domain.PositionRow
	M2MTotal(user string) decimal.Decimal
	Version() uint64
	Len() int
}

// QuoteBoard is the quote service as seen by the API.
type QuoteBoard interface {
	GetAllQuotes() []service.Quote
	GetQuote(symbol string) (service.Quote, bool)
	IsFavorite(symbol string) bool
	SetFavorite(symbol string, isFavorite bool) error
}

// InstrumentList is the read side of the instrument catalog.
type InstrumentList interface {
	AllInstruments() ([]domain.InstrumentInfo, error)
	ActiveInstruments() ([]domain.InstrumentInfo, error)
}

// StreamStatus is the read side of the tick manager.
type StreamStatus interface {
	State() ticker.State
	SubscriberCount() int
	Err() error
}

// Deps are the components the server reads from. Nil members disable
// their routes' data but not the routes.
type Deps struct {
	Stream      StreamStatus
	Quotes      QuoteBoard
	Instruments InstrumentList
	Views       []PositionView
	Metrics     *infra.Metrics
}

// Server is the status HTTP server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	deps   Deps
	views  map[string]PositionView
	logger *slog.Logger
}

// NewServer builds the router. Call Run to serve on addr.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.GlobalMetrics
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		engine: r,
		deps:   deps,
		views:  make(map[string]PositionView, len(deps.Views)),
		logger: logger.With(slog.String("module", "api")),
	}
	for _, v := range deps.Views {
		s.views[v.Name()] = v
	}

	r.Use(requestLogger(s.logger))
	r.Use(errorHandler())

	r.GET("/healthz", s.health)
	r.GET("/metrics", s.metrics)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/quotes", s.listQuotes)
		v1.GET("/quotes/:symbol", s.getQuote)
		v1.GET("/quotes/:symbol/favorite", s.getFavorite)
		v1.PUT("/quotes/:symbol/favorite", s.putFavorite)
		v1.GET("/instruments", s.listInstruments)
		v1.GET("/views", s.listViews)
		v1.GET("/views/:name/positions", s.getPositions)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", slog.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type healthRes struct {
	Status      string `json:"status"`
	Stream      string `json:"stream"`
	Subscribers int    `json:"subscribers"`
	LastError   string `json:"lastError,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Stream == nil {
		c.JSON(http.StatusOK, Res{Success: true, Data: healthRes{Status: "ok", Stream: "none"}})
		return
	}

	state := s.deps.Stream.State()
	res := healthRes{
		Status:      "ok",
		Stream:      state.String(),
		Subscribers: s.deps.Stream.SubscriberCount(),
	}
	if err := s.deps.Stream.Err(); err != nil {
		res.LastError = err.Error()
	}

	code := http.StatusOK
	// Reconnecting is healthy; a loop that gave up is not
	if state == ticker.StateDisconnected && res.LastError != "" {
		res.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, Res{Success: code == http.StatusOK, Data: res})
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, Res{Success: true, Data: s.deps.Metrics.Snapshot()})
}

func (s *Server) listQuotes(c *gin.Context) {
	if s.deps.Quotes == nil {
		c.JSON(http.StatusOK, Res{Success: true, Data: []service.Quote{}})
		return
	}
	c.JSON(http.StatusOK, Res{Success: true, Data: s.deps.Quotes.GetAllQuotes()})
}

func (s *Server) getQuote(c *gin.Context) {
	symbol := c.Param("symbol")
	if s.deps.Quotes == nil {
		_ = c.Error(notFound("no quote for " + symbol))
		return
	}
	q, ok := s.deps.Quotes.GetQuote(symbol)
	if !ok {
		_ = c.Error(notFound("no quote for " + symbol))
		return
	}
	c.JSON(http.StatusOK, Res{Success: true, Data: q})
}

type favoriteReq struct {
	Favorite *bool `json:"favorite" binding:"required"`
}

type favoriteRes struct {
	Symbol   string `json:"symbol"`
	Favorite bool   `json:"favorite"`
}

func (s *Server) getFavorite(c *gin.Context) {
	symbol := c.Param("symbol")
	if s.deps.Quotes == nil {
		_ = c.Error(unavailable("quote board disabled"))
		return
	}
	c.JSON(http.StatusOK, Res{Success: true, Data: favoriteRes{Symbol: symbol, Favorite: s.deps.Quotes.IsFavorite(symbol)}})
}

func (s *Server) putFavorite(c *gin.Context) {
	symbol := c.Param("symbol")
	if s.deps.Quotes == nil {
		_ = c.Error(unavailable("quote board disabled"))
		return
	}

	var req favoriteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest("invalid body: " + err.Error()))
		return
	}
	if err := s.deps.Quotes.SetFavorite(symbol, *req.Favorite); err != nil {
		_ = c.Error(err)
		return
	}
	s.logger.Info("Favorite updated", slog.String("symbol", symbol), slog.Bool("favorite", *req.Favorite))
	c.JSON(http.StatusOK, Res{Success: true, Data: favoriteRes{Symbol: symbol, Favorite: *req.Favorite}})
}

func (s *Server) listInstruments(c *gin.Context) {
	if s.deps.Instruments == nil {
		c.JSON(http.StatusOK, Res{Success: true, Data: []domain.InstrumentInfo{}})
		return
	}

	list := s.deps.Instruments.AllInstruments
	if c.Query("active") == "true" {
		list = s.deps.Instruments.ActiveInstruments
	}
	insts, err := list()
	if err != nil {
		_ = c.Error(err)
		return
	}
	if insts == nil {
		insts = []domain.InstrumentInfo{}
	}
	c.JSON(http.StatusOK, Res{Success: true, Data: insts})
}

type viewSummary struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Version uint64 `json:"version"`
}

func (s *Server) listViews(c *gin.Context) {
	out := make([]viewSummary, 0, len(s.deps.Views))
	for _, v := range s.deps.Views {
		out = append(out, viewSummary{Name: v.Name(), Rows: v.Len(), Version: v.Version()})
	}
	c.JSON(http.StatusOK, Res{Success: true, Data: out})
}

type positionsRes struct {
	View     string                     `json:"view"`
	Version  uint64                     `json:"version"`
	Rows     []domain.PositionRow       `json:"rows"`
	M2MTotal map[string]decimal.Decimal `json:"m2mTotal"`
}

func (s *Server) getPositions(c *gin.Context) {
	name := c.Param("name")
	v, ok := s.views[name]
	if !ok {
		_ = c.Error(notFound("unknown view " + name))
		return
	}

	user := c.Query("user")
	rows := v.Rows()
	if user != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.UserName == user {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	totals := make(map[string]decimal.Decimal)
	for _, r := range rows {
		if _, seen := totals[r.UserName]; !seen {
			totals[r.UserName] = v.M2MTotal(r.UserName)
		}
	}

	c.JSON(http.StatusOK, Res{Success: true, Data: positionsRes{
		View:     name,
		Version:  v.Version(),
		Rows:     rows,
		M2MTotal: totals,
	}})
}
