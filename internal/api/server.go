// Package api is the HTTP surface: ingest endpoints feeding the bus,
// query endpoints over the relational and graph stores, the operator
// approval surface, and the operational endpoints (health, metrics,
// stream info, live feed).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/bus"
	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/middleware"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/parser"
	"github.com/skytrace/backend/internal/store"
)

// Relational is the slice of the relational store the API reads.
// *store.Store and *store.Memory both satisfy it.
type Relational interface {
	GetBag(ctx context.Context, bagTag string) (*model.Bag, error)
	ListBags(ctx context.Context, f store.BagFilter) ([]*model.Bag, error)
	EventsForBag(ctx context.Context, bagTag string) ([]*model.CanonicalEvent, error)
	LatestRisk(ctx context.Context, bagTag string) (*model.RiskAssessment, error)
	PendingApprovals(ctx context.Context) ([]store.PendingApproval, error)
	GetDispatch(ctx context.Context, dispatchID string) (*model.CourierDispatch, error)
	Saturated() bool
}

// Server wires the routes.
type Server struct {
	bus     *bus.Bus
	coord   *dualwrite.Coordinator
	rel     Relational
	parsers *parser.Set
	feed    http.Handler
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     *config.Config

	router *mux.Router
	httpd  *http.Server
	now    func() time.Time
}

func NewServer(b *bus.Bus, coord *dualwrite.Coordinator, rel Relational, parsers *parser.Set,
	feed http.Handler, m *metrics.Metrics, logger *zap.Logger, cfg *config.Config) *Server {
	s := &Server{
		bus:     b,
		coord:   coord,
		rel:     rel,
		parsers: parsers,
		feed:    feed,
		limiter: middleware.NewRateLimiter(cfg.IngestRatePerMin, logger),
		metrics: m,
		logger:  logger.Named("api"),
		cfg:     cfg,
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(middleware.Recover(s.logger))
	r.Use(middleware.Logging(s.logger))
	if s.cfg.Development() {
		r.Use(middleware.CORS)
	}

	ingest := r.NewRoute().Subrouter()
	ingest.Use(s.limiter.Middleware)
	ingest.HandleFunc("/events/scan", s.handleScanEvent).Methods(http.MethodPost)
	ingest.HandleFunc("/events/batch", s.handleBatch).Methods(http.MethodPost)
	ingest.HandleFunc("/scan", s.handleRawScan).Methods(http.MethodPost)
	ingest.HandleFunc("/type-b", s.handleTypeB).Methods(http.MethodPost)
	ingest.HandleFunc("/baggage-xml", s.handleBaggageXML).Methods(http.MethodPost)

	r.HandleFunc("/bag/{tag}", s.handleGetBag).Methods(http.MethodGet)
	r.HandleFunc("/bags", s.handleListBags).Methods(http.MethodGet)
	r.HandleFunc("/graph/bags/{id}/journey", s.handleJourney).Methods(http.MethodGet)
	r.HandleFunc("/graph/bags/{id}/current-location", s.handleCurrentLocation).Methods(http.MethodGet)
	r.HandleFunc("/graph/flights/{id}/bags", s.handleFlightBags).Methods(http.MethodGet)
	r.HandleFunc("/graph/bags/connection-risk", s.handleConnectionRisk).Methods(http.MethodPost)
	r.HandleFunc("/graph/analytics/bottlenecks", s.handleBottlenecks).Methods(http.MethodGet)

	r.HandleFunc("/events/stream/info", s.handleStreamInfo).Methods(http.MethodGet)
	r.HandleFunc("/events/replay", s.handleReplay).Methods(http.MethodGet)

	r.HandleFunc("/dispatches/pending", s.handlePendingDispatches).Methods(http.MethodGet)
	r.HandleFunc("/dispatches/{id}/decision", s.handleDispatchDecision).Methods(http.MethodPost)

	if s.feed != nil {
		r.Handle("/events/live", s.feed).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router = r
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.httpd = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", zap.Int("port", s.cfg.Port))
	err := s.httpd.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}
