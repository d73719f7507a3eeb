// Package api is the operational HTTP surface: health, Prometheus metrics,
// source management, alert management, and queue introspection.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"carscout/internal/alert"
	"carscout/internal/normalize"
	"carscout/internal/queue"
	"carscout/internal/store"
)

// Server carries the API dependencies.
type Server struct {
	log      *zap.Logger
	db       *store.Store
	validate *validator.Validate
	registry *prometheus.Registry
	router   chi.Router
}

// NewServer builds the router and metric collectors.
func NewServer(log *zap.Logger, db *store.Store) *Server {
	s := &Server{
		log:      log,
		db:       db,
		validate: validator.New(),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newDBCollector(db.SqlDB()),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Post("/sources", s.createSource)
		r.Put("/sources/{id}/enabled", s.setSourceEnabled)

		r.Post("/alerts", s.createAlert)
		r.Get("/alerts/{id}", s.getAlert)
		r.Delete("/alerts/{id}", s.deactivateAlert)

		r.Get("/listings/{id}", s.getListing)
		r.Get("/queue", s.queueStats)
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready additionally checks the database, so a wedged store takes the node
// out of rotation while the process itself stays alive.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.db.SqlDB().PingContext(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BaseURL       string `json:"base_url"`
	Enabled       bool   `json:"enabled"`
	CrawlInterval string `json:"crawl_interval"`
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := store.AllSources(s.db.SqlDB())
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceResponse{
			ID: src.ID.String(), Name: src.Name, BaseURL: src.BaseURL,
			Enabled: src.Enabled, CrawlInterval: src.CrawlInterval.String(),
		})
	}
	s.respond(w, http.StatusOK, out)
}

type createSourceRequest struct {
	Name           string `json:"name" validate:"required"`
	BaseURL        string `json:"base_url" validate:"required,url"`
	CrawlIntervalS int    `json:"crawl_interval_s" validate:"gte=0"`
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	src := &store.Source{
		Name:          req.Name,
		BaseURL:       req.BaseURL,
		Enabled:       true,
		CrawlInterval: time.Duration(req.CrawlIntervalS) * time.Second,
	}
	if err := store.InsertSource(s.db.SqlDB(), src); err != nil {
		s.internalError(w, "insert source", err)
		return
	}
	s.respond(w, http.StatusCreated, sourceResponse{
		ID: src.ID.String(), Name: src.Name, BaseURL: src.BaseURL,
		Enabled: src.Enabled, CrawlInterval: src.CrawlInterval.String(),
	})
}

func (s *Server) setSourceEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	err := store.SetSourceEnabled(s.db.SqlDB(), id, req.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		s.internalError(w, "set source enabled", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

type createAlertRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Query  string `json:"query" validate:"required,min=2"`
}

type alertResponse struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	Canonical string        `json:"canonical"`
	Filters   alert.Filters `json:"filters"`
	Warnings  []string      `json:"warnings,omitempty"`
	Active    bool          `json:"active"`
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	db := s.db.SqlDB()

	ent, err := store.GetEntitlement(db, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.internalError(w, "entitlement", err)
		return
	}
	n, err := store.CountUserAlerts(db, userID)
	if err != nil {
		s.internalError(w, "count alerts", err)
		return
	}
	if n >= ent.MaxAlerts {
		s.respondError(w, http.StatusConflict, "alert limit reached for plan "+ent.PlanName)
		return
	}

	matcher, err := normalize.LoadMatcher(db)
	if err != nil {
		s.internalError(w, "load matcher", err)
		return
	}
	filters, warnings := alert.ParseQuery(matcher, req.Query)
	fj, err := filters.JSON()
	if err != nil {
		s.internalError(w, "encode filters", err)
		return
	}
	a := &store.Alert{UserID: userID, DSLQuery: req.Query, FiltersJSON: fj, Active: true}
	if err := store.InsertAlert(db, a); err != nil {
		s.internalError(w, "insert alert", err)
		return
	}
	s.respond(w, http.StatusCreated, alertResponse{
		ID: a.ID.String(), Query: a.DSLQuery, Canonical: filters.Canonical(),
		Filters: filters, Warnings: warnings, Active: true,
	})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	a, err := store.GetAlert(s.db.SqlDB(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.internalError(w, "get alert", err)
		return
	}
	filters, err := alert.DecodeFilters(a.FiltersJSON)
	if err != nil {
		s.internalError(w, "decode filters", err)
		return
	}
	s.respond(w, http.StatusOK, alertResponse{
		ID: a.ID.String(), Query: a.DSLQuery, Canonical: filters.Canonical(),
		Filters: filters, Active: a.Active,
	})
}

func (s *Server) deactivateAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	err := store.SetAlertActive(s.db.SqlDB(), id, false)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.internalError(w, "deactivate alert", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"active": false})
}

type listingResponse struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Brand       string   `json:"brand"`
	Model       string   `json:"model"`
	Year        int      `json:"year,omitempty"`
	MileageKM   int64    `json:"mileage_km,omitempty"`
	Fuel        string   `json:"fuel,omitempty"`
	Gearbox     string   `json:"gearbox,omitempty"`
	Region      string   `json:"region,omitempty"`
	PriceBGN    string   `json:"price_bgn,omitempty"`
	Status      string   `json:"status"`
	IsDuplicate bool     `json:"is_duplicate"`
	Score       float64  `json:"score,omitempty"`
	ScoreState  string   `json:"score_state,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	RiskLevel   string   `json:"risk_level,omitempty"`
}

func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	db := s.db.SqlDB()
	l, err := store.GetListing(db, id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "listing not found")
		return
	}
	if err != nil {
		s.internalError(w, "get listing", err)
		return
	}
	out := listingResponse{
		ID: l.ID.String(), Title: l.Title, Brand: l.BrandID, Model: l.ModelID,
		Year: l.Year, MileageKM: l.MileageKM, Fuel: l.Fuel, Gearbox: l.Gearbox,
		Region: l.Region, Status: l.Status, IsDuplicate: l.IsDuplicate,
	}
	if !l.PriceBGN.IsZero() {
		out.PriceBGN = l.PriceBGN.StringFixed(2)
	}
	if sc, err := store.GetScore(db, id); err == nil {
		out.Score = sc.Score
		out.ScoreState = sc.State
		out.Reasons = sc.Reasons
	}
	if ev, err := store.GetRiskEvaluation(db, id); err == nil {
		out.RiskLevel = ev.RiskLevel
	}
	s.respond(w, http.StatusOK, out)
}

type queueStatsResponse struct {
	Depths map[string]int  `json:"depths"`
	Dead   []deadJobRecord `json:"dead"`
}

type deadJobRecord struct {
	ID       int64  `json:"id"`
	Stage    string `json:"stage"`
	Listing  string `json:"listing_id"`
	Attempts int    `json:"attempts"`
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	db := s.db.SqlDB()
	depths, err := queue.Depths(db)
	if err != nil {
		s.internalError(w, "queue depths", err)
		return
	}
	dead, err := queue.DeadJobs(db, 20)
	if err != nil {
		s.internalError(w, "dead jobs", err)
		return
	}
	out := queueStatsResponse{Depths: depths, Dead: make([]deadJobRecord, 0, len(dead))}
	for _, j := range dead {
		out.Dead = append(out.Dead, deadJobRecord{
			ID: j.ID, Stage: j.Stage, Listing: j.ListingID.String(), Attempts: j.Attempts,
		})
	}
	s.respond(w, http.StatusOK, out)
}

// decode reads and validates a JSON body, writing the error response itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respond(w, code, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, "internal error")
}

// dbCollector exports pipeline gauges straight from the database on scrape:
// queue depth per stage, listings per status, scores per state.
type dbCollector struct {
	db       *sql.DB
	depth    *prometheus.Desc
	listings *prometheus.Desc
	scores   *prometheus.Desc
}

func newDBCollector(db *sql.DB) *dbCollector {
	return &dbCollector{
		db: db,
		depth: prometheus.NewDesc("carscout_queue_depth",
			"Pending jobs per pipeline stage.", []string{"stage"}, nil),
		listings: prometheus.NewDesc("carscout_listings",
			"Listings per pipeline status.", []string{"status"}, nil),
		scores: prometheus.NewDesc("carscout_scores",
			"Scored listings per approval state.", []string{"state"}, nil),
	}
}

func (c *dbCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.listings
	ch <- c.scores
}

func (c *dbCollector) Collect(ch chan<- prometheus.Metric) {
	if depths, err := queue.Depths(c.db); err == nil {
		for stage, n := range depths {
			ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), stage)
		}
	}
	c.grouped(ch, c.listings, "SELECT status, COUNT(*) FROM listings GROUP BY status")
	c.grouped(ch, c.scores, "SELECT state, COUNT(*) FROM scores GROUP BY state")
}

func (c *dbCollector) grouped(ch chan<- prometheus.Metric, desc *prometheus.Desc, query string) {
	rows, err := c.db.Query(query)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			label string
			n     int
		)
		if rows.Scan(&label, &n) == nil {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(n), label)
		}
	}
}
