// Package httpapi exposes the abstract client endpoint surface (spec §6) —
// get, list, list_group, write, delete, commit_transaction, simple_query,
// composite_query, the subscribe_* family, listen, and confirm — over chi,
// the same router library and middleware idiom as the teacher's
// interfaces/http/rest package. Every handler except listen and confirm
// calls the security Evaluator before touching the backing store: once per
// request, or once per write for commit_transaction. listen and confirm
// make no security check.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docucore/internal/basicindex"
	"docucore/internal/composite"
	"docucore/internal/document"
	"docucore/internal/fieldvalue"
	"docucore/internal/listen"
	"docucore/internal/security"
	"docucore/internal/simplequery"
	"docucore/internal/txn"
	apperrors "docucore/pkg/errors"
	"docucore/pkg/observability"
)

// DocumentStore is the subset of *internal/store.Store the API needs for
// plain reads.
type DocumentStore interface {
	Get(ctx context.Context, id document.ID) (document.Document, error)
	ListCollection(ctx context.Context, parentPath, collectionID string) ([]document.Document, error)
	ListGroup(ctx context.Context, collectionID string) ([]document.Document, error)
}

// TxnManager is the subset of *internal/txn.Manager the API needs.
type TxnManager interface {
	Write(ctx context.Context, doc document.Document, expectedUpdateID string) (document.Document, error)
	DeleteDocument(ctx context.Context, id document.ID, expectedUpdateID string) error
	CommitTransaction(ctx context.Context, reads []txn.ReadCheck, writes []txn.WriteOp) (bool, error)
}

// BasicIndex is the subset of *internal/basicindex.Index the API needs.
type BasicIndex interface {
	SubscribeDocument(ctx context.Context, clientID string, id document.ID) (string, error)
	SubscribeCollection(ctx context.Context, clientID, parentPath, collectionID string) (string, error)
	SubscribeCollectionGroup(ctx context.Context, clientID, collectionID string) (string, error)
}

// SimpleQueryIndex is the subset of *internal/simplequery.Index the API needs.
type SimpleQueryIndex interface {
	SimpleQuery(ctx context.Context, scope *string, collectionID, fieldName string, op fieldvalue.Operator, operand fieldvalue.Value) ([]document.ID, error)
	SubscribeSimpleQuery(ctx context.Context, clientID string, scope *string, collectionID, fieldName string, op fieldvalue.Operator, operand fieldvalue.Value) (string, error)
}

// CompositeEngine is the subset of *internal/composite.Engine the API needs.
type CompositeEngine interface {
	CompositeQuery(ctx context.Context, groupID string, params []composite.Param) ([]document.ID, error)
	SubscribeCompositeQuery(ctx context.Context, clientID, groupID string, params []composite.Param) (string, error)
}

// Server wires every core component behind the spec §6 endpoint surface.
type Server struct {
	store      DocumentStore
	txnMgr     TxnManager
	basic      BasicIndex
	simple     SimpleQueryIndex
	composite  CompositeEngine
	listenMgr  *listen.Manager
	evaluator  security.Evaluator
	logger     *zap.Logger
	validate   *validator.Validate
	metrics    *observability.Metrics
	perf       *observability.PerformanceMetrics
	prom       *observability.Collector
	tracer     *observability.TracerProvider
}

// New constructs a Server over the core components. metrics/perf/prom/tracer
// may be nil (tests, or EnableMetrics/EnableTracing off); every call site
// guards against a nil receiver.
func New(store DocumentStore, txnMgr TxnManager, basic BasicIndex, simple SimpleQueryIndex, comp CompositeEngine, listenMgr *listen.Manager, evaluator security.Evaluator, logger *zap.Logger, metrics *observability.Metrics, perf *observability.PerformanceMetrics, prom *observability.Collector, tracer *observability.TracerProvider) *Server {
	return &Server{
		store:     store,
		txnMgr:    txnMgr,
		basic:     basic,
		simple:    simple,
		composite: comp,
		listenMgr: listenMgr,
		evaluator: evaluator,
		logger:    logger,
		validate:  validator.New(),
		metrics:   metrics,
		perf:      perf,
		prom:      prom,
		tracer:    tracer,
	}
}

// Router builds the chi handler for the whole endpoint surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))
	r.Use(s.metricsMiddleware)
	r.Use(actorMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-User-Id", "X-Admin"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.healthCheck)
	r.Get("/ready", s.readinessCheck)
	if s.prom != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.prom.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/documents:get", s.handleGet)
		r.Post("/documents:list", s.handleList)
		r.Post("/documents:listGroup", s.handleListGroup)
		r.Post("/queries:simple", s.handleSimpleQuery)
		r.Post("/queries:composite", s.handleCompositeQuery)
		r.Post("/subscriptions:document", s.handleSubscribeDocument)
		r.Post("/subscriptions:collection", s.handleSubscribeCollection)
		r.Post("/subscriptions:collectionGroup", s.handleSubscribeCollectionGroup)
		r.Post("/subscriptions:simpleQuery", s.handleSubscribeSimpleQuery)
		r.Post("/subscriptions:compositeQuery", s.handleSubscribeCompositeQuery)
		r.Post("/confirm", s.handleConfirm)

		// The write pipeline (write, delete, commit) and the long-poll listen
		// surface get a trace span each, the two places spec.md calls out as
		// worth tracing end to end.
		r.Group(func(r chi.Router) {
			r.Use(s.tracingMiddleware)
			r.Post("/documents:write", s.handleWrite)
			r.Post("/documents:delete", s.handleDelete)
			r.Post("/transactions:commit", s.handleCommitTransaction)
			r.Post("/listen", s.handleListen)
		})
	})

	return r
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readinessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsPermissionDenied(err):
		status = http.StatusForbidden
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsTransactionConflict(err):
		status = http.StatusConflict
	case apperrors.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case apperrors.IsBackendUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeAndValidate(r *http.Request, v *validator.Validate, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.NewInvalidArgument("malformed request body: " + err.Error())
	}
	if err := v.Struct(dst); err != nil {
		return apperrors.NewInvalidArgument("validation failed: " + err.Error())
	}
	return nil
}

const longPollDeadline = 25 * time.Second
