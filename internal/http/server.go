package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/car-relocation/internal/chat"
	"github.com/example/car-relocation/internal/dispatch"
	"github.com/example/car-relocation/internal/escrow"
	"github.com/example/car-relocation/internal/matcher"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/reviews"
	"github.com/example/car-relocation/internal/tracking"
)

// Services are the operations the API exposes.
type Services struct {
	Requests *requests.Service
	Matcher  *matcher.Service
	Ledger   *escrow.Ledger
	Chat     *chat.Channel
	Tracker  *tracking.Tracker
	Reviews  *reviews.Service
	WS       *dispatch.WSRegistry

	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	svc      Services
	logger   *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		logger:   logger,
		validate: newValidator(),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/owners/{owner_id}/requests", s.handleOwnerRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/requests/{id}/payment", s.handleCapture).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/payment", s.handleRequestPayment).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id}", s.handleGetPayment).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id}/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id}/refund", s.handleRefund).Methods(http.MethodPost)

	api.HandleFunc("/requests/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/messages", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/requests/{id}/trip", s.handleStartTrip).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/trip", s.handleRequestTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/samples", s.handleAppendSample).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/finish", s.handleFinishTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods(http.MethodPost)

	api.HandleFunc("/requests/{id}/reviews", s.handleSubmitReview).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/reviews", s.handleUserReviews).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	if s.svc.WS == nil {
		http.Error(w, "websocket sessions disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	// the server's read timeout must not close an idle session
	_ = conn.SetReadDeadline(time.Time{})
	sess := s.svc.WS.Add(id, conn)
	defer s.svc.WS.Remove(id, sess)
	// sessions are push only; reading detects the peer going away
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
