package httpapi

import (
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/requests"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.Requests.Create(r.Context(), body.toNew())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Requests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	var status models.RequestStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseRequestStatus(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status = st
	}
	s.writePage(w, r, s.svc.Requests.ListByStatus(r.Context(), status))
}

func (s *Server) handleOwnerRequests(w http.ResponseWriter, r *http.Request) {
	view, err := requests.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePage(w, r, s.svc.Requests.ListByOwner(r.Context(), mux.Vars(r)["owner_id"], view))
}

// writePage drains one offset/limit window of seq.
func (s *Server) writePage(w http.ResponseWriter, r *http.Request, seq iter.Seq2[models.Request, error]) {
	offset, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]models.Request, 0)
	i := 0
	for req, err := range seq {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if i >= offset {
			items = append(items, req)
		}
		i++
		if len(items) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, listResponse[models.Request]{Items: items, Count: len(items), Offset: offset})
}

func pageParams(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 || limit > maxPageSize {
			return 0, 0, fmt.Errorf("%w: limit must be 1..%d", models.ErrInvalidInput, maxPageSize)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: offset must be >= 0", models.ErrInvalidInput)
		}
	}
	return offset, limit, nil
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lon are required", models.ErrInvalidInput))
		return
	}
	var radius float64
	if v := q.Get("radius_m"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: radius_m must be positive", models.ErrInvalidInput))
			return
		}
		radius = f
	}
	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			s.writeError(w, r, fmt.Errorf("%w: limit must be 1..%d", models.ErrInvalidInput, maxPageSize))
			return
		}
		limit = n
	}
	cands, err := s.svc.Matcher.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cands, "count": len(cands)})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.Requests.Transition(r.Context(), mux.Vars(r)["id"], models.RequestStatus(body.Status), body.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.Matcher.Accept(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.Matcher.Cancel(r.Context(), mux.Vars(r)["id"], body.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var body captureBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Ledger.Capture(r.Context(), mux.Vars(r)["id"], body.Amount, models.PaymentMethod(body.Method))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Ledger.ForRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Ledger.Release(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Ledger.Refund(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.svc.Chat.Post(r.Context(), mux.Vars(r)["id"], body.SenderID, body.Message, models.MessageType(body.Type))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs := make([]models.ChatMessage, 0)
	for m, err := range s.svc.Chat.History(r.Context(), mux.Vars(r)["id"]) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		msgs = append(msgs, m)
	}
	writeJSON(w, http.StatusOK, listResponse[models.ChatMessage]{Items: msgs, Count: len(msgs)})
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var body startTripBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.svc.Tracker.Start(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.svc.Tracker.ForRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.svc.Tracker.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleAppendSample(w http.ResponseWriter, r *http.Request) {
	var body sampleBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var at time.Time
	if body.Timestamp != nil {
		at = *body.Timestamp
	}
	c := models.Coord{Lat: *body.Lat, Lon: *body.Lon}
	if err := s.svc.Tracker.AppendSample(r.Context(), mux.Vars(r)["id"], c, at); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinishTrip(w http.ResponseWriter, r *http.Request) {
	var body finishBody
	if r.ContentLength != 0 {
		if err := s.decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	trip, err := s.svc.Tracker.Finish(r.Context(), mux.Vars(r)["id"], body.ActualDurationMin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.svc.Tracker.Cancel(r.Context(), mux.Vars(r)["id"], body.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var body reviewBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rv, err := s.svc.Reviews.Submit(r.Context(), mux.Vars(r)["id"], body.ReviewerID, body.Rating, body.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

func (s *Server) handleUserReviews(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Reviews.ForUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
