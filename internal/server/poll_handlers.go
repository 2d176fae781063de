package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"github.com/dvcrn/storefront-session/internal/poller"
	"github.com/go-chi/chi/v5"
)

// pollRequest is the optional body of POST /v1/orders/{ref}/poll
type pollRequest struct {
	IntervalSeconds int      `json:"intervalSeconds,omitempty"`
	TimeoutSeconds  int      `json:"timeoutSeconds,omitempty"`
	SuccessStatuses []string `json:"successStatuses,omitempty"`
	FailureStatuses []string `json:"failureStatuses,omitempty"`
}

func (p pollRequest) options() poller.Options {
	return poller.Options{
		Interval:        time.Duration(p.IntervalSeconds) * time.Second,
		Timeout:         time.Duration(p.TimeoutSeconds) * time.Second,
		SuccessStatuses: p.SuccessStatuses,
		FailureStatuses: p.FailureStatuses,
	}
}

// startPollHandler handles POST /v1/orders/{ref}/poll. A poll already
// running for ref is joined rather than restarted.
func (s *Server) startPollHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.IntervalSeconds < 0 || req.TimeoutSeconds < 0 {
		http.Error(w, "intervalSeconds and timeoutSeconds must not be negative", http.StatusBadRequest)
		return
	}

	// The poll outlives this request.
	sess, started := s.polls.Start(context.WithoutCancel(r.Context()), ref, req.options())
	status := http.StatusOK
	if started {
		status = http.StatusCreated
		s.logger.Info().Str("transaction_ref", ref).Str("poll_id", sess.ID()).Msg("Poll started")
	}
	s.writeJSON(w, status, sess.Snapshot())
}

func errNoPoll(ref string) error {
	return apperrors.Wrapf(apperrors.ErrNotFound, "no poll for transaction %q", ref)
}

// pollStatusHandler handles GET /v1/orders/{ref}/poll
func (s *Server) pollStatusHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	sess, ok := s.polls.Get(ref)
	if !ok {
		s.writeError(w, errNoPoll(ref))
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

// cancelPollHandler handles DELETE /v1/orders/{ref}/poll
func (s *Server) cancelPollHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	sess, ok := s.polls.Get(ref)
	if !ok {
		s.writeError(w, errNoPoll(ref))
		return
	}
	sess.Cancel()
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}
