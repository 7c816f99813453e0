package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/report"
)

const periodLayout = "2006-01-02"

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)
	s.writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID})
}

func parsePeriod(r *http.Request) (time.Time, error) {
	raw := mux.Vars(r)["period"]
	period, err := time.Parse(periodLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period %q, want YYYY-MM-DD", raw)
	}
	return period, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	ciks, err := s.repo.Holdings.ListFunds(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("list funds failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"funds": ciks})
}

func (s *Server) handleFundQuarters(w http.ResponseWriter, r *http.Request) {
	cik := mux.Vars(r)["cik"]
	quarters, err := s.repo.Holdings.ListQuarters(r.Context(), cik)
	if err != nil {
		log.Error().Err(err).Str("cik", cik).Msg("list quarters failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]string, len(quarters))
	for i, q := range quarters {
		out[i] = q.Format(periodLayout)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cik": cik, "quarters": out})
}

func (s *Server) handleFundDiff(w http.ResponseWriter, r *http.Request) {
	cik := mux.Vars(r)["cik"]
	period, err := parsePeriod(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fd, err := s.loadFundDiff(r.Context(), cik, period)
	if err != nil {
		log.Error().Err(err).Str("cik", cik).Msg("load fund diff failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	if fd == nil {
		s.writeError(w, r, http.StatusNotFound, "no diff for this fund and period")
		return
	}
	s.writeJSON(w, http.StatusOK, fd)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.signalsOr404(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleCrowded(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.signalsOr404(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":         sig.Period.Format(periodLayout),
		"crowded_trades": sig.CrowdedTrades,
	})
}

func (s *Server) handleDivergences(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.signalsOr404(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":      sig.Period.Format(periodLayout),
		"divergences": sig.Divergences,
	})
}

func (s *Server) handleOverlap(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.signalsOr404(w, r)
	if !ok {
		return
	}
	if sig.Overlap == nil {
		s.writeError(w, r, http.StatusNotFound, "no overlap matrix for this period")
		return
	}
	s.writeJSON(w, http.StatusOK, sig.Overlap)
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	fs, err := s.repo.Results.GetFindings(r.Context(), period)
	if err != nil {
		log.Error().Err(err).Msg("load findings failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	if fs == nil {
		s.writeError(w, r, http.StatusNotFound, "no findings for this period")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":   period.Format(periodLayout),
		"findings": fs,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sig, err := s.loadSignals(r.Context(), period)
	if err != nil {
		log.Error().Err(err).Msg("load signals failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	if sig == nil {
		s.writeError(w, r, http.StatusNotFound, "no signals for this period")
		return
	}

	ciks, err := s.repo.Holdings.ListFunds(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("list funds failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	var fundDiffs []*diff.FundDiff
	for _, cik := range ciks {
		fd, err := s.loadFundDiff(r.Context(), cik, period)
		if err != nil {
			log.Error().Err(err).Str("cik", cik).Msg("load fund diff failed")
			s.writeError(w, r, http.StatusInternalServerError, "storage error")
			return
		}
		if fd != nil {
			fundDiffs = append(fundDiffs, fd)
		}
	}

	topFindings, err := s.repo.Results.GetFindings(r.Context(), period)
	if err != nil {
		log.Error().Err(err).Msg("load findings failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}

	md := report.Quarterly(fundDiffs, sig, topFindings, time.Now(), report.DefaultOptions())
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, md)
}

// signalsOr404 parses the period, loads the signal set and handles the
// error responses. ok is false when a response was already written.
func (s *Server) signalsOr404(w http.ResponseWriter, r *http.Request) (*aggregate.Signals, bool) {
	period, err := parsePeriod(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return nil, false
	}
	sig, err := s.loadSignals(r.Context(), period)
	if err != nil {
		log.Error().Err(err).Msg("load signals failed")
		s.writeError(w, r, http.StatusInternalServerError, "storage error")
		return nil, false
	}
	if sig == nil {
		s.writeError(w, r, http.StatusNotFound, "no signals for this period")
		return nil, false
	}
	return sig, true
}

// loadSignals reads through the cache when one is configured. Cache
// failures degrade to the repository; they never fail the request.
func (s *Server) loadSignals(ctx context.Context, period time.Time) (*aggregate.Signals, error) {
	if s.cache != nil {
		sig, err := s.cache.GetSignals(ctx, period)
		if err != nil {
			log.Warn().Err(err).Msg("signals cache read failed")
		} else if sig != nil {
			s.metrics.RecordCacheHit("signals")
			return sig, nil
		} else {
			s.metrics.RecordCacheMiss("signals")
		}
	}

	sig, err := s.repo.Results.GetSignals(ctx, period)
	if err != nil || sig == nil {
		return sig, err
	}
	if s.cache != nil {
		if err := s.cache.SetSignals(ctx, sig); err != nil {
			log.Warn().Err(err).Msg("signals cache write failed")
		}
	}
	return sig, nil
}

func (s *Server) loadFundDiff(ctx context.Context, cik string, period time.Time) (*diff.FundDiff, error) {
	if s.cache != nil {
		fd, err := s.cache.GetFundDiff(ctx, cik, period)
		if err != nil {
			log.Warn().Err(err).Msg("diff cache read failed")
		} else if fd != nil {
			s.metrics.RecordCacheHit("diff")
			return fd, nil
		} else {
			s.metrics.RecordCacheMiss("diff")
		}
	}

	fd, err := s.repo.Results.GetFundDiff(ctx, cik, period)
	if err != nil || fd == nil {
		return fd, err
	}
	if s.cache != nil {
		if err := s.cache.SetFundDiff(ctx, fd); err != nil {
			log.Warn().Err(err).Msg("diff cache write failed")
		}
	}
	return fd, nil
}
