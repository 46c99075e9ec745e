package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpSettle/internal/ingestion"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []route{
		{"GET", "/v1/markets", s.listMarkets},
		{"GET", "/v1/markets/{market}", s.getMarket},
		{"GET", "/v1/markets/{market}/versions/{version}", s.getVersion},
		{"GET", "/v1/markets/{market}/accounts/{account}", s.getAccount},
		{"GET", "/v1/markets/{market}/events", s.getEvents},
		{"POST", "/v1/markets/{market}/accounts/{account}/settle", s.accountCommand(ingestion.KindSettle)},
		{"POST", "/v1/markets/{market}/accounts/{account}/update", s.accountCommand(ingestion.KindUpdate)},
		{"POST", "/v1/markets/{market}/accounts/{account}/liquidate", s.accountCommand(ingestion.KindLiquidate)},
		{"POST", "/v1/markets/{market}/fees/claim", s.claimFee},
		{"GET", "/v1/accounts/{account}/balance", s.getBalance},
		{"GET", "/v1/accounts/{account}/journal", s.getJournal},
		{"GET", "/v1/admin/integrity", s.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrument(rt.pattern, rt.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(sr, r, params)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sr.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// --- Reads ---

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	markets, err := s.deps.Query.ListMarkets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.Query.GetMarket(r.Context(), params["market"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request, params map[string]string) {
	number, err := strconv.ParseUint(params["version"], 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: version %q", errBadRequest, params["version"]))
		return
	}
	resp, err := s.deps.Query.GetVersion(r.Context(), params["market"], number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := pathID(params, "account")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Query.GetAccount(r.Context(), params["market"], account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	after, err := queryInt(r, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Query.GetEvents(r.Context(), params["market"], after, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := pathID(params, "account")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Query.GetBalance(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := pathID(params, "account")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.deps.Query.GetJournalHistory(r.Context(), account, int(limit), before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Commands ---

// accountCommand runs settle, update or liquidate for the account in the
// path and responds with the account as committed.
func (s *Server) accountCommand(kind ingestion.Kind) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		account, err := pathID(params, "account")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		replayed, err := s.apply(r, kind, params["market"], map[string]string{"account": account.String()})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp, err := s.deps.Query.GetAccount(r.Context(), params["market"], account)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) claimFee(w http.ResponseWriter, r *http.Request, params map[string]string) {
	replayed, err := s.apply(r, ingestion.KindClaim, params["market"], nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Query.GetMarket(r.Context(), params["market"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, resp)
}

// apply decodes the request body as the command's message payload, with
// fields from the path overriding the body. An Idempotency-Key header fills
// a missing idempotency_key. A replay of a processed key is not an error.
func (s *Server) apply(r *http.Request, kind ingestion.Kind, market string, fromPath map[string]string) (replayed bool, err error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return false, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}

	fields := make(map[string]json.RawMessage)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return false, fmt.Errorf("%w: %v", ingestion.ErrMalformed, err)
		}
	}
	for k, v := range fromPath {
		fields[k], _ = json.Marshal(v)
	}
	if _, ok := fields["idempotency_key"]; !ok {
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			fields["idempotency_key"], _ = json.Marshal(key)
		}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	cmd, err := ingestion.Parse(kind, market, data)
	if err != nil {
		return false, err
	}

	err = s.deps.Commands.Apply(r.Context(), cmd)
	if errors.Is(err, ingestion.ErrDuplicate) {
		return true, nil
	}
	return false, err
}

func pathID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q", errBadRequest, name, params[name])
	}
	return id, nil
}

// queryInt reads an optional integer query parameter; absent is 0.
func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q", errBadRequest, name, raw)
	}
	return n, nil
}
