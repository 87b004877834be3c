// Package server wires the Ingestion Pipeline and Query Service to the
// HTTP surface described in spec §6: POST /submit, the agent registry
// endpoints, and the GET /batches family.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/logchain/logchain/pkg/api"
	"github.com/logchain/logchain/pkg/auth"
	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/ingest"
	"github.com/logchain/logchain/pkg/query"
	"github.com/logchain/logchain/pkg/ratelimit"
	"github.com/logchain/logchain/pkg/registry"
	"github.com/logchain/logchain/pkg/store"
)

// Server holds the dependencies every handler needs.
type Server struct {
	Pipeline      *ingest.Pipeline
	Query         *query.Service
	Registry      registry.Registry
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

// New builds an http.Handler with every route, request-ID propagation,
// CORS, and bearer-auth middleware applied.
func New(srv *Server, bearerToken string, corsOrigins []string, limiter ratelimit.Limiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.Handle("/submit", auth.BearerAuth(bearerToken)(http.HandlerFunc(srv.handleSubmit)))
	mux.HandleFunc("/agents/register", srv.handleRegisterAgent)
	mux.HandleFunc("/agents/rotate", srv.handleRotateAgent)
	mux.HandleFunc("/batches", srv.handleListBatches)
	mux.HandleFunc("/batches/checkpoints", srv.handleCheckpoints)
	mux.HandleFunc("/batches/export", srv.handleExport)
	mux.HandleFunc("/batches/", srv.handleGetBatch)

	// Bearer auth gates only POST /submit per §6; it is applied above,
	// inside the mux, rather than wrapped around the whole handler.
	var h http.Handler = mux
	h = api.RateLimitMiddleware(limiter)(h)
	h = auth.CORSMiddleware(corsOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.MaxBodyBytes+1))
	if err != nil {
		api.WriteBadRequest(w, "failed to read request body")
		return
	}
	if int64(len(body)) > s.MaxBodyBytes {
		api.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "submission exceeds SUBMIT_MAX_BODY_BYTES")
		return
	}

	sub, err := codec.UnmarshalSubmission(body)
	if err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	res, err := s.Pipeline.Submit(r.Context(), sub)
	if err != nil {
		writeSubmitError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        res.ID,
		"hash":      hexHash(res.Hash),
		"duplicate": res.Duplicate,
	})
}

func writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ingest.ErrUnregisteredAgent):
		api.WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ingest.ErrBadSignature):
		api.WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		var chainErr *store.ChainViolationError
		if errors.As(err, &chainErr) {
			writeJSONStatus(w, http.StatusConflict, map[string]any{
				"type":               "https://logchain.dev/errors/409",
				"title":              "Conflict",
				"status":             http.StatusConflict,
				"detail":             "chain does not extend the stored head",
				"expected_seq":       chainErr.ExpectedSeq,
				"expected_prev_hash": hexHash(chainErr.ExpectedPrevHash),
			})
			return
		}
		api.WriteInternal(w, err)
	}
}

type registerRequest struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	key, err := decodeHex(req.PublicKey, 32)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.Registry.Register(r.Context(), req.AgentID, key); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			api.WriteConflict(w, err.Error())
			return
		}
		api.WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type rotateRequest struct {
	AgentID          string `json:"agent_id"`
	NewPublicKey     string `json:"new_public_key"`
	RotationSignature string `json:"rotation_signature"`
}

func (s *Server) handleRotateAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	newKey, err := decodeHex(req.NewPublicKey, 32)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	sig, err := decodeHex(req.RotationSignature, 64)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	err = s.Registry.Rotate(r.Context(), req.AgentID, newKey, sig)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, registry.ErrUnknownAgent):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, registry.ErrBadRotationSignature):
		api.WriteUnprocessableEntity(w, err.Error())
	default:
		api.WriteInternal(w, err)
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	filter := store.Filter{
		AgentID:      q.Get("agent_id"),
		LogSubstring: q.Get("log_substring"),
	}
	var err error
	if filter.SinceSeq, err = parseUintParam(q, "since_seq"); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit, err = parseIntParam(q, "limit", 100); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Offset, err = parseIntParam(q, "offset", 0); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	batches, err := s.Query.ListBatches(r.Context(), filter)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireList(batches))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/batches/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		api.WriteBadRequest(w, "batch id must be an integer")
		return
	}
	batch, err := s.Query.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "no batch with that id")
			return
		}
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codec.ToWire(&batch.Batch))
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	res, err := s.Query.Checkpoints(r.Context())
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	out := make([]map[string]any, 0, len(res.Heads))
	for _, h := range res.Heads {
		out = append(out, map[string]any{
			"agent_id":    h.AgentID,
			"latest_seq":  h.LatestSeq,
			"latest_hash": hexHash(h.LatestHash),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints":   out,
		"merkle_root":   res.MerkleRoot,
		"bundle_digest": res.BundleDigest,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	afterID, err := parseInt64Param(q, "after_id", 0)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := parseIntParam(q, "limit", 100)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	res, err := s.Query.Export(r.Context(), afterID, limit)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches":       toWireList(res.Batches),
		"bundle_digest": res.BundleDigest,
	})
}
