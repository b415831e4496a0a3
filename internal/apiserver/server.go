// Package apiserver implements the core HTTP surface: GET /attestation and
// POST /prove (§6), wrapping the Attestation Provider, Key Vault, and Prove
// Service behind the teacher's middleware-chain style, trimmed to the two
// core endpoints.
package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/auditlog"
	"github.com/tee-rex/tee-rex/internal/prove"
	"github.com/tee-rex/tee-rex/internal/ratelimit"
	"github.com/tee-rex/tee-rex/internal/vault"
)

// defaultMaxBodySize bounds a /prove request body (§8: "Envelope larger
// than configured max body size → 413 / InvalidEnvelope"). A prove envelope
// is base64 JSON, not the proof itself, so this is generous but not
// unbounded.
const defaultMaxBodySize = 8 << 20 // 8 MiB

// Server holds the enclave-resident dependencies needed to answer the core
// HTTP surface.
type Server struct {
	vault    *vault.Vault
	provider attestation.Provider
	mode     attestation.Mode
	prove    *prove.Service
	audit    *auditlog.Logger
	limiter  *ratelimit.Limiter
	maxBody  int64

	mux *http.ServeMux
}

// Config wires a Server's dependencies.
type Config struct {
	Vault    *vault.Vault
	Provider attestation.Provider
	Mode     attestation.Mode
	Prove    *prove.Service
	Audit    *auditlog.Logger
	Limiter  *ratelimit.Limiter // optional; nil disables rate limiting
	// MaxBodySize caps a /prove request body in bytes; 0 uses
	// defaultMaxBodySize.
	MaxBodySize int64
}

// New constructs a Server and registers its routes.
func New(cfg Config) *Server {
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	s := &Server{
		vault:    cfg.Vault,
		provider: cfg.Provider,
		mode:     cfg.Mode,
		prove:    cfg.Prove,
		audit:    cfg.Audit,
		limiter:  cfg.Limiter,
		maxBody:  maxBody,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /attestation", s.handleAttestation)
	s.mux.HandleFunc("POST /prove", s.handleProve)
	return s
}

// Handler returns the fully wrapped handler: logging → rate limiting →
// routes, matching the teacher's middleware chain order minus the
// auth/CORS layers this service has no use for (no browser clients, no
// session cookies).
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return s.loggingMiddleware(h)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// attestationResponse is the tagged union of §6's GET /attestation body.
type attestationResponse struct {
	Mode                string `json:"mode"`
	PublicKey           string `json:"publicKey"`
	AttestationDocument string `json:"attestationDocument,omitempty"`
	Quote               string `json:"quote,omitempty"`
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	var challenge []byte
	if n := r.URL.Query().Get("nonce"); n != "" {
		decoded, err := base64.StdEncoding.DecodeString(n)
		if err != nil {
			s.writeAppErr(w, r, "attestation.fetch", apperr.New(apperr.InvalidEnvelope, "malformed nonce"))
			return
		}
		challenge = decoded
	}

	artifact, err := s.provider.Attest(challenge)
	if err != nil {
		s.writeAppErr(w, r, "attestation.fetch", err)
		return
	}

	resp := attestationResponse{Mode: string(artifact.Mode), PublicKey: artifact.PublicKey}
	switch artifact.Mode {
	case attestation.Nitro:
		resp.AttestationDocument = base64.StdEncoding.EncodeToString(artifact.Document)
	case attestation.SGX:
		resp.Quote = base64.StdEncoding.EncodeToString(artifact.Document)
	}

	s.auditSuccess("attestation.fetch", r)
	writeJSON(w, http.StatusOK, resp)
}

type proveRequest struct {
	Data string `json:"data"`
}

type proveResponse struct {
	Proof string `json:"proof"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleProve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req proveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeAppErr(w, r, "prove.request", apperr.NewReason(apperr.InvalidEnvelope, apperr.BodyTooLarge, err.Error()))
			return
		}
		s.writeAppErr(w, r, "prove.request", apperr.Wrap(apperr.InvalidEnvelope, err))
		return
	}

	envelope, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.writeAppErr(w, r, "prove.request", apperr.Wrap(apperr.InvalidEnvelope, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	proof, err := s.prove.Handle(ctx, s.mode, envelope)
	if err != nil {
		s.writeAppErr(w, r, "prove.request", err)
		return
	}

	s.auditSuccess("prove.request", r)
	writeJSON(w, http.StatusOK, proveResponse{Proof: base64.StdEncoding.EncodeToString(proof)})
}

func (s *Server) writeAppErr(w http.ResponseWriter, r *http.Request, action string, err error) {
	ce, ok := apperr.As(err)
	if !ok {
		ce = apperr.Wrap(apperr.Unavailable, err)
	}
	log.Printf("error action=%s code=%s detail=%s", action, ce.Code, ce.Error())
	if s.audit != nil {
		s.audit.Log(auditlog.Event{
			Action:  action,
			IP:      s.clientIP(r),
			Outcome: "error",
			Code:    string(ce.Code),
		})
	}
	writeJSON(w, ce.Status(), errorResponse{Error: string(ce.Code)})
}

func (s *Server) auditSuccess(action string, r *http.Request) {
	if s.audit == nil {
		return
	}
	s.audit.Log(auditlog.Event{Action: action, IP: s.clientIP(r), Outcome: "success"})
}

// clientIP prefers the rate limiter's trust-hop-aware resolution, falling
// back to the raw connection address when no limiter is configured.
func (s *Server) clientIP(r *http.Request) string {
	if s.limiter != nil {
		return s.limiter.ClientIP(r)
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
