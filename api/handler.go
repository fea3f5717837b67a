// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/warden-project/warden/executor"
	"github.com/warden-project/warden/fault"
	"github.com/warden-project/warden/gateway"
	"github.com/warden-project/warden/installer"
	"github.com/warden-project/warden/session"
)

// sessionHeader carries the session id when the request body has
// none.
const sessionHeader = "X-Warden-Session"

// maxBodyBytes bounds request body decode. Write payloads dominate;
// the per-file quota is enforced separately by the gateway, this is
// only a transport-level backstop.
const maxBodyBytes = 32 << 20

// Handler routes controller API requests. Stateless; safe for
// concurrent use.
type Handler struct {
	registry  *session.Registry
	executor  *executor.Executor
	gateway   *gateway.Gateway
	installer *installer.Installer

	// defaultSession is used when a request names no session.
	// Empty means requests without an explicit id are rejected.
	defaultSession string

	// requestShutdown initiates daemon shutdown when the shutdown
	// endpoint is hit. Nil disables the endpoint.
	requestShutdown func()

	logger *slog.Logger
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Registry, Executor, Gateway, and Installer are the sandbox
	// components requests are delegated to. All required.
	Registry  *session.Registry
	Executor  *executor.Executor
	Gateway   *gateway.Gateway
	Installer *installer.Installer

	// DefaultSession names the session used for requests without an
	// explicit id. Optional; when empty such requests fail with 400.
	// Callers relying on isolation must supply explicit ids either
	// way.
	DefaultSession string

	// RequestShutdown is invoked by the shutdown endpoint after the
	// response is written. Optional; nil returns 403 from that
	// endpoint.
	RequestShutdown func()

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHandler creates the API handler. Panics on missing required
// fields.
func NewHandler(config HandlerConfig) *Handler {
	if config.Registry == nil || config.Executor == nil || config.Gateway == nil || config.Installer == nil {
		panic("api: Registry, Executor, Gateway, and Installer are required")
	}
	if config.Logger == nil {
		panic("api: Logger is required")
	}
	return &Handler{
		registry:        config.Registry,
		executor:        config.Executor,
		gateway:         config.Gateway,
		installer:       config.Installer,
		defaultSession:  config.DefaultSession,
		requestShutdown: config.RequestShutdown,
		logger:          config.Logger,
	}
}

// Routes returns the http.Handler for the API surface, with request
// logging wrapped around the route mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("POST /api/v1/execute", h.handleExecute)
	mux.HandleFunc("POST /api/v1/write_file", h.handleWriteFile)
	mux.HandleFunc("GET /api/v1/read_file", h.handleReadFile)
	mux.HandleFunc("POST /api/v1/install", h.handleInstall)
	mux.HandleFunc("POST /api/v1/shutdown", h.handleShutdown)
	mux.HandleFunc("GET /api/v1/sessions", h.handleListSessions)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.handleTerminateSession)
	return h.logRequests(mux)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// respondFault maps a component fault to its HTTP status. Internal
// kinds get a generic message; their detail stays in the logs.
func (h *Handler) respondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := statusForKind(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("internal failure", "kind", kind, "error", err)
		message = "internal failure"
	}
	respondJSON(w, status, errorResponse{Error: message, Kind: kind.String()})
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.SessionNotFound, fault.SessionTerminated, fault.NotFound:
		return http.StatusNotFound
	case fault.PathViolation, fault.NotAllowed:
		return http.StatusForbidden
	case fault.QuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case fault.Busy:
		return http.StatusConflict
	case fault.Timeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// resolveSession turns the request's session id (explicit field,
// header, or configured default) into a live session, creating it on
// first reference.
func (h *Handler) resolveSession(ctx context.Context, r *http.Request, explicit string) (*session.Session, error) {
	id := explicit
	if id == "" {
		id = r.Header.Get(sessionHeader)
	}
	if id == "" {
		id = h.defaultSession
	}
	if id == "" {
		return nil, fault.New(fault.Validation, "no session id: set session_id, the %s header, or configure a default session", sessionHeader)
	}
	return h.registry.GetOrCreate(ctx, id)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fault.Wrap(fault.Validation, err, "decoding request body")
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executeRequest struct {
	SessionID string `json:"session_id"`

	// Argv is the preferred form: an explicit argument vector with
	// no shell interpretation.
	Argv []string `json:"argv"`

	// Command is a shell-interpreted string. Requires the policy to
	// allow shell execution.
	Command string `json:"command"`

	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type executeResponse struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var request executeRequest
	if err := decodeBody(w, r, &request); err != nil {
		h.respondFault(w, err)
		return
	}
	if request.TimeoutSeconds < 0 {
		h.respondFault(w, fault.New(fault.Validation, "negative timeout_seconds"))
		return
	}

	s, err := h.resolveSession(r.Context(), r, request.SessionID)
	if err != nil {
		h.respondFault(w, err)
		return
	}

	result, err := h.executor.Execute(r.Context(), s, executor.Request{
		Argv:    request.Argv,
		Shell:   request.Command,
		Timeout: time.Duration(request.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		h.respondFault(w, err)
		return
	}

	respondJSON(w, http.StatusOK, executeResponse{
		ExitCode:  result.ExitCode,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Truncated: result.Truncated,
		ElapsedMS: result.Elapsed.Milliseconds(),
	})
}

type writeFileRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type writeFileResponse struct {
	BytesWritten int64  `json:"bytes_written"`
	Digest       string `json:"digest"`
}

func (h *Handler) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var request writeFileRequest
	if err := decodeBody(w, r, &request); err != nil {
		h.respondFault(w, err)
		return
	}

	s, err := h.resolveSession(r.Context(), r, request.SessionID)
	if err != nil {
		h.respondFault(w, err)
		return
	}

	info, err := h.gateway.Write(s, request.Path, []byte(request.Content))
	if err != nil {
		h.respondFault(w, err)
		return
	}

	respondJSON(w, http.StatusOK, writeFileResponse{
		BytesWritten: info.BytesWritten,
		Digest:       info.Digest.String(),
	})
}

type readFileResponse struct {
	Content string `json:"content"`
}

func (h *Handler) handleReadFile(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	s, err := h.resolveSession(r.Context(), r, query.Get("session_id"))
	if err != nil {
		h.respondFault(w, err)
		return
	}

	content, err := h.gateway.Read(s, query.Get("path"))
	if err != nil {
		h.respondFault(w, err)
		return
	}

	respondJSON(w, http.StatusOK, readFileResponse{Content: string(content)})
}

type installRequest struct {
	SessionID string `json:"session_id"`
	Package   string `json:"package"`
	Version   string `json:"version"`
}

type installResponse struct {
	Installed string `json:"installed"`
	Version   string `json:"version"`
	Output    string `json:"output,omitempty"`
}

func (h *Handler) handleInstall(w http.ResponseWriter, r *http.Request) {
	var request installRequest
	if err := decodeBody(w, r, &request); err != nil {
		h.respondFault(w, err)
		return
	}
	if request.Package == "" {
		h.respondFault(w, fault.New(fault.Validation, "package is required"))
		return
	}

	s, err := h.resolveSession(r.Context(), r, request.SessionID)
	if err != nil {
		h.respondFault(w, err)
		return
	}

	result, err := h.installer.Install(r.Context(), s, request.Package, request.Version)
	if err != nil {
		h.respondFault(w, err)
		return
	}

	respondJSON(w, http.StatusOK, installResponse{
		Installed: result.Package,
		Version:   result.Version,
		Output:    result.Output,
	})
}

func (h *Handler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if h.requestShutdown == nil {
		h.respondFault(w, fault.New(fault.NotAllowed, "shutdown endpoint is disabled"))
		return
	}
	h.logger.Info("shutdown requested via api")
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	// After the response: the server's graceful drain handles the
	// rest.
	h.requestShutdown()
}

type listSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, listSessionsResponse{Sessions: h.registry.List()})
}

func (h *Handler) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Terminate(id); err != nil {
		h.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated", "id": id})
}

// logRequests wraps the mux with per-request structured logging. The
// request id ties a response log line to the component log lines the
// request produced.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := newRequestID()
		w.Header().Set("X-Warden-Request", requestID)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		h.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"elapsed", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

func newRequestID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("api: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
