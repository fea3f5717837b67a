// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/warden-project/warden/executor"
	"github.com/warden-project/warden/gateway"
	"github.com/warden-project/warden/installer"
	"github.com/warden-project/warden/policy"
	"github.com/warden-project/warden/session"
)

type testStack struct {
	handler  http.Handler
	registry *session.Registry
	shutdown chan struct{}
}

// newTestStack wires the full component stack behind the API handler,
// with real filesystem workspaces and real command execution.
func newTestStack(t *testing.T, configure func(*policy.Policy, *HandlerConfig)) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := policy.Default()
	p.AllowedExecutables = append(p.AllowedExecutables, "sh", "sleep", "true")
	p.AllowShell = true
	p.AllowedPackages = []string{"numpy", "pandas"}

	registry, err := session.NewRegistry(session.Config{
		WorkspaceDir: t.TempDir(),
		Quota: session.Quota{
			MaxConcurrentCommands: 2,
			MaxFileBytes:          1 << 20,
			MaxWorkspaceBytes:     4 << 20,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	t.Cleanup(registry.Close)

	exec := executor.New(executor.Config{
		Policy:         p,
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     30 * time.Second,
		OutputLimit:    64 * 1024,
		Logger:         logger,
	})

	shutdown := make(chan struct{})
	handlerConfig := HandlerConfig{
		Registry: registry,
		Executor: exec,
		Gateway:  gateway.New(logger),
		Installer: installer.New(installer.Config{
			Policy:   p,
			Executor: exec,
			Timeout:  10 * time.Second,
			Logger:   logger,
		}),
		RequestShutdown: func() { close(shutdown) },
		Logger:          logger,
	}
	if configure != nil {
		configure(p, &handlerConfig)
	}

	return &testStack{
		handler:  NewHandler(handlerConfig).Routes(),
		registry: registry,
		shutdown: shutdown,
	}
}

func (stack *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestHealth(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodGet, "/api/v1/health", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	response := decodeResponse[map[string]string](t, recorder)
	if response["status"] != "ok" {
		t.Errorf(`status field = %q, want "ok"`, response["status"])
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodPost, "/api/v1/write_file", map[string]any{
		"session_id": "a", "path": "notes.txt", "content": "hi",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("write status = %d, body %s", recorder.Code, recorder.Body)
	}
	written := decodeResponse[writeFileResponse](t, recorder)
	if written.BytesWritten != 2 {
		t.Errorf("bytes_written = %d, want 2", written.BytesWritten)
	}
	if written.Digest == "" {
		t.Error("digest is empty")
	}

	recorder = stack.do(t, http.MethodGet, "/api/v1/read_file?session_id=a&path=notes.txt", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("read status = %d, body %s", recorder.Code, recorder.Body)
	}
	read := decodeResponse[readFileResponse](t, recorder)
	if read.Content != "hi" {
		t.Errorf("content = %q, want %q", read.Content, "hi")
	}
}

func TestReadPathEscapeReturns403(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodGet,
		"/api/v1/read_file?session_id=a&path="+"..%2F..%2Fetc%2Fpasswd", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", recorder.Code, recorder.Body)
	}
	response := decodeResponse[errorResponse](t, recorder)
	if response.Kind != "path_violation" {
		t.Errorf("kind = %q, want path_violation", response.Kind)
	}
}

func TestExecuteArgv(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodPost, "/api/v1/execute", map[string]any{
		"session_id": "a", "argv": []string{"echo", "hello"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	response := decodeResponse[executeResponse](t, recorder)
	if response.ExitCode != 0 {
		t.Errorf("exit_code = %d, want 0", response.ExitCode)
	}
	if response.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", response.Stdout, "hello\n")
	}
}

func TestExecuteShellCommand(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodPost, "/api/v1/execute", map[string]any{
		"session_id": "a", "command": "echo one && echo two",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	response := decodeResponse[executeResponse](t, recorder)
	if response.Stdout != "one\ntwo\n" {
		t.Errorf("stdout = %q, want %q", response.Stdout, "one\ntwo\n")
	}
}

func TestExecuteShellDisabledReturns403(t *testing.T) {
	stack := newTestStack(t, func(p *policy.Policy, _ *HandlerConfig) {
		p.AllowShell = false
	})

	recorder := stack.do(t, http.MethodPost, "/api/v1/execute", map[string]any{
		"session_id": "a", "command": "echo hi",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", recorder.Code, recorder.Body)
	}
}

func TestExecuteTimeoutReturns408(t *testing.T) {
	stack := newTestStack(t, nil)

	start := time.Now()
	recorder := stack.do(t, http.MethodPost, "/api/v1/execute", map[string]any{
		"session_id": "a", "argv": []string{"sleep", "5"}, "timeout_seconds": 0.3,
	})
	elapsed := time.Since(start)

	if recorder.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408 (body %s)", recorder.Code, recorder.Body)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took %v, want bounded overhead past 300ms", elapsed)
	}
}

func TestInstallDisallowedReturns403(t *testing.T) {
	stack := newTestStack(t, nil)

	// Allow-list contains only numpy and pandas.
	recorder := stack.do(t, http.MethodPost, "/api/v1/install", map[string]any{
		"session_id": "a", "package": "left-pad-evil",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", recorder.Code, recorder.Body)
	}
	response := decodeResponse[errorResponse](t, recorder)
	if response.Kind != "not_allowed" {
		t.Errorf("kind = %q, want not_allowed", response.Kind)
	}
}

func TestSessionIDFromHeader(t *testing.T) {
	stack := newTestStack(t, nil)

	body, _ := json.Marshal(map[string]any{"path": "h.txt", "content": "via header"})
	request := httptest.NewRequest(http.MethodPost, "/api/v1/write_file", bytes.NewReader(body))
	request.Header.Set(sessionHeader, "header-session")
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}

	read := stack.do(t, http.MethodGet, "/api/v1/read_file?session_id=header-session&path=h.txt", nil)
	if read.Code != http.StatusOK {
		t.Fatalf("read status = %d", read.Code)
	}
}

func TestDefaultSessionFallback(t *testing.T) {
	stack := newTestStack(t, func(_ *policy.Policy, config *HandlerConfig) {
		config.DefaultSession = "default"
	})

	recorder := stack.do(t, http.MethodPost, "/api/v1/write_file", map[string]any{
		"path": "d.txt", "content": "implicit",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}

	read := stack.do(t, http.MethodGet, "/api/v1/read_file?session_id=default&path=d.txt", nil)
	if read.Code != http.StatusOK {
		t.Fatalf("read status = %d", read.Code)
	}
}

func TestNoSessionIDReturns400(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodPost, "/api/v1/write_file", map[string]any{
		"path": "x.txt", "content": "x",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", recorder.Code, recorder.Body)
	}
}

func TestMalformedBodyReturns400(t *testing.T) {
	stack := newTestStack(t, nil)

	request := httptest.NewRequest(http.MethodPost, "/api/v1/execute",
		strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestListSessions(t *testing.T) {
	stack := newTestStack(t, nil)

	stack.do(t, http.MethodPost, "/api/v1/write_file", map[string]any{
		"session_id": "alpha", "path": "a.txt", "content": "a",
	})
	stack.do(t, http.MethodPost, "/api/v1/write_file", map[string]any{
		"session_id": "beta", "path": "b.txt", "content": "b",
	})

	recorder := stack.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	response := decodeResponse[listSessionsResponse](t, recorder)
	if len(response.Sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(response.Sessions))
	}
	if response.Sessions[0].ID != "alpha" || response.Sessions[1].ID != "beta" {
		t.Errorf("sessions = %v, want alpha then beta", response.Sessions)
	}
}

func TestTerminateSession(t *testing.T) {
	stack := newTestStack(t, nil)

	stack.do(t, http.MethodPost, "/api/v1/write_file", map[string]any{
		"session_id": "doomed", "path": "f.txt", "content": "x",
	})

	recorder := stack.do(t, http.MethodDelete, "/api/v1/sessions/doomed", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}

	recorder = stack.do(t, http.MethodDelete, "/api/v1/sessions/doomed", nil)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", recorder.Code)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)

	recorder := stack.do(t, http.MethodPost, "/api/v1/shutdown", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	select {
	case <-stack.shutdown:
	default:
		t.Error("shutdown was not triggered")
	}
}

func TestShutdownDisabledReturns403(t *testing.T) {
	stack := newTestStack(t, func(_ *policy.Policy, config *HandlerConfig) {
		config.RequestShutdown = nil
	})

	recorder := stack.do(t, http.MethodPost, "/api/v1/shutdown", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", recorder.Code)
	}
}
