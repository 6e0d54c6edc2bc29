package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/runner-fleet/internal/idempotency"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxRequestBody    = 1 << 20
)

// withIdempotency reads the request body and runs execute. When the request
// carries an Idempotency-Key, the first response is stored and replayed for
// repeats of the same request.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, scope string, execute func(http.ResponseWriter, []byte)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if s.idempotency == nil || key == "" {
		execute(w, body)
		return
	}
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

	if stored, ok, err := s.idempotency.Lookup(r.Context(), scope, key); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return
	} else if ok {
		s.replay(w, stored, fingerprint)
		return
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	claimed, err := s.idempotency.Claim(r.Context(), scope, key, owner, s.idempotencyLock)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return
	}
	if !claimed {
		if stored, ok, err := s.waitForStoredResponse(r.Context(), scope, key, 4*time.Second); err == nil && ok {
			s.replay(w, stored, fingerprint)
			return
		}
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		_ = s.idempotency.Release(releaseCtx, scope, key, owner)
	}()

	rec := httptest.NewRecorder()
	execute(rec, body)
	result := rec.Result()
	defer result.Body.Close()
	respBody, _ := io.ReadAll(result.Body)

	if result.StatusCode < 500 {
		stored := idempotency.Response{
			StatusCode:  result.StatusCode,
			ContentType: result.Header.Get("Content-Type"),
			Body:        bytes.Clone(respBody),
			Fingerprint: fingerprint,
		}
		if err := s.idempotency.Save(context.WithoutCancel(r.Context()), scope, key, stored, s.idempotencyTTL); err != nil {
			s.logger.Printf("admin api idempotency save failed: scope=%s err=%v", scope, err)
		}
	}
	copyResponse(w, result.Header, result.StatusCode, respBody)
}

func (s *Server) replay(w http.ResponseWriter, stored idempotency.Response, fingerprint string) {
	if stored.Fingerprint != "" && stored.Fingerprint != fingerprint {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", idempotency.ErrKeyReused.Error())
		return
	}
	if contentType := strings.TrimSpace(stored.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set(replayedHeader, "true")
	status := stored.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(stored.Body)
}

func (s *Server) waitForStoredResponse(ctx context.Context, scope, key string, timeout time.Duration) (idempotency.Response, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		stored, ok, err := s.idempotency.Lookup(waitCtx, scope, key)
		if err != nil || ok {
			return stored, ok, err
		}
		select {
		case <-waitCtx.Done():
			return idempotency.Response{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
