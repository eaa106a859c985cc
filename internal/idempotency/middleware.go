// Package idempotency lets clients retry payment creation safely. A repeated
// POST carrying the same Idempotency-Key and body gets the first response
// back instead of opening a second gateway session.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	apierrors "github.com/dentiq/payrecon/internal/errors"
	"github.com/dentiq/payrecon/internal/logger"
)

const (
	// HeaderKey carries the client's idempotency key.
	HeaderKey = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "Idempotent-Replayed"

	// DefaultTTL is how long completed responses are replayed.
	DefaultTTL = 24 * time.Hour

	maxKeyLength = 255
	maxBodyBytes = 64 << 10
)

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays 2xx responses for repeated keys. Keys are scoped to the
// method and path; any other outcome releases the key so the client can retry.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(rawKey) > maxKeyLength {
				apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "Idempotency-Key is too long", "field", HeaderKey)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidBody, "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			log := logger.FromContext(ctx)
			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			cached, err := store.Reserve(ctx, key, fingerprint(r, body), ttl)
			switch {
			case errors.Is(err, ErrInProgress):
				apierrors.WriteSimpleError(w, apierrors.ErrCodeRequestInProgress, "a request with this Idempotency-Key is still in progress")
				return
			case errors.Is(err, ErrKeyReused):
				log.Warn().Str("idempotency_key", rawKey).Msg("idempotency.key_reused")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyKeyReused, "Idempotency-Key was already used with a different request")
				return
			case err != nil:
				log.Error().Err(err).Msg("idempotency.reserve_failed")
				next.ServeHTTP(w, r)
				return
			}
			if cached != nil {
				for k, vs := range cached.Header {
					w.Header()[k] = append([]string(nil), vs...)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				log.Debug().Str("idempotency_key", rawKey).Msg("idempotency.replayed")
				return
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					_ = store.Release(ctx, key)
				}
			}()

			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				resp := &Response{
					StatusCode: rw.statusCode,
					Header:     w.Header().Clone(),
					Body:       append([]byte(nil), rw.body.Bytes()...),
					StoredAt:   time.Now(),
				}
				if err := store.Complete(ctx, key, resp, ttl); err != nil {
					log.Error().Err(err).Msg("idempotency.complete_failed")
					return
				}
				completed = true
			}
		})
	}
}

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
