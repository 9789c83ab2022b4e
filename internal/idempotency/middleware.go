package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const HeaderKey = "X-Idempotency-Key"

// Middleware replays stored 2xx responses for a repeated X-Idempotency-Key.
// Keys are scoped by route pattern so the same key on two endpoints does not
// collide. A key reused with a different body is rejected with 422.
type Middleware struct {
	Store    Store
	Window   time.Duration
	Required bool
	Logger   *zap.Logger
	// OnReplay is called for every replayed response.
	OnReplay func(scope string)
}

func (m *Middleware) Wrap(scope string, next http.Handler) http.Handler {
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			if m.Required {
				writeJSONError(w, http.StatusBadRequest, "missing "+HeaderKey+" header", "bad_request")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unreadable body", "bad_request")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		storeKey := scope + ":" + key
		fp := Fingerprint(r.Method, r.URL.Path, body)

		existing, err := m.Store.Get(ctx, storeKey)
		if err != nil {
			log.Warn("idempotency lookup failed", zap.String("key", storeKey), zap.Error(err))
		}
		if existing != nil {
			if err := existing.Check(fp); err != nil {
				writeJSONError(w, http.StatusUnprocessableEntity, err.Error(), "idempotency_conflict")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			if m.OnReplay != nil {
				m.OnReplay(scope)
			}
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// 202 is provisional: a retry must reach the handler to learn the outcome.
		if rec.status < 200 || rec.status >= 300 || rec.status == http.StatusAccepted {
			return
		}
		now := time.Now()
		record := Record{
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			Fingerprint: fp,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.Window),
		}
		if err := m.Store.Save(ctx, storeKey, record); err != nil {
			log.Error("idempotency save failed", zap.String("key", storeKey), zap.Error(err))
		}
	})
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
