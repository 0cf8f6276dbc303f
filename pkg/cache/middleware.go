package cache

import (
	"bytes"
	"net/http"

	"github.com/installerkit/installerkit/pkg/telemetry"
)

// captureWriter records the status and body written by the wrapped handler.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware serves GET requests from c, keyed by the request URI, and
// stores 200 responses on a miss. X-Cache reports HIT or MISS. A nil cache
// disables caching.
func Middleware(c *ResponseCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			if body, ct, ok := c.Get(key); ok {
				if ct != "" {
					w.Header().Set("Content-Type", ct)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			cw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(cw, r)

			if cw.status == http.StatusOK {
				c.Set(key, cw.body.Bytes(), cw.Header().Get("Content-Type"))
			}
		})
	}
}

// InvalidatingSink clears the cache whenever a telemetry event arrives, so
// cached dashboards never outlive the data they were built from.
type InvalidatingSink struct {
	Cache *ResponseCache
}

var _ telemetry.Sink = InvalidatingSink{}

func (s InvalidatingSink) Record(telemetry.Event) {
	if s.Cache != nil {
		s.Cache.Clear()
	}
}
