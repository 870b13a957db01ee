package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer; silent until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from MODELHUB_REQUEST_LOG.
var defaultLogLevel = parseLevel(os.Getenv("MODELHUB_REQUEST_LOG"))

// requestLogLevel honors ?log= and X-Log-Level overrides.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLogger returns a logger annotated with the request id.
func requestLogger(r *http.Request) zerolog.Logger {
	c := zlog.With().Str("path", r.URL.Path).Str("method", r.Method)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		c = c.Str("request_id", rid)
	}
	return c.Logger()
}

// logRequests logs each request's outcome at the level chosen for it. Errors
// are logged at LevelError and above, everything else from LevelInfo.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		if lvl == LevelOff {
			next.ServeHTTP(w, r)
			return
		}
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		l := requestLogger(r)
		switch {
		case sr.status >= 500 || (sr.status >= 400 && lvl >= LevelInfo):
			l.Warn().Int("status", sr.status).Dur("dur", time.Since(start)).Msg("request failed")
		case lvl >= LevelInfo:
			l.Info().Int("status", sr.status).Dur("dur", time.Since(start)).Msg("request")
		}
	})
}

// loggingLineWriter logs complete NDJSON lines at debug level.
type loggingLineWriter struct {
	log zerolog.Logger
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			lw.log.Debug().RawJSON("line", lw.buf[:idx]).Msg("infer>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
