package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/pipeline"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db       *db.DB
	pipeline *pipeline.Pipeline
	workDir  string

	// runMu serializes pass triggers: the passes share rate limits and
	// quota, overlapping runs would fight over both.
	runMu sync.Mutex
}

func NewServer(database *db.DB, pl *pipeline.Pipeline, workDir string) *Server {
	return &Server{
		db:       database,
		pipeline: pl,
		workDir:  workDir,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/parcels", s.listParcels)
	mux.HandleFunc("/api/progress", s.showProgress)
	mux.HandleFunc("/api/flood", s.lookupFlood)
	mux.HandleFunc("/api/run/scan", s.runPass(s.triggerScan))
	mux.HandleFunc("/api/run/slope", s.runPass(s.triggerSlope))
	mux.HandleFunc("/api/run/sentinel", s.runPass(s.triggerSentinel))
	mux.HandleFunc("/api/run/vacancy", s.runPass(s.triggerVacancy))
	mux.HandleFunc("/api/run/conviction", s.runPass(s.triggerConviction))
	mux.HandleFunc("/api/run/highres", s.runPass(s.triggerHighRes))
	return mux
}
