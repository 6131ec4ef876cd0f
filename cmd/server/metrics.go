package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matst80/wsrelay/internal/registry"
	"github.com/matst80/wsrelay/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsServer serves Prometheus metrics plus lightweight dashboard & state endpoints.
func newMetricsServer(addr string, state registry.Store) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           metricsMux(state),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func metricsMux(state registry.Store) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(r.Context(), state)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(r.Context(), state)
		renderPage(w, "dashboard", st.ToTemplateMap())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.IsClosing() || !state.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// renderPage buffers the page so a failed render never leaves a partial 200.
func renderPage(w http.ResponseWriter, name string, data map[string]any) {
	var buf bytes.Buffer
	if err := web.Render(&buf, name, data); err != nil {
		http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = buf.WriteTo(w)
}
