package app

import (
	"net/http"

	"dmrelay/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	st *storeHandle,
	ws *realtime.WSGateway,
	reg *prometheus.Registry,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !st.persistent() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			log.Info("readyz.db.not_ready", "store", st.kind, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mux.Handle("GET /ws", ws)
}
