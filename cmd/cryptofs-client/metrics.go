package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptofs_client_cache_hits_total",
		Help: "Cache hits, by cache.",
	}, []string{"cache"})
	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptofs_client_cache_misses_total",
		Help: "Cache misses, by cache.",
	}, []string{"cache"})
	cacheFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptofs_client_cache_flushes_total",
		Help: "Dirty lines flushed to the server, by cache.",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, cacheFlushes)
}

// cacheMetrics implements cache.Metrics over the package's Prometheus
// counters. One instance is shared by all three caches.
type cacheMetrics struct{}

func (cacheMetrics) Hit(kind string)   { cacheHits.WithLabelValues(kind).Inc() }
func (cacheMetrics) Miss(kind string)  { cacheMisses.WithLabelValues(kind).Inc() }
func (cacheMetrics) Flush(kind string) { cacheFlushes.WithLabelValues(kind).Inc() }

// metrics starts the Prometheus/pprof debug server. It blocks, so callers
// run it in its own goroutine.
func metrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(rw, req)
			return
		}
		fmt.Fprintln(rw, "cryptofs-client metrics and debugging server")
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := http.Server{Addr: addr, Handler: mux}
	server.ListenAndServe()
}
