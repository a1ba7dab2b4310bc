package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/wire"
)

var (
	requestsServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptofs_server_requests_served_total",
		Help: "Number of wire requests served, by opcode.",
	}, []string{"opcode"})
	bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cryptofs_server_bytes_in_total",
		Help: "Bytes read from client connections.",
	})
	bytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cryptofs_server_bytes_out_total",
		Help: "Bytes written to client connections.",
	})
)

func init() {
	prometheus.MustRegister(requestsServed, bytesIn, bytesOut)
}

// serverMetrics implements server.Metrics over the package's Prometheus
// counters, plus an in-memory request tally for the debug index page.
type serverMetrics struct {
	total int64
}

func (m *serverMetrics) RequestServed(op wire.Opcode) {
	atomic.AddInt64(&m.total, 1)
	requestsServed.WithLabelValues(opcodeLabel(op)).Inc()
}

func (m *serverMetrics) BytesIn(n int)  { bytesIn.Add(float64(n)) }
func (m *serverMetrics) BytesOut(n int) { bytesOut.Add(float64(n)) }

func opcodeLabel(op wire.Opcode) string {
	switch op {
	case wire.OpSync:
		return "sync"
	case wire.OpRead:
		return "read"
	case wire.OpWrite:
		return "write"
	case wire.OpNoDat:
		return "ndat"
	default:
		return "unknown"
	}
}

// metrics starts the Prometheus/pprof debug server. It blocks, so callers
// run it in its own goroutine.
func metrics(addr string, m *serverMetrics) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(rw, req)
			return
		}
		fmt.Fprintf(rw, "cryptofs-server: %d requests served\n", atomic.LoadInt64(&m.total))
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
