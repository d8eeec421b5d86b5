package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	gethprometheus "github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethereum/go-ethereum/log"
)

// Exporter serves the registry's metrics in Prometheus text format on its
// own HTTP listener, deliberately separate from the JSON work-server API
// so the POST-only contract never has to special-case a GET route.
type Exporter struct {
	srv *http.Server
	log log.Logger
}

// Serve starts listening on addr in a background goroutine. An empty addr
// disables the exporter entirely (the zero Exporter's Close is a no-op).
func Serve(addr string, registry gethmetrics.Registry) (*Exporter, error) {
	if addr == "" {
		return &Exporter{}, nil
	}
	collector := gethprometheus.NewCollector(registry, "workserver")
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	e := &Exporter{srv: srv, log: log.New("component", "metrics")}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics exporter stopped", "err", err)
		}
	}()
	e.log.Info("metrics exporter listening", "addr", addr)
	return e, nil
}

// Close shuts the exporter down, if one is running.
func (e *Exporter) Close(ctx context.Context) error {
	if e == nil || e.srv == nil {
		return nil
	}
	return e.srv.Shutdown(ctx)
}
