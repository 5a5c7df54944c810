// Command medved runs one coordination-core node: it binds the listen
// address, dials any seed peers given on the command line, and serves a
// Prometheus scrape endpoint until terminated.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medved-io/medved/internal/config"
	"github.com/medved-io/medved/internal/core"
	"github.com/medved-io/medved/internal/logging"
)

type seedList []string

func (s *seedList) String() string { return strings.Join(*s, ",") }

func (s *seedList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		storageRoot = flag.String("storage", "./data", "directory for metainf/, trlog/<uuid>/ and nodes/")
		listen      = flag.String("listen", ":7421", "address to accept peer connections on")
		metricsAddr = flag.String("metrics", ":9421", "address to serve /metrics on, empty to disable")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	var seeds seedList
	flag.Var(&seeds, "seed", "peer address to dial at startup; may be repeated")
	flag.Parse()

	log := logging.NewLogrus()
	log.ToggleDebug(*debug)

	cfg := config.Default(*storageRoot, *listen)
	cfg.MetricsAddress = *metricsAddr
	cfg.Logger = log

	reg := prometheus.NewRegistry()

	c, err := core.New(cfg, applyTable(log), reg)
	if err != nil {
		log.Fatalf("medved: create core: %v", err)
	}

	if err := c.Listen(); err != nil {
		log.Fatalf("medved: listen: %v", err)
	}
	log.Infof("medved: node %s listening on %s", c.Self(), *listen)

	for _, addr := range seeds {
		c.Connect(addr)
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("medved: metrics server: %v", err)
			}
		}()
		log.Infof("medved: metrics on %s/metrics", *metricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("medved: shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := c.Close(); err != nil {
		log.Errorf("medved: close: %v", err)
		os.Exit(1)
	}
}

// applyTable is the placeholder table-apply function: a real deployment
// wires this to a storage engine interpreting each committed TR-log
// payload as a row mutation. Logging every commit keeps the binary a
// useful smoke-test target on its own.
func applyTable(log logging.Logger) func(origin string, payload []byte) bool {
	return func(origin string, payload []byte) bool {
		log.Debugf("medved: commit origin=%s bytes=%d", origin, len(payload))
		return true
	}
}
