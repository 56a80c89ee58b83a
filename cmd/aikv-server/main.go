// aikv-server is the cluster-aware key-value server: a RESP front end for
// clients, a gossip bus for peers, and a Prometheus endpoint for operators.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/cluster/migrate"
	"github.com/Genuineh/AiKv/internal/cluster/router"
	"github.com/Genuineh/AiKv/internal/engine"
	"github.com/Genuineh/AiKv/internal/protocol"
)

var cli struct {
	Bind string `help:"Address to bind the client listener to." default:"0.0.0.0" env:"AIKV_BIND"`
	Port int    `help:"Client port. The cluster bus listens on port+10000." default:"6379" env:"AIKV_PORT"`

	ClusterEnabled bool          `help:"Run in cluster mode." env:"AIKV_CLUSTER_ENABLED"`
	AnnounceIP     string        `help:"IP other nodes use to reach this one." default:"127.0.0.1" env:"AIKV_ANNOUNCE_IP"`
	NodeTimeout    time.Duration `help:"Time after which an unresponsive peer is suspected." default:"15s" env:"AIKV_NODE_TIMEOUT"`

	Engine  string `help:"Storage engine." enum:"memory,badger" default:"memory" env:"AIKV_ENGINE"`
	DataDir string `help:"Directory for persistent state." default:"./data" env:"AIKV_DATA_DIR"`

	MetricsAddr string `help:"Prometheus listen address, empty to disable." default:":9121" env:"AIKV_METRICS_ADDR"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"AIKV_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"AIKV_LOG_FORMAT"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("aikv-server"),
		kong.Description("Cluster-aware RESP key-value server."),
		kong.UsageOnError(),
	)

	setupLogging()

	store, err := openEngine()
	kctx.FatalIfErrorf(err)
	defer store.Close()

	var (
		clu      *cluster.Cluster
		rtr      *router.Router
		migrator *migrate.Worker
	)
	if cli.ClusterEnabled {
		clu, err = cluster.New(cluster.Config{
			Enabled:     true,
			IP:          cli.AnnounceIP,
			Port:        cli.Port,
			NodeTimeout: cli.NodeTimeout,
			StatePath:   filepath.Join(cli.DataDir, "cluster-state.json"),
		})
		kctx.FatalIfErrorf(err)
		rtr = router.New(clu.Topology(), clu, store)
		migrator = migrate.New(clu, store)
		kctx.FatalIfErrorf(clu.Start())
	}

	if cli.MetricsAddr != "" {
		go serveMetrics(cli.MetricsAddr)
	}

	handler := protocol.NewHandler(store, clu, rtr, migrator)
	server := protocol.NewServer(fmt.Sprintf("%s:%d", cli.Bind, cli.Port), handler)

	ready := make(chan error, 1)
	go func() {
		if err := server.ListenServeAndSignal(ready); err != nil {
			log.WithError(err).Fatal("client listener")
		}
	}()
	if err := <-ready; err != nil {
		log.WithError(err).Fatal("bind client listener")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	server.Close()
	if clu != nil {
		if err := clu.Stop(); err != nil {
			log.WithError(err).Error("stop cluster")
		}
	}
}

func setupLogging() {
	if cli.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cli.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func openEngine() (engine.Engine, error) {
	switch cli.Engine {
	case "badger":
		return engine.NewBadger(filepath.Join(cli.DataDir, "badger"))
	default:
		return engine.NewMemory(), nil
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.WithField("addr", addr).Info("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener")
	}
}
