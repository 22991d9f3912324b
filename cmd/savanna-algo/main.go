package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"code.savanna.org/golang/internal/config"
	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/identifier"
	"code.savanna.org/golang/pkg/identifier/boltdb"
)

const usageFmt = `
Command Usage: %s [Flags]
  Run the savanna identifier (algorithm) service.

Flags:
------
`

type Cmd struct {
	Config config.Algo
	Log    *slog.Logger
}

func parseFlags(progname string, args []string) *Cmd {
	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	var cfgPath, listen, storePath string
	flags.StringVar(&cfgPath, "config", "", `path of the YAML configuration file`)
	flags.StringVar(&listen, "listen", "", `address the service listens on, overrides algo.listen`)
	flags.StringVar(&storePath, "store", "", `identity database path, overrides algo.storePath`)

	flags.Parse(args)

	cfg, err := config.Load(cfgPath)
	if nil != err {
		log.Fatalf("Failed loading configuration, got error %v", err)
	}
	if "" != listen {
		cfg.Algo.Listen = listen
	}
	if "" != storePath {
		cfg.Algo.StorePath = storePath
	}
	if err = cfg.Validate(); nil != err {
		log.Fatalf("Invalid configuration, got error %v", err)
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if nil != err {
		log.Fatalf("Failed creating logger, got error %v", err)
	}

	return &Cmd{Config: cfg.Algo, Log: logger}
}

func (self *Cmd) run(ctx context.Context) error {
	cfg := self.Config
	metrics := observability.DefaultMetrics()

	store, err := boltdb.New(cfg.StorePath)
	if nil != err {
		return err
	}
	defer store.Close()

	var signingKey []byte
	if "" != cfg.QRSigningKey {
		signingKey = []byte(cfg.QRSigningKey)
	} else {
		self.Log.Warn("qrSigningKey is not set, QR payloads are unsigned")
	}

	svc, err := identifier.NewService(identifier.ServiceConfig{Store: store, SigningKey: signingKey})
	if nil != err {
		return err
	}
	analyze, err := identifier.NewAnalyzeHandler(svc, cfg.MaxBodyBytes)
	if nil != err {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware{
		TraceIdHeader: cfg.TraceIdHeader,
		Logger:        self.Log,
		Metrics:       metrics,
	}.Wrap)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Method(http.MethodPost, identifier.AnalyzePath, analyze)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return transport.Serve(ctx, srv, self.Log)
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx); nil != err {
		cmd.Log.Error("savanna-algo failed", "error", err)
		os.Exit(1)
	}
}
