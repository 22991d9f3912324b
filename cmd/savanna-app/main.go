package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"code.savanna.org/golang/internal/config"
	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/audit"
	"code.savanna.org/golang/pkg/forwarder"
	"code.savanna.org/golang/pkg/handshake"
	"code.savanna.org/golang/pkg/handshake/redisdb"
	"code.savanna.org/golang/pkg/keys/boltdb"
	"code.savanna.org/golang/pkg/permission"
	permbolt "code.savanna.org/golang/pkg/permission/boltdb"
	"code.savanna.org/golang/pkg/permission/pgdb"
	"code.savanna.org/golang/pkg/upload"
)

const usageFmt = `
Command Usage: %s [Flags]
  Run the savanna application service.

Flags:
------
`

type Cmd struct {
	Config    config.Config
	Log       *slog.Logger
	RotateKey bool
}

func parseFlags(progname string, args []string) *Cmd {
	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	var cfgPath, listen, algoUrl string
	flags.StringVar(&cfgPath, "config", "", `path of the YAML configuration file`)
	flags.StringVar(&listen, "listen", "", `address the service listens on, overrides app.listen`)
	flags.StringVar(&algoUrl, "algo", "", `identifier service analyze url, overrides app.algoUrl`)
	var rotateKey bool
	flags.BoolVar(&rotateKey, "rotate-key", false, `activate a new server key pair before serving`)

	flags.Parse(args)

	cfg, err := config.Load(cfgPath)
	if nil != err {
		log.Fatalf("Failed loading configuration, got error %v", err)
	}
	if "" != listen {
		cfg.App.Listen = listen
	}
	if "" != algoUrl {
		cfg.App.AlgoUrl = algoUrl
	}
	if err = cfg.Validate(); nil != err {
		log.Fatalf("Invalid configuration, got error %v", err)
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if nil != err {
		log.Fatalf("Failed creating logger, got error %v", err)
	}

	return &Cmd{Config: cfg, Log: logger, RotateKey: rotateKey}
}

// closers releases the stores opened by run, last opened first.
type closers []io.Closer

func (self closers) Close() {
	for i := len(self) - 1; i >= 0; i-- {
		self[i].Close()
	}
}

type closerFunc func() error

func (self closerFunc) Close() error {
	return self()
}

func (self *Cmd) run(ctx context.Context) error {
	cfg := self.Config.App
	metrics := observability.DefaultMetrics()
	ctx = observability.SetObservability(ctx, &observability.Observability{Logger: self.Log, Metrics: metrics})

	var cls closers
	defer func() { cls.Close() }()

	keyStore, err := boltdb.New(cfg.KeyDBPath)
	if nil != err {
		return err
	}
	cls = append(cls, keyStore)
	if self.RotateKey {
		if _, err = keyStore.Rotate(ctx); nil != err {
			return fmt.Errorf("failed rotating server key: %w", err)
		}
	}
	active, err := keyStore.Active(ctx)
	if nil != err {
		return fmt.Errorf("failed loading server key: %w", err)
	}
	self.Log.Info("server key ready", "ref", active.Ref, "keyType", active.KeyType)

	var hsStore handshake.Store
	switch cfg.Handshake.Store {
	case config.StoreRedis:
		client, err := redisdb.Connect(ctx, cfg.Handshake.RedisAddr)
		if nil != err {
			return err
		}
		cls = append(cls, client)
		hsStore, err = redisdb.New(client, cfg.Handshake.RedisPrefix)
		if nil != err {
			return err
		}
	default:
		hsStore = handshake.NewMemStore()
	}

	auditLog, err := audit.NewFileLog(audit.FileConfig{
		Path:      cfg.Audit.Path,
		MaxBytes:  cfg.Audit.MaxBytes,
		QueueSize: cfg.Audit.QueueSize,
		Logger:    self.Log,
		Metrics:   metrics,
	})
	if nil != err {
		return err
	}
	cls = append(cls, auditLog)

	var permStore permission.Store
	switch cfg.Permission.Driver {
	case config.StoreBolt:
		store, err := permbolt.New(cfg.Permission.Path)
		if nil != err {
			return err
		}
		cls = append(cls, store)
		permStore = store
	case config.StorePostgres:
		store, pool, err := pgdb.Connect(ctx, cfg.Permission.DSN, cfg.Permission.Schema)
		if nil != err {
			return err
		}
		cls = append(cls, closerFunc(func() error { pool.Close(); return nil }))
		permStore = store
	default:
		permStore = &permission.MemStore{}
	}
	gate, err := permission.NewGate(permStore)
	if nil != err {
		return err
	}

	registry, err := handshake.NewRegistry(handshake.RegistryConfig{
		Keys:          keyStore,
		Store:         hsStore,
		Audit:         auditLog,
		TTL:           cfg.Handshake.TTL,
		SweepInterval: cfg.Handshake.SweepInterval,
	})
	if nil != err {
		return err
	}

	fwd, err := forwarder.New(cfg.AlgoUrl, &http.Client{}, cfg.UpstreamTimeout)
	if nil != err {
		return err
	}

	svc, err := upload.NewService(upload.ServiceConfig{
		Keys:     keyStore,
		Registry: registry,
		Matcher:  fwd,
		Gate:     gate,
	})
	if nil != err {
		return err
	}
	hdlr, err := upload.NewHandler(upload.HandlerConfig{
		Service:      svc,
		Gate:         gate,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateLimit:    cfg.Handshake.RateLimit,
		RateBurst:    cfg.Handshake.RateBurst,

		TrustedProxies: cfg.Handshake.TrustedProxies,
	})
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
	hdlr.RegisterRoutes(r)

	var wg sync.WaitGroup
	sweepCtx, stopSweep := context.WithCancel(ctx)
	wg.Go(func() {
		if err := registry.Run(sweepCtx); nil != err {
			self.Log.Error("handshake sweeper stopped", "error", err)
		}
	})
	defer wg.Wait()
	defer stopSweep()

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
		cmd.Log.Error("savanna-app failed", "error", err)
		os.Exit(1)
	}
}
