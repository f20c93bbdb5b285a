// Package app wires configuration, storage and the pool services for each command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/config"
	"github.com/autotraficgen/proxypool/internal/db"
	"github.com/autotraficgen/proxypool/internal/events"
	apihttp "github.com/autotraficgen/proxypool/internal/http"
	"github.com/autotraficgen/proxypool/internal/ingest"
	"github.com/autotraficgen/proxypool/internal/logging"
	"github.com/autotraficgen/proxypool/internal/probe"
	"github.com/autotraficgen/proxypool/internal/prober"
	"github.com/autotraficgen/proxypool/internal/retention"
	"github.com/autotraficgen/proxypool/internal/scoring"
	"github.com/autotraficgen/proxypool/internal/security"
	"github.com/autotraficgen/proxypool/internal/selector"
	internalsettings "github.com/autotraficgen/proxypool/internal/settings"
	"github.com/autotraficgen/proxypool/internal/store"
	"github.com/autotraficgen/proxypool/internal/util"
	"github.com/autotraficgen/proxypool/internal/watcher"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Runtime is an opened database plus the services built on it.
type Runtime struct {
	Config config.Config
	DB     *gorm.DB
	Store  *store.Store
	Events events.Sink
	Policy *scoring.Holder

	closers []io.Closer
}

// Open loads the config, sets up logging, opens and migrates the database,
// loads runtime settings and connects the event sinks.
func Open(ctx context.Context, cfg config.AppConfig) (*Runtime, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	appCfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return nil, errLoad
	}
	rt := &Runtime{Config: appCfg, Policy: scoring.NewHolder(appCfg.Scoring.Policy())}

	logCloser, errLog := logging.Setup(appCfg.Log)
	if errLog != nil {
		return nil, errLog
	}
	if logCloser != nil {
		rt.closers = append(rt.closers, logCloser)
	}

	conn, errOpen := db.Open(appCfg.Database.DSN, db.Options{MaxOpenConns: appCfg.Database.MaxOpenConns})
	if errOpen != nil {
		_ = rt.Close()
		return nil, errOpen
	}
	rt.DB = conn
	rt.closers = append(rt.closers, closerFunc(func() error { return db.Close(conn) }))
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		_ = rt.Close()
		return nil, errMigrate
	}
	if errRefresh := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("app: load runtime settings failed, using config values")
	}
	rt.Store = store.New(conn)

	sinks := events.Multi{events.LogSink{Logger: log.StandardLogger()}}
	if addr := strings.TrimSpace(appCfg.Events.RedisAddr); addr != "" {
		redisSink, errRedis := events.NewRedisSink(ctx, events.RedisOptions{
			Addr:     addr,
			Password: appCfg.Events.RedisPassword,
			DB:       appCfg.Events.RedisDB,
			Stream:   appCfg.Events.Stream,
			MaxLen:   appCfg.Events.MaxLen,
		})
		if errRedis != nil {
			// The pool works without the stream; events still reach the log.
			log.WithError(errRedis).Warnf("app: redis event sink disabled (addr=%s)", addr)
		} else {
			sinks = append(sinks, redisSink)
			rt.closers = append(rt.closers, redisSink)
		}
	}
	rt.Events = sinks

	log.Infof("proxypool opened (config=%s dsn_dialect=%s)", displayPath(appCfg.Path), db.DialectName(conn))
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Fetcher builds the provider ingester.
func (rt *Runtime) Fetcher() *ingest.Fetcher {
	p := rt.Config.Provider
	return ingest.NewFetcher(ingest.Config{
		URL:         p.URL,
		APIKey:      p.APIKey,
		APIKeyParam: p.APIKeyParam,
		Timeout:     p.Timeout,
	}, rt.Store, rt.Events, nil)
}

// Prober builds the probe loop around the configured checker and fetcher.
func (rt *Runtime) Prober() *prober.Prober {
	pc := rt.Config.Probe
	checker := probe.NewChecker(probe.Config{TargetURL: pc.TargetURL, Timeout: pc.Timeout, ExitIPPath: pc.ExitIPPath})
	var ingester prober.Ingester
	if strings.TrimSpace(rt.Config.Provider.URL) != "" {
		ingester = rt.Fetcher()
	}
	conn := rt.DB
	return prober.New(rt.Store, checker, ingester, rt.Policy, prober.Config{
		Concurrency:   pc.Concurrency,
		RatePerSecond: pc.RatePerSecond,
		IdleInterval:  pc.IdleInterval,
		ProbeTimeout:  pc.Timeout,
	},
		prober.WithEvents(rt.Events),
		prober.WithSettingsRefresh(func(ctx context.Context) error {
			return internalsettings.RefreshDBConfigSnapshot(ctx, conn)
		}),
	)
}

// Selector builds the lease-granting selector.
func (rt *Runtime) Selector() *selector.Selector {
	sc := rt.Config.Selector
	return selector.New(rt.Store, selector.Config{MinScore: sc.MinScore, LeaseTTL: sc.LeaseTTL, MaxCount: sc.MaxCount}, rt.Events)
}

// Cleaner builds the retention loop. Dead-proxy eviction is opt-in; expired leases are always reaped.
func (rt *Runtime) Cleaner() *retention.Cleaner {
	rc := rt.Config.Retention
	return retention.NewCleaner(rt.Store, retention.Config{
		EvictDead:   rc.Enabled,
		Interval:    rc.Interval,
		MaxScore:    rc.MaxScore,
		MinBadCount: rc.MinBadCount,
		MinIdle:     rc.MinIdle,
		BatchSize:   rc.BatchSize,
	}, rt.Events)
}

// Router builds the HTTP API.
func (rt *Runtime) Router() *gin.Engine {
	return apihttp.NewRouter(apihttp.RouterDeps{
		DB:        rt.DB,
		Leases:    rt.Selector(),
		Lister:    rt.Store,
		Proxies:   rt.Store,
		Events:    rt.Events,
		JWTSecret: rt.Config.Server.JWTSecret,
	})
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	log.Info("migrations applied")
	return nil
}

// Ingest runs one provider fetch.
func Ingest(ctx context.Context, cfg config.AppConfig) (ingest.Result, error) {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return ingest.Result{}, err
	}
	defer func() { _ = rt.Close() }()
	if strings.TrimSpace(rt.Config.Provider.URL) == "" {
		return ingest.Result{}, errors.New("app: provider.url is not configured")
	}
	log.Infof("ingesting from %s", util.MaskURL(rt.Config.Provider.URL))
	return rt.Fetcher().Ingest(ctx), nil
}

// Probe runs a single cycle when once is set, otherwise loops until ctx ends.
func Probe(ctx context.Context, cfg config.AppConfig, once bool) (prober.CycleStats, error) {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return prober.CycleStats{}, err
	}
	defer func() { _ = rt.Close() }()
	p := rt.Prober()
	if once {
		return p.RunCycle(ctx)
	}
	return prober.CycleStats{}, runGroup(ctx, p.Run, rt.watchConfig)
}

// RunServer serves the HTTP API and runs the retention loop.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return runGroup(ctx, rt.serve, rt.Cleaner().Run, rt.watchConfig)
}

// Run serves the API and probes continuously in one process.
func Run(ctx context.Context, cfg config.AppConfig) error {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return runGroup(ctx, rt.Prober().Run, rt.serve, rt.Cleaner().Run, rt.watchConfig)
}

// Select leases proxies from the command line.
func Select(ctx context.Context, cfg config.AppConfig, count int, holder string) ([]store.Lease, error) {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close() }()
	return rt.Selector().Select(ctx, selector.Request{Count: count, Holder: holder})
}

// Release ends a lease from the command line.
func Release(ctx context.Context, cfg config.AppConfig, leaseID string, used bool) error {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return rt.Selector().Release(ctx, leaseID, used)
}

// Token signs an API token with the configured secret. It does not touch the database.
func Token(cfg config.AppConfig, subject, role string, ttl time.Duration) (string, error) {
	appCfg, err := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("app: token subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("app: token ttl must be positive")
	}
	return security.GenerateToken(appCfg.Server.JWTSecret, subject, role, ttl)
}

func (rt *Runtime) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              rt.Config.Server.Addr,
		Handler:           rt.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("http server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", errServe)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: http shutdown: %w", errShutdown)
	}
	return nil
}

// watchConfig hot-reloads the scoring policy while a config file exists.
func (rt *Runtime) watchConfig(ctx context.Context) error {
	if rt.Config.Path == "" {
		return nil
	}
	w, err := watcher.NewConfigWatcher(rt.Config.Path, rt.Policy, func(next config.Config) {
		if level, errLevel := log.ParseLevel(next.Log.Level); errLevel == nil {
			log.SetLevel(level)
		}
	})
	if err != nil {
		log.WithError(err).Warn("app: config watcher disabled")
		return nil
	}
	return w.Run(ctx)
}

// runGroup runs every fn until the first error or until ctx ends.
func runGroup(ctx context.Context, fns ...func(context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		group.Go(func() error { return fn(groupCtx) })
	}
	return group.Wait()
}

func displayPath(path string) string {
	if path == "" {
		return "<defaults>"
	}
	return path
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
