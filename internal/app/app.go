// Package app assembles poolfeed's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FranksOps/poolfeed/internal/config"
	"github.com/FranksOps/poolfeed/internal/events"
	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/gate"
	"github.com/FranksOps/poolfeed/internal/imagecache"
	"github.com/FranksOps/poolfeed/internal/ingest"
	"github.com/FranksOps/poolfeed/internal/normalize"
	"github.com/FranksOps/poolfeed/internal/quality"
	"github.com/FranksOps/poolfeed/internal/source"
	"github.com/FranksOps/poolfeed/internal/source/jsonapi"
	"github.com/FranksOps/poolfeed/internal/source/storefront"
	"github.com/FranksOps/poolfeed/internal/storage"
	"github.com/FranksOps/poolfeed/internal/storage/jsonbackend"
	"github.com/FranksOps/poolfeed/internal/storage/memory"
	"github.com/FranksOps/poolfeed/internal/storage/postgres"
	"github.com/FranksOps/poolfeed/internal/storage/sqlite"
	"github.com/FranksOps/poolfeed/pkg/proxy"
	"github.com/FranksOps/poolfeed/pkg/ratelimit"
	"github.com/FranksOps/poolfeed/pkg/useragent"
)

// App holds the wired components. Close releases them.
type App struct {
	Config    *config.Config
	Store     storage.Backend
	Gate      *gate.Gate
	Fetcher   *fetch.Fetcher
	Registry  *source.Registry
	Images    *imagecache.Cache
	Hub       *events.Hub
	Watchlist *events.Watchlist
	Runner    *ingest.Runner
	Redis     *redis.Client

	closers []func()
	logger  *slog.Logger
}

// Build wires every component. On error, whatever was opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Redis.Addr != "" {
		if err := a.openRedis(ctx); err != nil {
			return nil, err
		}
	}

	a.Gate = a.buildGate()

	if a.Fetcher, err = a.buildFetcher(); err != nil {
		return nil, err
	}

	if a.Store, err = OpenStore(ctx, cfg.Storage, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.Store.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	})

	if a.Registry, err = a.buildRegistry(); err != nil {
		return nil, err
	}

	if a.Images, err = a.buildImageCache(ctx); err != nil {
		return nil, err
	}

	patterns := cfg.Quality.Patterns
	if len(patterns) == 0 {
		patterns = quality.DefaultPatterns
	}
	filter, err := quality.New(patterns...)
	if err != nil {
		return nil, fmt.Errorf("app: quality filter: %w", err)
	}

	a.Hub = events.NewHub(logger)
	a.Watchlist = events.NewWatchlist()

	a.Runner, err = ingest.New(ingest.Config{
		Workers: cfg.Ingest.Workers,
		Detail:  cfg.Ingest.Detail,
	}, ingest.Deps{
		Registry:   a.Registry,
		Normalizer: normalize.New(),
		Filter:     filter,
		Store:      a.Store,
		Hub:        a.Hub,
		Watchlist:  a.Watchlist,
	}, logger)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openRedis(ctx context.Context) error {
	rc := a.Config.Redis
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("app: redis %s: %w", rc.Addr, err)
	}
	a.Redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return nil
}

func (a *App) buildGate() *gate.Gate {
	gc := a.Config.Gate
	var window ratelimit.Window
	if gc.Window == "redis" && a.Redis != nil {
		window = ratelimit.NewRedisWindow(a.Redis, "")
	}
	budgets := make(map[string]gate.Budget, len(gc.Budgets))
	for key, b := range gc.Budgets {
		budgets[key] = gate.Budget{Limit: b.Limit, Window: b.Window}
	}
	return gate.New(gate.Config{
		MaxConcurrent: gc.MaxConcurrent,
		MaxWait:       gc.MaxWait,
		Budgets:       budgets,
		Window:        window,
	})
}

func (a *App) buildFetcher() (*fetch.Fetcher, error) {
	fc := a.Config.Fetch

	var proxies *proxy.Pool
	if len(fc.Proxies) > 0 || fc.ProxyFile != "" {
		proxies = proxy.NewPool(proxy.Config{MaxFailures: fc.ProxyMaxFailures, Cooldown: fc.ProxyCooldown})
		if err := proxies.Add(fc.Proxies...); err != nil {
			return nil, fmt.Errorf("app: proxies: %w", err)
		}
		if fc.ProxyFile != "" {
			if err := proxies.LoadFile(fc.ProxyFile); err != nil {
				return nil, fmt.Errorf("app: proxy file: %w", err)
			}
		}
		a.logger.Info("proxy rotation enabled", "proxies", proxies.Len())
	}

	f, err := fetch.New(fetch.Config{
		Timeout:      fc.Timeout,
		MaxBodyBytes: fc.MaxBodyBytes,
		MaxRedirects: fc.MaxRedirects,
		UseCookieJar: fc.CookieJar,
		Fingerprint:  fetch.Profile(fc.Fingerprint),
		ProxyPool:    proxies,
		UAPool:       useragent.NewPool(fc.UserAgents),
		Gate:         a.Gate,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return f, nil
}

func (a *App) buildRegistry() (*source.Registry, error) {
	reg := source.NewRegistry()
	for _, sc := range a.Config.Sources {
		adapter, err := a.buildAdapter(sc)
		if err != nil {
			return nil, fmt.Errorf("app: source %s: %w", sc.Marketplace, err)
		}
		reg.Register(adapter)
		a.logger.Info("source registered", "marketplace", sc.Marketplace, "kind", sc.Kind, "base_url", sc.BaseURL)
	}
	return reg, nil
}

func (a *App) buildAdapter(sc config.SourceConfig) (source.Adapter, error) {
	var pacer *ratelimit.Pacer
	if sc.RPS > 0 {
		pacer = ratelimit.NewPacer(sc.RPS, sc.Jitter)
	}

	switch sc.Kind {
	case config.SourceStorefront:
		var loader storefront.Loader
		if sc.Browser {
			bl := storefront.NewBrowserLoader(storefront.BrowserConfig{
				Gate:      a.Gate,
				GateKey:   string(sc.Marketplace),
				Timeout:   a.Config.Fetch.Timeout,
				UserAgent: useragent.NewPool(a.Config.Fetch.UserAgents).Random(),
				ExecPath:  sc.BrowserExecPath,
			}, a.logger)
			a.closers = append(a.closers, bl.Close)
			loader = bl
		}
		sf, err := storefront.New(storefront.Config{
			Marketplace:    sc.Marketplace,
			BaseURL:        sc.BaseURL,
			SearchPath:     sc.SearchPath,
			ProductPattern: sc.ProductPattern,
			Selectors:      sc.Selectors,
			RespectRobots:  sc.RespectRobots,
			RobotsAgent:    sc.RobotsAgent,
			Pacer:          pacer,
		}, a.Fetcher, loader, a.logger)
		if err != nil {
			return nil, err
		}
		return sf, nil
	case config.SourceJSONAPI, "":
		ja, err := jsonapi.New(jsonapi.Options{
			Marketplace: sc.Marketplace,
			BaseURL:     sc.BaseURL,
			Pacer:       pacer,
		}, a.Fetcher, a.logger)
		if err != nil {
			return nil, err
		}
		return ja, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

func (a *App) buildImageCache(ctx context.Context) (*imagecache.Cache, error) {
	ic := a.Config.Images

	var knownBad imagecache.KnownBad
	switch ic.KnownBad {
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("app: redis known-bad set requires redis.addr")
		}
		set := imagecache.NewRedisKnownBad(a.Redis, ic.KnownBadSet)
		if len(ic.KnownBadKeys) > 0 {
			if err := set.Add(ctx, ic.KnownBadKeys...); err != nil {
				return nil, fmt.Errorf("app: seed known-bad set: %w", err)
			}
		}
		knownBad = set
	default:
		knownBad = imagecache.NewMemoryKnownBad(ic.KnownBadKeys...)
	}

	cache, err := imagecache.New(imagecache.Config{
		Root:               ic.Root,
		URLPrefix:          ic.URLPrefix,
		Placeholder:        ic.Placeholder,
		PlaceholderDigests: ic.PlaceholderDigests,
		AllowPrivateHosts:  ic.AllowPrivateHosts,
	}, a.Fetcher, a.Store, knownBad, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return cache, nil
}

// OpenStore opens the configured listing store.
func OpenStore(ctx context.Context, sc config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)
	switch sc.Backend {
	case config.BackendSQLite, "":
		b, err = sqlite.New(sc.DSN)
	case config.BackendPostgres:
		b, err = postgres.New(ctx, sc.DSN, logger)
	case config.BackendJSON:
		b, err = jsonbackend.New(sc.Path)
	case config.BackendMemory:
		b = memory.New()
	default:
		return nil, fmt.Errorf("app: unknown storage backend %q", sc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("app: open %s store: %w", sc.Backend, err)
	}
	return b, nil
}
