package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rawtext/cfg"
	"rawtext/pkg/kms"
	"rawtext/svc/api"
	"rawtext/svc/auth"
	"rawtext/svc/cache"
	"rawtext/svc/db"
	"rawtext/svc/lim"
	"rawtext/svc/svc"
	"rawtext/svc/util"
)

type backend interface {
	svc.Store
	svc.Cleaner
	api.Pinger
	Close() error
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting rawtext API")
	util.Info().Strs("allowed_origins", c.AllowedOrigins).Msg("cors configured")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kmsAdapter *kms.Adapter
	if c.PepperFromKMS || c.SealContent {
		kmsAdapter, err = kms.NewAdapter(ctx, kms.OptsFromEnv())
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
			os.Exit(1)
		}
	}

	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper")
		os.Exit(1)
	}
	defer util.Wipe(pepper)

	store, err := openStore(c)
	if err != nil {
		util.Fatal().Err(err).Str("driver", c.StoreDriver).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("driver", c.StoreDriver).Msg("database initialized")

	var (
		counter       lim.CounterStore
		counterPinger api.Pinger
	)
	if c.RedisURL != "" {
		rdb, err := db.NewRedis(c.RedisURL, c)
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to connect to redis")
			os.Exit(1)
		}
		defer rdb.Close()
		counter, counterPinger = rdb, rdb
		util.Info().Msg("redis counter store connected")
	} else {
		mc, err := lim.NewMemoryCounter(100000)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create counter store")
			os.Exit(1)
		}
		counter = mc
		util.Warn().Msg("REDIS_URL not set, rate limits are per process")
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	guard, err := auth.NewGuard(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize password guard")
		os.Exit(1)
	}
	guard.SetVerifyFloor(c.VerifyFloor)
	if err := guard.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start password guard")
		os.Exit(1)
	}
	defer guard.Stop()

	ipHasher, err := util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		os.Exit(1)
	}
	ipHasher.Start()
	defer ipHasher.Stop()

	var pasteStore svc.Store = store
	if c.SealContent {
		keys := kms.NewKeyCache(kmsAdapter, c.KeyCacheTTL)
		defer keys.Stop()
		pasteStore = svc.NewSealedStore(store, kmsAdapter, keys)
		util.Info().Dur("key_cache_ttl", c.KeyCacheTTL).Msg("content sealing enabled")
	}

	fin := svc.NewFinalizer(c.FinalizeWorkers, c.FinalizeQueue, c.FinalizeSync)
	pasteSvc := svc.NewPaste(pasteStore, lruCache, guard, ipHasher, util.NewIDGen(c.IDLength), fin, svc.Opts{
		MaxPasteSize: c.MaxPasteSize,
		MaxExpiresIn: c.MaxExpiresIn,
		StrictBurn:   c.StrictBurn,
	})

	throttle := lim.NewThrottle(c.ReadLimit.RPM, c.ReadLimit.Burst)
	throttle.Start()
	defer throttle.Stop()
	util.Info().
		Int("create_max", c.CreateLimit.Max).
		Dur("create_window", c.CreateLimit.Window).
		Int("read_rpm", c.ReadLimit.RPM).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiters initialized")

	server := api.NewServer(c, api.Deps{
		Paste:    pasteSvc,
		Create:   lim.NewWindow(counter, "create"),
		Throttle: throttle,
		IPs:      ipHasher,
		Store:    store,
		Counter:  counterPinger,
	})

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		svc.NewReaper(store, c.CleanupInterval).Run(ctx)
	}()
	if s, ok := store.(*db.SQLite); ok {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.MaintainWAL(ctx)
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	if err := fin.Shutdown(shutdownCtx); err != nil {
		util.Warn().Err(err).Msg("pending finalize tasks abandoned")
	}
	cancel()
	workers.Wait()
	util.Info().Msg("shutdown complete")
}

func loadPepper(ctx context.Context, c *cfg.Cfg, k *kms.Adapter) ([]byte, error) {
	if !c.PepperFromKMS {
		return []byte(c.Pepper.Value()), nil
	}
	b64, err := k.Secret(ctx, "ARGON2_PEPPER")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(b64)
}

func openStore(c *cfg.Cfg) (backend, error) {
	if c.StoreDriver == "bolt" {
		b, err := db.NewBolt(c.BoltPath)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// healthProbe is used by container health checks. It only opens the
// configured store and pings it.
func healthProbe() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	store, err := openStore(c)
	if err != nil {
		return 1
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
