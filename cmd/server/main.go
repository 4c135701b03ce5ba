package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/config"
	"github.com/ksred/darkpool-api/internal/database"
	"github.com/ksred/darkpool-api/internal/ledger"
	"github.com/ksred/darkpool-api/internal/lock"
	"github.com/ksred/darkpool-api/internal/market"
	"github.com/ksred/darkpool-api/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// setupLogging configures zerolog from the loaded configuration.
// Outside production it pretty prints with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the settlement core to its database, compute cluster and HTTP
// surface, and serves until interrupted
func main() {
	configPath := flag.String("config", os.Getenv("DARKPOOL_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := database.Open(cfg.Database.DSN, cfg.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locker := newLocker(ctx, cfg)
	identity := compute.Identity{KeyID: cfg.Cluster.KeyID, Secret: []byte(cfg.Cluster.AttestationSecret)}

	opts := []market.Option{market.WithComputationTimeout(cfg.Cluster.ComputationTimeout)}
	var (
		provider compute.Provider
		local    *compute.LocalCluster
	)
	switch cfg.Cluster.Mode {
	case config.ClusterHTTP:
		provider = compute.NewHTTPCluster(cfg.Cluster.URL, cfg.Cluster.CallbackURL, cfg.Cluster.SubmitTimeout)
	default:
		local, err = newLocalCluster(cfg.Cluster, identity)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to initialize local cluster")
		}
		provider = local
		opts = append(opts, market.WithOddsQuoter(local))
	}

	escrow := ledger.NewLedger(db)
	ledgerHandlers := ledger.NewGinHandlers(escrow)
	marketService := market.NewService(db, provider, compute.NewVerifier(identity), escrow, locker, opts...)
	marketHandlers := market.NewGinHandlers(marketService)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authHandlers := auth.NewGinHandlers(authService)
	for _, c := range cfg.Auth.Clients {
		authService.RegisterClient(c)
	}

	// Start the lifecycle processor
	processor := market.NewProcessor(marketService, cfg.Processor.Interval)
	go processor.Start(ctx)

	if local != nil {
		zlog.Info().Str("cluster_pubkey", local.PublicKey().String()).Msg("Using in-process compute cluster")
		go deliverLocal(ctx, local, marketService)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.NewRateLimiter(cfg.RateLimit).Handler())

	setupRoutes(router, authService, authHandlers, ledgerHandlers, marketHandlers)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Int("port", cfg.Server.Port).Str("cluster_mode", cfg.Cluster.Mode).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newLocker returns the Redis backed market lock when Redis is configured,
// otherwise an in-process one that is only safe for a single replica
func newLocker(ctx context.Context, cfg *config.Config) lock.Locker {
	if cfg.Redis.Addr == "" {
		return lock.NewLocalLocker()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to redis")
	}
	zlog.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis market lock")
	return lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)
}

// newLocalCluster builds the in-process cluster. Missing keys are generated,
// which is only useful for development since bets encrypted to a previous
// run's key can no longer be read.
func newLocalCluster(cfg config.ClusterConfig, identity compute.Identity) (*compute.LocalCluster, error) {
	keys, err := compute.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	if cfg.PrivateKey != "" {
		priv, err := decodeKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("cluster.private_key: %w", err)
		}
		if keys, err = compute.KeyPairFromPrivate(priv); err != nil {
			return nil, err
		}
	} else {
		zlog.Warn().Msg("cluster.private_key not set, generated an ephemeral key")
	}

	var stateKey [32]byte
	if cfg.StateKey != "" {
		if stateKey, err = decodeKey(cfg.StateKey); err != nil {
			return nil, fmt.Errorf("cluster.state_key: %w", err)
		}
	} else if _, err := rand.Read(stateKey[:]); err != nil {
		return nil, err
	}

	return compute.NewLocalCluster(compute.LocalClusterConfig{Keys: keys, StateKey: stateKey, Identity: identity}), nil
}

func decodeKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

// deliverLocal feeds the in-process cluster's results back through the same
// path an external cluster's callbacks take
func deliverLocal(ctx context.Context, cluster *compute.LocalCluster, service *market.Service) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cb := range cluster.Take() {
				if err := service.OnResult(ctx, cb); err != nil {
					zlog.Error().Err(err).Uint64("request_id", cb.RequestID).Msg("Failed to apply local cluster result")
				}
			}
		}
	}
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token endpoint
// - Market and account routes: protected by JWT authentication
// - Internal routes: cluster callbacks and account funding, protected by a
//   cluster role token
func setupRoutes(
	router *gin.Engine,
	tokens middleware.TokenValidator,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	marketHandlers *market.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		markets := v1.Group("")
		markets.Use(middleware.JWTAuth(tokens))
		marketHandlers.RegisterRoutes(markets)
		ledgerHandlers.RegisterRoutes(markets)

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(tokens))
		marketHandlers.RegisterInternalRoutes(internal)
		ledgerHandlers.RegisterInternalRoutes(internal)
	}
}
