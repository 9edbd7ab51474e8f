// Command collabedit is the process entry point for the collaborative
// editing core: it wires configuration, the store, auth, the room hub
// manager and the websocket/REST surfaces together and runs them until
// shutdown. Grounded on the teacher's cmd/server/main.go (env config,
// signal-driven graceful shutdown, background cleaner goroutine), adapted
// to spf13/cobra's start/migrate/health subcommands per spec.md §6.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/collabedit/core/internal/auth"
	"github.com/collabedit/core/internal/config"
	"github.com/collabedit/core/internal/logger"
	"github.com/collabedit/core/internal/restapi"
	"github.com/collabedit/core/internal/roomhub"
	"github.com/collabedit/core/internal/session"
	"github.com/collabedit/core/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "collabedit",
		Short: "Real-time collaborative text editing core",
	}
	root.AddCommand(startCmd(), migrateCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the collaborative editing server",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runStart())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			st, err := store.Open(cfg.StoreURI)
			if err != nil {
				logger.Error("migrate: %v", err)
				os.Exit(2)
			}
			defer st.Close()
			logger.Info("migrations applied")
			os.Exit(0)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store connectivity and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			st, err := store.Open(cfg.StoreURI)
			if err != nil {
				logger.Error("health: store unreachable: %v", err)
				os.Exit(2)
			}
			st.Close()
			fmt.Println("ok")
			os.Exit(0)
		},
	}
}

func runStart() int {
	logger.Init()
	cfg := config.Load()

	st, err := store.Open(cfg.StoreURI)
	if err != nil {
		logger.Error("open store: %v", err)
		return 2
	}
	defer st.Close()

	var provider auth.Provider
	if cfg.AuthJWTSecret != "" {
		provider = auth.NewJWTProvider([]byte(cfg.AuthJWTSecret), cfg.AuthIssuer, cfg.AuthAudience)
	} else {
		logger.Error("AUTH_JWT_SECRET not set; refusing to start with no verifiable auth provider")
		return 1
	}

	hubCfg := roomhub.Config{
		MaxLag:             cfg.MaxLag,
		RingSize:           cfg.OpRingSize,
		RateLimitOpsPerSec: cfg.RateLimitOpsPerSec,
		RateLimitBurst:     cfg.RateLimitBurst,
		CursorCoalesce:     cfg.CursorCoalesce,
		PresenceInterval:   cfg.PresenceInterval,
		IdleTTL:            cfg.RoomIdleTTL,
		LeaveGrace:         30 * time.Second,
		StoreDeadline:      cfg.StoreDeadline,
	}
	hubs := roomhub.NewManager(st, hubCfg)

	restSrv := restapi.New(st, provider, hubs, cfg.AllowedOrigins)
	gateway := session.NewGateway(session.Deps{
		Auth:           provider,
		Store:          st,
		Hubs:           hubs,
		MaxMessageSize: int64(cfg.MaxMessageSize),
		MaxBundleSize:  cfg.MaxBundleSize,
		IdleTimeout:    cfg.SessionIdleTTL,
		JoinDeadline:   cfg.JoinDeadline,
	})

	router := chi.NewRouter()
	router.Mount("/ws", gateway)
	router.Mount("/", restSrv.Handler())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSweeper(ctx, st, cfg.SweepInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on :%d", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-sigCh:
		logger.Info("shutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error: %v", err)
			cancel()
			hubs.StopAll()
			return 3
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown: %v", err)
		hubs.StopAll()
		return 3
	}
	hubs.StopAll()
	return 0
}

// runSweeper periodically transitions expired rooms and stale presence
// records, per spec.md §9's suggested cadence.
func runSweeper(ctx context.Context, st store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := st.SweepExpired(sweepCtx, time.Now()); err != nil {
				logger.Error("sweep expired: %v", err)
			}
			cancel()
		}
	}
}
