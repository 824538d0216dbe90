package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	httpapi "github.com/fairyhunter13/marketplace-sync/internal/http"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
	"github.com/fairyhunter13/marketplace-sync/internal/queue"
	"github.com/fairyhunter13/marketplace-sync/internal/store"
)

var seedFlag bool

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the marketplace HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().BoolVar(&seedFlag, "seed", true, "Start with a small demo catalogue")
	return cmd
}

func seedCatalogue() []model.Product {
	return []model.Product{
		{ID: "steam-1", SellerID: "seller-1", Title: "Steam account, 40 games", Category: "accounts", Price: 20, Quantity: 3, Status: model.StatusApproved},
		{ID: "steam-2", SellerID: "seller-1", Title: "Steam account, CS2 prime", Category: "accounts", Price: 35, Quantity: 1, Status: model.StatusApproved},
		{ID: "gems-1", SellerID: "seller-2", Title: "1000 gems", Category: "currency", Price: 5, Quantity: 50, Status: model.StatusApproved},
		{ID: "boost-1", SellerID: "seller-3", Title: "Rank boost", Category: "services", Price: 12.5, Quantity: 10, Status: model.StatusPending},
	}
}

// newBackend builds the store and update workers behind the HTTP API.
func newBackend(ctx context.Context, cfg config.Config, seed bool) (*store.Store, *queue.Manager, *httpapi.App) {
	st := store.New()
	if seed {
		st.Seed(seedCatalogue()...)
	}
	go st.RunSweeper(ctx, cfg.ReservationSweep)

	mgr := queue.NewManager(cfg, queue.New(128), st)
	mgr.Start(ctx)
	return st, mgr, httpapi.NewApp(cfg, st, mgr)
}

func serve(cfg config.Config) error {
	obs.Logger.Info("service_starting", "kv_backend", cfg.KVBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, mgr, app := newBackend(ctx, cfg, seedFlag)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		obs.Logger.Info("shutdown_signal", "signal", s.String())
	case err := <-errc:
		obs.Logger.Error("http_server_error", "error", err)
		return err
	}

	app.StartShutdown()
	obs.Logger.Info("shutdown_drain_begin", "backlog_size", mgr.BacklogSize(), "worker_count", mgr.WorkerCount())

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := mgr.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout")
	} else {
		obs.Logger.Info("shutdown_drain_complete")
	}

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}
	mgr.Stop()
	obs.Logger.Info("service_stopped")
	return nil
}
