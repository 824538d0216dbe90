package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	httpapi "github.com/fairyhunter13/marketplace-sync/internal/http"
	"github.com/fairyhunter13/marketplace-sync/internal/kv"
	"github.com/fairyhunter13/marketplace-sync/internal/marketapi"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
	"github.com/fairyhunter13/marketplace-sync/internal/purchase"
	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
	"github.com/fairyhunter13/marketplace-sync/internal/session"
)

var (
	tabsFlag     int
	productFlag  string
	quantityFlag int64
	buyerFlag    string
	failFlag     bool
)

func simulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Open several sessions against an in-process API and buy from one of them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tabsFlag < 1 {
				return errors.New("--tabs must be at least 1")
			}
			return simulate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&tabsFlag, "tabs", 3, "Number of sessions sharing the channel")
	cmd.Flags().StringVar(&productFlag, "product", "steam-1", "Product to purchase")
	cmd.Flags().Int64Var(&quantityFlag, "quantity", 1, "Units to purchase")
	cmd.Flags().StringVar(&buyerFlag, "buyer", "buyer-1", "Buyer placing the order")
	cmd.Flags().BoolVar(&failFlag, "fail", false, "Make the server reject the purchase to show the rollback")
	return cmd
}

// failingPurchases rejects every purchase with a server error.
type failingPurchases struct{ next http.Handler }

func (f failingPurchases) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/purchase" {
		httpapi.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "simulated payment failure")
		return
	}
	f.next.ServeHTTP(w, r)
}

// sharedStores returns a factory for per-session handles on the shared
// channel, plus a cleanup for the backend.
func sharedStores(cfg config.Config) (func() kv.Store, func(), error) {
	if cfg.KVBackend != "redis" {
		hub := kv.NewHub()
		return func() kv.Store { return hub.Open() }, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	channel := cfg.KVPrefix + ":notify"
	return func() kv.Store { return kv.NewRedisStore(client, channel) }, func() { _ = client.Close() }, nil
}

func simulate(ctx context.Context, cfg config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := obs.With("simulate")

	backendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, mgr, app := newBackend(backendCtx, cfg, true)
	defer mgr.Stop()

	var h http.Handler = httpapi.NewRouter(app)
	if failFlag {
		h = failingPurchases{next: h}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()
	baseURL := "http://" + ln.Addr().String()
	log.Info("api_listening", "base_url", baseURL)

	open, closeBackend, err := sharedStores(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	retry := marketapi.DefaultRetryPolicy()
	retry.MaxRetries = cfg.FetchRetries
	client := marketapi.New(marketapi.Config{BaseURL: baseURL, Timeout: cfg.PurchaseTimeout, Retry: retry})
	opts := session.OptionsFromConfig(cfg)

	tabs := make([]*session.Session, 0, tabsFlag)
	var handles []io.Closer
	defer func() {
		for _, s := range tabs {
			s.Close(context.Background())
		}
		for _, h := range handles {
			_ = h.Close()
		}
	}()
	for i := 0; i < tabsFlag; i++ {
		store := open()
		if c, ok := store.(io.Closer); ok {
			handles = append(handles, c)
		}
		s := session.Open(ctx, store, client, opts)
		tabs = append(tabs, s)
		if _, err := s.Product(ctx, productFlag); err != nil {
			return fmt.Errorf("load %s in %s: %w", productFlag, s.ID(), err)
		}
		if _, err := s.Products(ctx); err != nil {
			return fmt.Errorf("list products in %s: %w", s.ID(), err)
		}
	}

	fmt.Fprintf(out, "Before purchase:\n")
	report(out, tabs, productFlag)

	order, err := tabs[0].Purchase(ctx, model.PurchaseRequest{ProductID: productFlag, Quantity: quantityFlag, BuyerID: buyerFlag})
	var me *purchase.MutationError
	switch {
	case err == nil:
		fmt.Fprintf(out, "Order %s placed for %d x %s\n\n", order.ID, order.Quantity, order.ProductID)
	case errors.As(err, &me):
		fmt.Fprintf(out, "Purchase failed (%d): %s\n\n", me.StatusCode, me.Message)
	default:
		return err
	}

	settleCtx, cancelSettle := context.WithTimeout(ctx, 5*time.Second)
	defer cancelSettle()
	for _, s := range tabs {
		if !s.Cache.Settle(settleCtx) {
			log.Warn("settle_timeout", "tab", s.ID())
		}
	}
	fmt.Fprintf(out, "After purchase:\n")
	report(out, tabs, productFlag)
	return nil
}

// report prints each session's view of productID.
func report(w io.Writer, tabs []*session.Session, productID string) {
	rows := make([][]string, 0, len(tabs))
	for i, s := range tabs {
		qty, status := "-", "-"
		if v, ok := s.Cache.Get(querycache.ProductKey(productID)); ok {
			if p, ok := v.(model.Product); ok {
				qty, status = strconv.FormatInt(p.Quantity, 10), string(p.Status)
			}
		}
		st := s.State()
		rows = append(rows, []string{
			strconv.Itoa(i + 1), s.ID(), strconv.FormatBool(st.IsLeader),
			strconv.Itoa(st.ActiveTabCount), qty, status, s.Pipeline.State(productID).String(),
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Session", "Leader", "Tabs", "Quantity", "Status", "Mutation"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintf(w, "\n")
}
