// Package daemon loads configuration and wires the engine's services into a
// running HTTP server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/gridcoin/internal/api"
	"github.com/tutu-network/gridcoin/internal/app/ledger"
	"github.com/tutu-network/gridcoin/internal/app/notify"
	"github.com/tutu-network/gridcoin/internal/app/purchase"
	"github.com/tutu-network/gridcoin/internal/app/results"
	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/cache"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns every long-lived service.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	DB        *store.DB
	Tracer    *observability.Tracer
	Notifier  *notify.Notifier
	Ledger    *ledger.Ledger
	Purchases *purchase.Service
	Results   *results.Tracker

	friends *cache.FriendGraph
	server  *api.Server
}

// New opens and migrates the store and wires the services. Extra
// subscribers receive every committed event.
func New(ctx context.Context, cfg Config, log zerolog.Logger, subs ...notify.Subscriber) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.storeConfig(), log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: log.With().Str("component", "daemon").Logger(), DB: db}

	var friends domain.FriendGraph = db
	if cfg.Cache.Enabled {
		d.friends, err = cache.NewFriendGraph(ctx, cfg.cacheConfig(), db, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		friends = d.friends
	}

	if cfg.Notify.LogEvents {
		subs = append(subs, notify.LogSubscriber(log))
	}
	d.Tracer = observability.NewTracer(cfg.tracerConfig())
	d.Notifier = notify.New(cfg.notifyConfig(), log, subs...)
	d.Ledger = ledger.New(cfg.ledgerConfig(), db, d.Notifier, d.Tracer, log)
	d.Purchases = purchase.New(db, d.Ledger, store.RewardStock{}, d.Tracer, log)
	d.Results = results.New(cfg.resultsConfig(), results.Deps{
		DB:        db,
		Ledger:    d.Ledger,
		Friends:   friends,
		Auth:      db,
		Publisher: d.Notifier,
		Tracer:    d.Tracer,
	}, log)
	d.server = api.NewServer(cfg.apiConfig(), d.Ledger, d.Purchases, d.Results, d.Tracer, log)

	d.log.Info().Str("driver", cfg.Store.Driver).Bool("friend_cache", cfg.Cache.Enabled).
		Bool("async_notify", cfg.Notify.Async).Msg("services ready")
	return d, nil
}

// Handler returns the HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Serve listens on the configured address until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Addr(), err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done, then shuts down gracefully.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		d.log.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close drains notifications and releases the cache and store.
func (d *Daemon) Close() error {
	d.Notifier.Close()
	var errs []error
	if d.friends != nil {
		errs = append(errs, d.friends.Close())
	}
	errs = append(errs, d.DB.Close())
	return errors.Join(errs...)
}
