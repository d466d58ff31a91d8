package minaret

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minaret-app/minaret/cache"
	"github.com/minaret-app/minaret/control"
	"github.com/minaret-app/minaret/notify"
	"github.com/minaret-app/minaret/scheduler"
	"github.com/minaret-app/minaret/store"
)

// Agent assembles the router, partition manager, record store, scheduler and
// control channel into one process and drives their lifecycle.
type Agent struct {
	config      Config
	store       *store.Store
	cacheDB     cache.SQLiteCache
	manager     *cache.Manager
	router      *Router
	scheduler   *scheduler.Scheduler
	control     *control.Handler
	broadcaster *notify.MQTTBroadcaster
	log         zerolog.Logger
}

// NewAgent opens the persistent stores and wires up all components.
// The MQTT broadcast channel is best-effort: a connection failure is logged
// and the agent runs without page messaging.
func NewAgent(config Config, logger *zerolog.Logger) (*Agent, error) {
	config.ApplyDefaults()
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	if config.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", config.Origin, err)
	}

	recordStore, err := store.Open(config.StoreFile)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	cacheDB, err := cache.NewSQLiteCache(config.CacheFile)
	if err != nil {
		recordStore.Close()
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	location := time.Local
	if config.Timezone != "" {
		if location, err = time.LoadLocation(config.Timezone); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", config.Timezone, err)
		}
	}

	agent := &Agent{
		config:  config,
		store:   recordStore,
		cacheDB: cacheDB,
		log:     l,
	}

	agent.manager = cache.NewManager(cache.ManagerConfig{
		Cache:      cacheDB,
		Generation: config.Generation,
		OriginURL:  *originURL,
		CoreAssets: config.CoreAssets,
		Endpoints:  config.Endpoints,
		Logger:     &l,
	})

	agent.router = NewRouter(RouterConfig{
		Cache:       cacheDB,
		Manager:     agent.manager,
		OriginURL:   *originURL,
		APIPrefixes: config.APIPrefixes,
		CoreAssets:  config.CoreAssets,
		Logger:      &l,
	})

	var broadcaster notify.Broadcaster
	if config.MQTT.Broker != "" {
		mqttBroadcaster, err := notify.NewMQTTBroadcaster(config.MQTT.Broker, config.MQTT.Topic, &l)
		if err != nil {
			l.Warn().Err(err).Msg("Page messaging unavailable, continuing without")
		} else {
			agent.broadcaster = mqttBroadcaster
			broadcaster = mqttBroadcaster
		}
	}

	agent.scheduler = scheduler.New(scheduler.Config{
		Store:       recordStore,
		Notifier:    notify.NewDesktopNotifier(config.AppIcon, &l),
		Broadcaster: broadcaster,
		Location:    location,
		TargetURL:   config.TargetURL,
		Logger:      &l,
	})

	agent.control = control.New(control.Config{
		Manager:        agent.manager,
		Store:          recordStore,
		Scheduler:      agent.scheduler,
		Broadcaster:    broadcaster,
		Activate:       agent.Activate,
		AllowedOrigins: config.AllowedOrigins,
		Logger:         &l,
	})

	return agent, nil
}

// Activate takes over from any previous generation: stale partitions are
// garbage-collected, the scan timer is (re)established and pending
// notifications are recomputed. Safe to call repeatedly.
func (a *Agent) Activate(ctx context.Context) error {
	if err := a.manager.Activate(ctx); err != nil {
		return err
	}
	a.scheduler.Start(context.WithoutCancel(ctx))
	if err := a.scheduler.Recompute(); err != nil {
		a.log.Error().Err(err).Msg("Could not recompute scheduled notifications")
	}
	return nil
}

// Handler returns the agent's full HTTP surface: the control channel under
// /control, everything else intercepted by the cache router.
func (a *Agent) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Mount("/control", a.control.Routes())
	mux.Handle("/*", a.router)
	return mux
}

// Run starts the HTTP server and kicks off install and activation in the
// background; neither blocks serving. Run blocks until the context is
// cancelled or the server fails.
func (a *Agent) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Port),
		Handler: a.Handler(),
	}

	go func() {
		if err := a.manager.Install(ctx); err != nil {
			a.log.Error().Err(err).Msg("Install failed")
		}
		if err := a.Activate(ctx); err != nil {
			a.log.Error().Err(err).Msg("Activation failed")
		}
	}()

	errs := make(chan error, 1)
	go func() {
		a.log.Info().Int("port", a.config.Port).Str("generation", a.config.Generation).
			Msg("Agent listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		a.Close()
		return nil
	case err := <-errs:
		a.Close()
		return err
	}
}

// Close stops the scheduler and releases all resources.
func (a *Agent) Close() {
	a.scheduler.Stop()
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	a.cacheDB.Close()
	a.store.Close()
}
