package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/config"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/gate"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pump"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/saga"
	transportpkg "github.com/BookBeat/knightbus-sub001/transport"
)

// ErrServiceStarted is returned by Start when the service is already running.
var ErrServiceStarted = errors.New("knightbus: service already started")

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the configured or built-in defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// ScopeProvider opens the per-message scope. Defaults to an empty scope.
	ScopeProvider pipeline.ScopeProvider
	// Transports resolves Config.PubSubSystem. Defaults to transport.DefaultRegistry.
	Transports *transportpkg.Registry
	// LockManager overrides Config.LockBackend.
	LockManager *lock.Manager
	// SagaStore overrides Config.SagaBackend. It is initialised by the service.
	SagaStore       saga.Store
	Registerer      prometheus.Registerer
	TracerProvider  trace.TracerProvider
	ErrorClassifier ErrorClassifier
}

// Service owns the handler registry and runs one message pump per handler.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry      *Registry
	transport     transportpkg.Transport
	scopeProvider pipeline.ScopeProvider
	lockManager   *lock.Manager
	sagaStore     saga.Store
	throttle      *gate.Gate

	middlewares   []pipeline.Middleware
	middlewaresMu sync.Mutex

	metrics         *Metrics
	registerer      prometheus.Registerer
	tracerProvider  trace.TracerProvider
	errorClassifier ErrorClassifier
	resources       *resourceSampler

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closers []Closer
	started atomic.Bool
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot. Register handlers on the returned Service before calling
// Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning construction errors.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log = loggingpkg.OrNop(log)
	log.Info("Creating knightbus service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"lock_backend":  conf.LockBackend,
		"saga_backend":  conf.SagaBackend,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		registry:        NewRegistry(),
		scopeProvider:   deps.ScopeProvider,
		registerer:      deps.Registerer,
		tracerProvider:  deps.TracerProvider,
		errorClassifier: deps.ErrorClassifier,
		resources:       newResourceSampler(),
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	if err := s.open(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) open(ctx context.Context, deps ServiceDependencies) error {
	if s.Conf.PubSubSystem != "" {
		transports := deps.Transports
		if transports == nil {
			transports = transportpkg.DefaultRegistry
		}
		t, err := transports.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return fmt.Errorf("build transport %q: %w", s.Conf.PubSubSystem, err)
		}
		s.transport = t
		s.closers = append(s.closers, closeTransport(t))

		caps := transports.GetCapabilities(s.Conf.PubSubSystem)
		s.Logger.Info("Transport ready", loggingpkg.LogFields{
			"transport":         s.Conf.PubSubSystem,
			"native_locks":      caps.NativeLocks,
			"lock_renewal":      caps.LockRenewal,
			"native_deadletter": caps.NativeDeadLetter,
			"bridged":           t.Source == nil,
		})
	}

	s.lockManager = deps.LockManager
	if s.lockManager == nil {
		mgr, closer, err := OpenLockManager(ctx, s.Conf, s.Logger)
		if err != nil {
			return err
		}
		s.lockManager = mgr
		s.closers = append(s.closers, closer)
	}

	s.sagaStore = deps.SagaStore
	if s.sagaStore == nil {
		store, closer, err := OpenSagaStore(ctx, s.Conf)
		if err != nil {
			return err
		}
		s.sagaStore = store
		s.closers = append(s.closers, closer)
	} else if err := s.sagaStore.Init(ctx); err != nil {
		return fmt.Errorf("initialise saga store: %w", err)
	}

	if s.Conf.MetricsEnabled {
		s.metrics = NewMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if s.Conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
			s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
		}
	}
	return nil
}

func closeTransport(t transportpkg.Transport) Closer {
	if t.Close != nil {
		return t.Close
	}
	return func() error {
		var errs []error
		if t.Publisher != nil {
			errs = append(errs, t.Publisher.Close())
		}
		if t.Subscriber != nil {
			errs = append(errs, t.Subscriber.Close())
		}
		return errors.Join(errs...)
	}
}

func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) defaultSettings() handlers.ProcessingSettings {
	return handlers.ProcessingSettings{
		MaxConcurrentCalls:      s.Conf.MaxConcurrentCalls,
		PrefetchCount:           s.Conf.PrefetchCount,
		MessageLockTimeout:      s.Conf.MessageLockTimeout,
		DeadLetterDeliveryLimit: s.Conf.DeadLetterDeliveryLimit,
		PollingDelay:            s.Conf.PollingDelay,
	}
}

// Registry exposes the handler registry.
func (s *Service) Registry() *Registry { return s.registry }

// Handlers returns the registered handlers with their live statistics.
func (s *Service) Handlers() []*HandlerInfo { return s.registry.Handlers() }

// LockManager returns the singleton lock manager, if configured.
func (s *Service) LockManager() *lock.Manager { return s.lockManager }

// SagaStore returns the saga store, if configured.
func (s *Service) SagaStore() saga.Store { return s.sagaStore }

// Throttle returns the service-wide gate installed by ThrottleMiddleware.
func (s *Service) Throttle() *gate.Gate { return s.throttle }

// Start builds every pipeline and runs the pumps until ctx is cancelled.
// Pipeline configuration errors are returned before any message is fetched.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServiceStarted
	}
	entries := s.registry.freeze()

	s.middlewaresMu.Lock()
	shared := append([]pipeline.Middleware(nil), s.middlewares...)
	s.middlewaresMu.Unlock()

	pumps := make([]runnablePump, len(entries))
	var errs []error
	for i, e := range entries {
		mws := append(append([]pipeline.Middleware(nil), shared...), e.middlewares...)
		chain, err := pipeline.NewBuilder(s.scopeProvider, mws...).Build(e.info)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p := e.newPump(s.dispatcher(e, chain), pump.Options{
			Name:     e.info.Name,
			Settings: e.info.Settings,
			Logger:   s.Logger,
		})
		e.handler.pumpStats = p.Stats
		e.handler.pumpState = p.State
		pumps[i] = p
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.Logger.Info("Starting knightbus service", loggingpkg.LogFields{"handlers": len(entries)})
	s.startHTTPServers(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		p := pumps[i]
		g.Go(func() error {
			if e.singleton {
				return s.runSingleton(gctx, e, p)
			}
			return p.Run(gctx)
		})
	}
	err := g.Wait()
	s.Logger.Info("Knightbus service stopped", nil)
	return err
}

// runSingleton keeps trying to acquire the handler lock and runs the pump
// while it is held.
func (s *Service) runSingleton(ctx context.Context, e *registration, p runnablePump) error {
	name := e.info.Name
	logger := s.Logger.With(loggingpkg.LogFields{"handler": name, "lock_id": e.lockID})
	opts := lock.ExclusiveOptions{
		Lease:         s.Conf.SingletonLease,
		RenewInterval: s.Conf.SingletonRenewInterval,
		RetryInterval: s.Conf.SingletonRetryInterval,
		Logger:        logger,
	}
	retry := s.Conf.SingletonRetryInterval
	if retry <= 0 {
		retry = lock.DefaultLease / 6
	}

	for ctx.Err() == nil {
		acquired, err := lock.RunExclusive(ctx, s.lockManager, e.lockID, opts, func(ctx context.Context) error {
			logger.Info("Singleton lock acquired, starting pump", nil)
			s.metrics.singleton(name, true)
			defer s.metrics.singleton(name, false)
			return p.Run(ctx)
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			logger.Error("Singleton pump stopped", err, nil)
		case !acquired:
			logger.Trace("Singleton lock held elsewhere", nil)
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}

// Close releases the transport and storage connections opened by the service.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if s.closers[i] != nil {
			errs = append(errs, s.closers[i]())
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": server.Addr})
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": server.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}
}
