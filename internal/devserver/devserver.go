// Package devserver owns one local development session: it loads the
// project config, materializes the local binding stores, bundles the
// worker, and serves both the worker and the dashboard on one listener.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/cryguy/flaredeck"
	"github.com/cryguy/flaredeck/internal/config"
	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/dashboard"
	"github.com/cryguy/flaredeck/internal/store"
)

const (
	deployKey     = "dev"
	maxConns      = 256
	maxWorkerBody = 100 << 20
)

// Options configures one dev session.
type Options struct {
	Dir        string // project directory
	ConfigPath string // explicit config file, empty for discovery
	DataDir    string // local state, defaults to {dir}/.flaredeck
	IP         string
	Port       int
	PoolSize   int
	Watch      bool
}

// engineAPI is the slice of the runtime facade the dev server drives.
// *flaredeck.Engine satisfies it; tests substitute a stub.
type engineAPI interface {
	Execute(projectID, deployKey string, env *core.Env, req *core.WorkerRequest) *core.WorkerResult
	ExecuteScheduled(projectID, deployKey string, env *core.Env, cron string) *core.WorkerResult
	ExecuteQueue(projectID, deployKey string, env *core.Env, queueName string, messages []core.QueueDelivery) *core.WorkerResult
	CompileAndCache(projectID, deployKey, source string) ([]byte, error)
	InvalidatePool(projectID, deployKey string)
	Shutdown()
}

// scriptCache holds the current bundled source for the engine's loader.
type scriptCache struct {
	mu     sync.RWMutex
	source string
}

func (c *scriptCache) set(source string) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

func (c *scriptCache) GetWorkerScript(projectID, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.source == "" {
		return "", fmt.Errorf("no bundled script for %s/%s", projectID, key)
	}
	return c.source, nil
}

// Server is one running dev session.
type Server struct {
	opts   Options
	cfg    *config.Config
	logger *zap.Logger

	hub    *dashboard.Hub
	stores *dashboard.Stores
	env    *core.Env
	script *scriptCache
	engine engineAPI

	dash http.Handler
	addr string
	mu   sync.Mutex
}

// New loads the config, opens the binding stores, and prepares the
// session. Nothing listens until Run.
func New(opts Options, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}

	path := opts.ConfigPath
	if path == "" {
		var err error
		path, err = config.Discover(opts.Dir)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(opts.Dir, ".flaredeck")
	}
	if opts.IP == "" {
		opts.IP = cfg.Dev.IP
		if opts.IP == "" {
			opts.IP = "127.0.0.1"
		}
	}
	if opts.Port == 0 {
		opts.Port = cfg.Dev.Port
		if opts.Port == 0 {
			opts.Port = 8787
		}
	}

	s := &Server{
		opts:   opts,
		cfg:    cfg,
		logger: logger,
		hub:    dashboard.NewHub(),
		script: &scriptCache{},
	}
	if err := s.openStores(); err != nil {
		return nil, err
	}
	s.buildEnv()

	s.dash = dashboard.New(cfg, s.stores, s.hub, dashboard.Hooks{
		RunScheduled: s.runScheduled,
	}, opts.DataDir, logger)
	return s, nil
}

// openStores materializes one store per declared binding.
func (s *Server) openStores() error {
	stores := &dashboard.Stores{
		KV:      map[string]*store.KV{},
		R2:      map[string]*store.R2{},
		D1:      map[string]*store.D1{},
		Durable: map[string]*store.Durable{},
		Queues:  map[string]*store.Queue{},
	}

	for _, ns := range s.cfg.KVNamespaces {
		kv, err := store.OpenKV(filepath.Join(s.opts.DataDir, "kv", ns.Binding+".json"))
		if err != nil {
			return fmt.Errorf("opening KV namespace %s: %w", ns.Binding, err)
		}
		stores.KV[ns.Binding] = kv
	}
	for _, bucket := range s.cfg.R2Buckets {
		r2, err := store.OpenR2(filepath.Join(s.opts.DataDir, "r2"), bucket.BucketName)
		if err != nil {
			return fmt.Errorf("opening R2 bucket %s: %w", bucket.Binding, err)
		}
		stores.R2[bucket.Binding] = r2
	}
	for _, db := range s.cfg.D1Databases {
		d1, err := store.OpenD1(s.opts.DataDir, db.D1ID())
		if err != nil {
			return fmt.Errorf("opening D1 database %s: %w", db.Binding, err)
		}
		stores.D1[db.Binding] = d1
	}
	for _, do := range s.cfg.DurableObjects.Bindings {
		durable, err := store.OpenDurable(s.opts.DataDir, do.Name)
		if err != nil {
			return fmt.Errorf("opening Durable Object namespace %s: %w", do.Name, err)
		}
		stores.Durable[do.Name] = durable
	}
	for _, consumer := range s.cfg.Queues.Consumers {
		stores.Queues[consumer.Queue] = store.NewQueue(consumer.Queue, store.QueueConfig{
			MaxBatchSize:    consumer.MaxBatchSize,
			MaxBatchTimeout: time.Duration(consumer.MaxBatchTimeout * float64(time.Second)),
			MaxRetries:      consumer.MaxRetries,
		})
	}
	// Producers without a local consumer still need a destination.
	for _, producer := range s.cfg.Queues.Producers {
		if _, ok := stores.Queues[producer.Queue]; !ok {
			stores.Queues[producer.Queue] = store.NewQueue(producer.Queue, store.QueueConfig{})
		}
	}

	s.stores = stores
	return nil
}

// buildEnv assembles the worker env over the shared stores.
func (s *Server) buildEnv() {
	env := &core.Env{
		Vars:      s.cfg.StringVars(),
		Cache:     store.NewCache(),
		ProjectID: s.cfg.Name,
		D1DataDir: s.opts.DataDir,
	}

	if len(s.stores.KV) > 0 {
		env.KV = map[string]core.KVStore{}
		for name, kv := range s.stores.KV {
			env.KV[name] = kv
		}
	}
	if len(s.stores.R2) > 0 {
		env.Storage = map[string]core.R2Store{}
		for name, r2 := range s.stores.R2 {
			env.Storage[name] = r2
		}
	}
	if len(s.stores.D1) > 0 {
		env.D1 = map[string]core.D1Store{}
		env.D1Bindings = map[string]string{}
		for name, d1 := range s.stores.D1 {
			env.D1[name] = d1
			env.D1Bindings[name] = d1.DatabaseID()
		}
	}
	if len(s.stores.Durable) > 0 {
		env.DurableObjects = map[string]core.DurableObjectStore{}
		for name, d := range s.stores.Durable {
			env.DurableObjects[name] = d
		}
	}
	if len(s.cfg.Queues.Producers) > 0 {
		env.Queues = map[string]core.QueueSender{}
		for _, producer := range s.cfg.Queues.Producers {
			env.Queues[producer.Binding] = s.stores.Queues[producer.Queue]
		}
	}
	if s.cfg.Assets != nil && s.cfg.Assets.Directory != "" {
		assets, err := store.OpenAssets(filepath.Join(s.opts.Dir, s.cfg.Assets.Directory))
		if err != nil {
			s.logger.Warn("assets binding disabled", zap.Error(err))
		} else {
			env.Assets = assets
		}
	}

	s.env = env
}

// rebuild bundles the entry and swaps the compiled script into the engine.
func (s *Server) rebuild() error {
	source, err := flaredeck.BundleWorker(s.opts.Dir, s.cfg.Main)
	if err != nil {
		return fmt.Errorf("bundling %s: %w", s.cfg.Main, err)
	}
	s.script.set(source)
	if _, err := s.engine.CompileAndCache(s.cfg.Name, deployKey, source); err != nil {
		return fmt.Errorf("compiling bundle: %w", err)
	}
	s.engine.InvalidatePool(s.cfg.Name, deployKey)
	return nil
}

// Addr returns the bound listen address once Run has started serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// DashboardURL returns the dashboard's URL for the bound address.
func (s *Server) DashboardURL() string {
	return fmt.Sprintf("http://%s/__deck/", s.Addr())
}

// Run serves until ctx is cancelled, then tears the session down: HTTP
// drain first, then the engine, then the stores.
func (s *Server) Run(ctx context.Context) error {
	if s.engine == nil {
		engineCfg := core.EngineConfig{PoolSize: s.opts.PoolSize}
		s.engine = flaredeck.NewEngine(engineCfg, s.script)
	}
	flaredeck.DataDir = s.opts.DataDir

	if err := s.rebuild(); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.opts.IP, s.opts.Port))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	lis = netutil.LimitListener(lis, maxConns)
	s.mu.Lock()
	s.addr = lis.Addr().String()
	s.mu.Unlock()

	for _, r2 := range s.stores.R2 {
		r2.SetURLBase("http://" + s.addr)
	}

	srv := &http.Server{Handler: s.router()}

	pumpCtx, stopPumps := context.WithCancel(context.Background())
	defer stopPumps()
	s.startQueuePumps(pumpCtx)
	go s.cronPump(pumpCtx)
	if s.opts.Watch {
		go s.watch(pumpCtx)
	}

	s.logger.Info("dev server listening",
		zap.String("addr", s.addr),
		zap.String("project", s.cfg.Name))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdownStores()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stopPumps()
	s.engine.Shutdown()
	s.shutdownStores()
	return nil
}

func (s *Server) shutdownStores() {
	for name, d1 := range s.stores.D1 {
		if err := d1.Close(); err != nil {
			s.logger.Warn("closing D1 database", zap.String("binding", name), zap.Error(err))
		}
	}
}

// router splits dashboard traffic from worker traffic.
func (s *Server) router() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/__deck") {
			s.dash.ServeHTTP(w, r)
			return
		}
		s.handleWorker(w, r)
	})
}

// handleWorker turns the HTTP request into a worker execution.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkerBody))
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req := &core.WorkerRequest{
		Method:  r.Method,
		URL:     fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI()),
		Headers: headers,
		Body:    body,
	}

	result := s.engine.Execute(s.cfg.Name, deployKey, s.env, req)
	s.hub.PublishWorkerLogs("fetch", result.Logs)

	if result.Error != nil {
		s.hub.Publish(dashboard.Event{Type: "error", Message: result.Error.Error(), Source: "fetch"})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "worker error: %v\n", result.Error)
		return
	}

	resp := result.Response
	if resp == nil {
		http.Error(w, "worker returned no response", http.StatusInternalServerError)
		return
	}
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// runScheduled backs the dashboard's "run now" trigger button.
func (s *Server) runScheduled(cron string) error {
	result := s.engine.ExecuteScheduled(s.cfg.Name, deployKey, s.env, cron)
	s.hub.PublishWorkerLogs("scheduled", result.Logs)
	return result.Error
}
