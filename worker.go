package flaredeck

import "github.com/cryguy/flaredeck/internal/core"

// Engine wraps a backend JS engine (QuickJS by default, V8 with -tags v8).
type Engine struct {
	backend core.EngineBackend
}

// NewEngine creates a new Engine with the given config and source loader.
func NewEngine(cfg EngineConfig, loader SourceLoader) *Engine {
	return &Engine{backend: newBackend(cfg, loader)}
}

// Execute runs the worker's fetch handler for the given request.
func (e *Engine) Execute(projectID, deployKey string, env *Env, req *WorkerRequest) *WorkerResult {
	return e.backend.Execute(projectID, deployKey, env, req)
}

// ExecuteScheduled runs the worker's scheduled handler.
func (e *Engine) ExecuteScheduled(projectID, deployKey string, env *Env, cron string) *WorkerResult {
	return e.backend.ExecuteScheduled(projectID, deployKey, env, cron)
}

// ExecuteQueue delivers a batch of queue messages to the worker's queue
// handler and reports its ack/retry decisions in the result's Data field.
func (e *Engine) ExecuteQueue(projectID, deployKey string, env *Env, queueName string, messages []QueueDelivery) *WorkerResult {
	return e.backend.ExecuteQueue(projectID, deployKey, env, queueName, messages)
}

// ExecuteTail runs the worker's tail handler.
func (e *Engine) ExecuteTail(projectID, deployKey string, env *Env, events []TailEvent) *WorkerResult {
	return e.backend.ExecuteTail(projectID, deployKey, env, events)
}

// ExecuteFunction calls a named exported function on the worker module.
func (e *Engine) ExecuteFunction(projectID, deployKey string, env *Env, fnName string, args ...any) *WorkerResult {
	return e.backend.ExecuteFunction(projectID, deployKey, env, fnName, args...)
}

// EnsureSource ensures the source for the given project/deploy is loaded.
func (e *Engine) EnsureSource(projectID, deployKey string) error {
	return e.backend.EnsureSource(projectID, deployKey)
}

// CompileAndCache compiles the source and caches the bytecode.
func (e *Engine) CompileAndCache(projectID, deployKey, source string) ([]byte, error) {
	return e.backend.CompileAndCache(projectID, deployKey, source)
}

// InvalidatePool marks the pool for the given project as invalid.
func (e *Engine) InvalidatePool(projectID, deployKey string) {
	e.backend.InvalidatePool(projectID, deployKey)
}

// Shutdown disposes of all pools and workers.
func (e *Engine) Shutdown() {
	e.backend.Shutdown()
}

// SetDispatcher sets the worker dispatcher for service bindings.
func (e *Engine) SetDispatcher(d WorkerDispatcher) {
	e.backend.SetDispatcher(d)
}

// MaxResponseBytes returns the configured max response body size.
func (e *Engine) MaxResponseBytes() int {
	return e.backend.MaxResponseBytes()
}
