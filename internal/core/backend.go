package core

// EngineBackend is the interface that engine implementations (QuickJS, V8)
// must satisfy. The root worker.Engine facade delegates to one of these
// based on build tags.
type EngineBackend interface {
	Execute(projectID, deployKey string, env *Env, req *WorkerRequest) *WorkerResult
	ExecuteScheduled(projectID, deployKey string, env *Env, cron string) *WorkerResult
	ExecuteQueue(projectID, deployKey string, env *Env, queueName string, messages []QueueDelivery) *WorkerResult
	ExecuteTail(projectID, deployKey string, env *Env, events []TailEvent) *WorkerResult
	ExecuteFunction(projectID, deployKey string, env *Env, fnName string, args ...any) *WorkerResult
	EnsureSource(projectID, deployKey string) error
	CompileAndCache(projectID, deployKey string, source string) ([]byte, error)
	InvalidatePool(projectID, deployKey string)
	Shutdown()
	SetDispatcher(d WorkerDispatcher)
	MaxResponseBytes() int
}
