//go:build !v8

package quickjs

import (
	"errors"
	"testing"

	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/eventloop"
)

var errSetupFailed = errors.New("setup failed")

func testSetupFuncs() []setupFunc {
	return buildSetupFuncs(core.EngineConfig{
		MaxFetchRequests: 10,
		FetchTimeoutSec:  5,
		MaxResponseBytes: 1 << 20,
	})
}

func TestNewQJSPool_InvalidScript(t *testing.T) {
	_, err := newQJSPool(1, "function {{{invalid syntax", []setupFunc{}, 0)
	if err == nil {
		t.Fatal("newQJSPool should fail with invalid JS")
	}
}

func TestNewQJSPool_NoDefaultExport(t *testing.T) {
	_, err := newQJSPool(1, "var x = 1;", []setupFunc{}, 0)
	if err == nil {
		t.Fatal("newQJSPool should fail when script exports no module")
	}
}

func TestNewQJSPool_WithMemoryLimit(t *testing.T) {
	source := `export default { fetch(req) { return new Response("ok"); } };`
	pool, err := newQJSPool(1, source, testSetupFuncs(), 64)
	if err != nil {
		t.Fatalf("newQJSPool with memory limit: %v", err)
	}
	defer pool.dispose()

	w, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	pool.put(w)
}

func TestNewQJSPool_SetupFuncError(t *testing.T) {
	source := `export default { fetch(req) { return new Response("ok"); } };`
	badSetup := func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		return errSetupFailed
	}
	_, err := newQJSPool(1, source, []setupFunc{badSetup}, 0)
	if err == nil {
		t.Fatal("newQJSPool should propagate setup errors")
	}
}

func TestPool_GetPutCycle(t *testing.T) {
	source := `export default { fetch(req) { return new Response("ok"); } };`
	pool, err := newQJSPool(2, source, testSetupFuncs(), 0)
	if err != nil {
		t.Fatalf("newQJSPool: %v", err)
	}
	defer pool.dispose()

	w1, err := pool.get()
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	w2, err := pool.get()
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	if w1 == w2 {
		t.Error("pool returned the same worker twice")
	}

	pool.put(w1)
	pool.put(w2)

	w3, err := pool.get()
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	pool.put(w3)
}

func TestPool_PutOverflow(t *testing.T) {
	source := `export default { fetch(req) { return new Response("ok"); } };`
	pool, err := newQJSPool(1, source, testSetupFuncs(), 0)
	if err != nil {
		t.Fatalf("newQJSPool: %v", err)
	}
	defer pool.dispose()

	// A worker put into a full pool must be closed, not leaked or queued.
	w2, err := newQJSWorker(source, testSetupFuncs(), 0)
	if err != nil {
		t.Fatalf("newQJSWorker: %v", err)
	}
	pool.put(w2)

	// The original worker is still usable.
	w, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	pool.put(w)
}

func TestPool_PutRunsCleanup(t *testing.T) {
	source := `export default { fetch(req) { return new Response("ok"); } };`
	pool, err := newQJSPool(1, source, testSetupFuncs(), 0)
	if err != nil {
		t.Fatalf("newQJSPool: %v", err)
	}
	defer pool.dispose()

	w, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := w.rt.Eval(`globalThis.__tmp_leak = 1; globalThis.__req = {}; globalThis.__queue_batch = {};`); err != nil {
		t.Fatalf("eval: %v", err)
	}
	pool.put(w)

	w, err = pool.get()
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	defer pool.put(w)

	for _, name := range []string{"__tmp_leak", "__req", "__queue_batch"} {
		gone, err := w.rt.EvalBool("typeof globalThis." + name + " === 'undefined'")
		if err != nil {
			t.Fatalf("checking %s: %v", name, err)
		}
		if !gone {
			t.Errorf("%s survived pool.put cleanup", name)
		}
	}
}

func TestPool_GetAfterDispose(t *testing.T) {
	source := `export default { fetch(req) { return new Response("ok"); } };`
	pool, err := newQJSPool(1, source, testSetupFuncs(), 0)
	if err != nil {
		t.Fatalf("newQJSPool: %v", err)
	}
	pool.dispose()

	// dispose drains the pool; a subsequent get blocks on an empty channel,
	// so only verify the drained state here.
	select {
	case w := <-pool.workers:
		t.Errorf("pool should be empty after dispose, got worker %v", w)
	default:
	}
}
