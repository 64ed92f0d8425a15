//go:build v8

package flaredeck

import (
	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/v8engine"
)

func newBackend(cfg core.EngineConfig, loader core.SourceLoader) core.EngineBackend {
	return v8engine.NewEngine(cfg, loader)
}
