//go:build !v8

package flaredeck

import (
	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/quickjs"
)

func newBackend(cfg core.EngineConfig, loader core.SourceLoader) core.EngineBackend {
	return quickjs.NewEngine(cfg, loader)
}
