package engine

import (
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/core"
)

// ErrDuplicateEngine indicates two engines registered for the same kind.
var ErrDuplicateEngine = errors.New("engine already registered")

// Router selects the engine serving a voice from its engine tag.
type Router struct {
	engines map[core.EngineKind]Engine
}

// NewRouter registers engines by their Kind.
func NewRouter(engines ...Engine) (*Router, error) {
	router := &Router{engines: make(map[core.EngineKind]Engine, len(engines))}

	for _, eng := range engines {
		kind := eng.Kind()
		if _, exists := router.engines[kind]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEngine, kind)
		}

		router.engines[kind] = eng
	}

	return router, nil
}

// For returns the engine for voice.
func (r *Router) For(voice core.VoiceDescriptor) (Engine, error) {
	eng, ok := r.engines[voice.Engine]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for %q (voice %s)", core.ErrInvalidEngine, voice.Engine, voice.ID)
	}

	return eng, nil
}

// Kinds returns the registered engine kinds.
func (r *Router) Kinds() []core.EngineKind {
	kinds := make([]core.EngineKind, 0, len(r.engines))
	for _, kind := range []core.EngineKind{core.EnginePrimary, core.EngineAlternate} {
		if _, ok := r.engines[kind]; ok {
			kinds = append(kinds, kind)
		}
	}

	return kinds
}
