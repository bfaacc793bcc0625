package gateway

import (
	"sync"

	"github.com/basket/taskflow/internal/coordinator"
)

// RunView is the run state served to observers.
type RunView = coordinator.RunView

type view struct {
	mu    sync.RWMutex
	state coordinator.RunView
}

func newView() *view {
	return &view{state: coordinator.NewRunView()}
}

func (v *view) apply(ev coordinator.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.Apply(ev)
}

func (v *view) snapshot() RunView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.Clone()
}
