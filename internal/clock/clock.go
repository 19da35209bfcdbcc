package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock time so settlement windows and decision
// cache checkpoints can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real wall clock.
func System() Clock { return systemClock{} }

// Module provides the system clock to the application graph.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return System() }),
)
