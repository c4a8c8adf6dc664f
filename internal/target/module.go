package target

import "go.uber.org/fx"

// Module provides the executor both as itself and as the crash Reproducer.
var Module = fx.Options(
	fx.Provide(NewExecutor),
	fx.Provide(func(e *Executor) Reproducer { return e }),
)
