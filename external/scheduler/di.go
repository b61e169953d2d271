package scheduler

import (
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*ReconcileScheduler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		engine := do.MustInvoke[*convergence.Engine](i)
		notifier := do.MustInvoke[notify.Notifier](i)
		return NewReconcileScheduler(engine, notifier, cfg.Policy(), cfg.ReconcileInterval), nil
	})
}
