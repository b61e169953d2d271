package command

import (
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/foxseedlab/heyamori/internal/session"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Dispatcher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		client := do.MustInvoke[matrix.Client](i)
		repo := do.MustInvoke[repository.Repository](i)
		engine := do.MustInvoke[*convergence.Engine](i)
		manager := do.MustInvoke[*session.Manager](i)
		resolver := do.MustInvoke[power.GroupResolver](i)
		notifier := do.MustInvoke[notify.Notifier](i)

		retry := matrix.DefaultRetryPolicy()
		retry.Attempts = cfg.GatewayRetryAttempts
		return NewDispatcher(client, repo, engine, manager, resolver, notifier, cfg.Policy(), cfg.CommandPrefix, retry), nil
	})
}
