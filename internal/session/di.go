package session

import (
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/confirm"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*confirm.Broker, error) {
		return confirm.NewBroker(nil), nil
	})
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		client := do.MustInvoke[matrix.Client](i)
		broker := do.MustInvoke[*confirm.Broker](i)
		resolver := do.MustInvoke[power.GroupResolver](i)
		notifier := do.MustInvoke[notify.Notifier](i)

		retry := matrix.DefaultRetryPolicy()
		retry.Attempts = cfg.GatewayRetryAttempts
		memberRetry := retry.Once()
		memberRetry.CallTimeout = cfg.GatewayCallTimeout
		return NewManager(repo, repo, client, broker, resolver, notifier, Options{
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			Retry:               retry,
			MemberRetry:         memberRetry,
			CommandPrefix:       cfg.CommandPrefix,
		}), nil
	})
}
