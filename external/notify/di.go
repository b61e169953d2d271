// Package notify composes the configured operator notifiers.
package notify

import (
	"log/slog"

	"github.com/foxseedlab/heyamori/external/discord"
	"github.com/foxseedlab/heyamori/external/webhook"
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (notify.Notifier, error) {
		cfg := do.MustInvoke[*config.Config](i)

		var notifiers notify.Multi
		if cfg.NotifyWebhookURL != "" {
			notifiers = append(notifiers, do.MustInvoke[*webhook.HTTPNotifier](i))
		}
		if cfg.DiscordToken != "" {
			d, err := do.Invoke[*discord.Notifier](i)
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, d)
		}
		if len(notifiers) == 0 {
			slog.Info("no operator notification channel configured")
			return notify.Nop{}, nil
		}
		return notifiers, nil
	})
}
