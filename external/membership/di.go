package membership

import (
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (power.GroupResolver, error) {
		cfg := do.MustInvoke[*config.Config](i)
		client := do.MustInvoke[matrix.Client](i)

		retry := matrix.DefaultRetryPolicy()
		retry.Attempts = cfg.GatewayRetryAttempts
		return NewCachedResolver(client, retry, cfg.GroupCacheTTL), nil
	})
}
