package convergence

import (
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		client := do.MustInvoke[matrix.Client](i)
		resolver := do.MustInvoke[power.GroupResolver](i)

		retry := matrix.DefaultRetryPolicy()
		retry.Attempts = cfg.GatewayRetryAttempts
		return NewEngine(repo, client, resolver, retry), nil
	})
}
