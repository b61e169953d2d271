package matrix

import (
	"github.com/foxseedlab/heyamori/internal/config"
	matrixpkg "github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (matrixpkg.Client, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewClient(Config{
			HomeserverURL:  c.MatrixHomeserverURL,
			UserID:         c.MatrixUserID,
			AccessToken:    c.MatrixAccessToken,
			Password:       c.MatrixPassword,
			DeviceID:       c.MatrixDeviceID,
			ServerName:     c.MatrixServerName,
			IsSynapseAdmin: c.MatrixIsSynapseAdmin,
			RatePerSecond:  c.GatewayRatePerSecond,
		})
	})
}
