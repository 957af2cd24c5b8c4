package identity

import (
	"github.com/complykit/complykit/internal/identity/repository"
	"github.com/complykit/complykit/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
