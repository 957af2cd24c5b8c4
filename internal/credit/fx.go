package credit

import (
	"github.com/complykit/complykit/internal/credit/repository"
	"github.com/complykit/complykit/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
