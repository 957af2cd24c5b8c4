package assessment

import (
	"github.com/complykit/complykit/internal/assessment/agent"
	"github.com/complykit/complykit/internal/assessment/domain"
	"github.com/complykit/complykit/internal/assessment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("assessment.service",
	fx.Provide(
		fx.Annotate(agent.NewClient, fx.As(new(domain.Agent))),
	),
	fx.Provide(service.New),
)
