package jobs

import (
	"go.uber.org/fx"

	"github.com/dataprochub/broker/internal/jobs/reaper"
)

// Module exports all job modules
var Module = fx.Options(
	reaper.Module,
)
