package transport

import (
	"go.uber.org/fx"

	transporthttp "github.com/dataprochub/broker/internal/transport/http"
)

// Module exports all transport modules
var Module = fx.Options(
	transporthttp.Module,
)
