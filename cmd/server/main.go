package main

import (
	"go.uber.org/fx"

	"github.com/dataprochub/broker/internal/config"
	"github.com/dataprochub/broker/internal/endpoint"
	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/jobs"
	"github.com/dataprochub/broker/internal/logging"
	"github.com/dataprochub/broker/internal/metadata"
	"github.com/dataprochub/broker/internal/orchestrator"
	"github.com/dataprochub/broker/internal/persistence"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/service"
	"github.com/dataprochub/broker/internal/templatestore"
	"github.com/dataprochub/broker/internal/transport"
)

var Everything = fx.Options(
	config.Module,
	logging.Module,
	metadata.Module,
	templatestore.Module,
	resolver.Module,
	gateway.Module,
	endpoint.Module,
	persistence.Module,
	orchestrator.Module,
	service.Module,
	jobs.Module,
	transport.Module,
)

func main() {
	app := fx.New(Everything)
	app.Run()
}
