package http

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
)

type serverParams struct {
	fx.In

	Lifecycle     fx.Lifecycle
	Config        *config.Config
	SessionServer *SessionServer
	Logger        *zap.Logger
}

// StartServer runs the HTTP server on the fx lifecycle.
func StartServer(p serverParams) {
	mux := http.NewServeMux()
	p.SessionServer.Register(mux)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", p.Config.Port),
		// h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			p.Logger.Info("Starting session API server",
				zap.String("address", srv.Addr),
				zap.Int("port", p.Config.Port))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					p.Logger.Error("HTTP server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// Module provides the HTTP transport to the fx container
var Module = fx.Options(
	fx.Provide(NewSessionServer),
	fx.Invoke(StartServer),
)
