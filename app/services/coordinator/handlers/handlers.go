// Package handlers manages the different versions of the API.
package handlers

import (
	"context"
	"net/http"
	"os"

	v1 "github.com/starnet/blockchain/app/services/coordinator/handlers/v1"
	"github.com/starnet/blockchain/business/web/v1/mid"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/events"
	"github.com/starnet/blockchain/foundation/web"
	"go.uber.org/zap"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Shutdown chan os.Signal
	Log      *zap.SugaredLogger
	Coord    *coordinator.Coordinator
	Evts     *events.Events
}

// PublicMux constructs a http.Handler with all application routes defined.
func PublicMux(cfg MuxConfig) http.Handler {

	// Construct the web.App which holds all routes as well as common Middleware.
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Metrics(),
		mid.Cors("*"),
		mid.Panics(),
	)

	// Accept CORS 'OPTIONS' preflight requests.
	h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return nil
	}
	app.Handle(http.MethodOptions, "", "/*", h, mid.Cors("*"))

	// Load the v1 routes.
	v1.Routes(app, v1.Config{
		Log:   cfg.Log,
		Coord: cfg.Coord,
		Evts:  cfg.Evts,
	})

	return app
}
