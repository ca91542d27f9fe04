// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/starnet/blockchain/app/services/coordinator/handlers/v1/public"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/events"
	"github.com/starnet/blockchain/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	Coord *coordinator.Coordinator
	Evts  *events.Events
}

// Routes binds all the version 1 routes.
func Routes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		Coord: cfg.Coord,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/peers", pbl.Peers)
	app.Handle(http.MethodGet, version, "/chain", pbl.Chain)
	app.Handle(http.MethodGet, version, "/mempool", pbl.Mempool)
	app.Handle(http.MethodDelete, version, "/mempool", pbl.ClearMempool)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitTransaction)
	app.Handle(http.MethodPost, version, "/mining/signal", pbl.SignalMining)
	app.Handle(http.MethodGet, version, "/stats", pbl.Stats)
}
