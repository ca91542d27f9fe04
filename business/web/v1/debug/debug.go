// Package debug binds the standard library debug endpoints and the health
// checks shared by the coordinator and node services.
package debug

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/starnet/blockchain/business/web/v1/debug/checkgrp"
	"go.uber.org/zap"
)

// StandardLibraryMux registers all the debug routes from the standard library
// into a new mux bypassing the use of the DefaultServerMux. Using the
// DefaultServerMux would be a security risk since a dependency could inject a
// handler into our service without us knowing it.
func StandardLibraryMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	return mux
}

// Mux registers all the debug standard library routes and then the
// readiness and liveness checks for the service. The running function is
// consulted by the readiness check.
func Mux(build string, log *zap.SugaredLogger, running func() bool) http.Handler {
	mux := StandardLibraryMux()

	cgh := checkgrp.Handlers{
		Build:   build,
		Log:     log,
		Running: running,
	}
	mux.HandleFunc("/debug/readiness", cgh.Readiness)
	mux.HandleFunc("/debug/liveness", cgh.Liveness)

	return mux
}
