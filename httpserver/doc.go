/*
Package httpserver implements the cvmctl status API server.

The server exposes the instance inventory kept by the lifecycle state machine
and lets operators trigger re-attestation and destroy without a shell on the
host running cvmctl. It is started by `cvmctl serve`, next to the reconcile
loop that resumes interrupted instances.

API Endpoints:

  - GET  /api/instances - list records (all=true includes archived ones)
  - GET  /api/instances/{id} - one record
  - GET  /api/instances/{id}/evidence - evidence history
  - POST /api/instances/{id}/evidence - submit evidence collected elsewhere
  - POST /api/instances/{id}/verify - start a re-attestation round
  - POST /api/instances/{id}/destroy - destroy the instance
  - GET  /livez - Liveness check
  - GET  /readyz - Readiness check
  - GET  /drain - Mark server as not ready
  - GET  /undrain - Mark server as ready

Verify and destroy run in the background and answer 202 Accepted unless the
request carries wait=true. Errors are api.ErrorResponse documents.

Metrics are served on a separate listener, pprof under /debug when enabled.

# Example Usage

	cfg := &api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:8645",
		MetricsAddr:              "127.0.0.1:8090",
		Log:                      logger,
		GracefulShutdownDuration: 30 * time.Second,
	}
	srv, err := httpserver.New(cfg, httpserver.NewHandler(machine, logger), m)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
