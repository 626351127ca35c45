/*
Package api defines the status API shared by the cvmctl server and its clients.

The status API is a local, read-mostly view of the instance inventory with
triggers for the operator-driven lifecycle operations. It is served by the
httpserver package and consumed by the clients subpackage.

# Endpoints

  - GET  /api/instances[?all=true] - list instance records
  - GET  /api/instances/{id} - one record
  - GET  /api/instances/{id}/evidence - evidence history
  - POST /api/instances/{id}/evidence - submit externally collected evidence
  - POST /api/instances/{id}/verify[?wait=true] - start a re-attestation round
  - POST /api/instances/{id}/destroy[?wait=true] - destroy the instance

Without wait=true the verify and destroy triggers answer 202 Accepted with
the current record and run in the background.

# Errors

Failures are returned as ErrorResponse documents carrying the error kind,
rejection reason and the instance state. ErrorResponse.Err rebuilds an
interfaces.LifecycleError, so clients map failures to the same exit codes as
local operations.
*/
package api
