/*
Package types defines the shared data model for the ghosthands control
plane: fleet configuration, managed worker state, the service
definitions a deploy applies, and the deploy history record.

# Core Types

Fleet and worker state:

  - FleetEntry: one configured host, worker or otherwise
  - WorkerState / Snapshot: the idle controller's mutable record of a
    managed worker and the read-only copy handed to callers
  - WorkerPhase: the cloud lifecycle phase of a worker (running,
    pending, stopping, standby, terminated, ...)

Deploys:

  - ServiceDefinition: one container to start or stop as part of a
    deploy, with its health check and drain hook
  - DeployRecord: one persisted row in the deploy history
  - DeployStatus / Trigger: a deploy's lifecycle state and what
    initiated it (CI, manual, rollback)

Worker HTTP surface:

  - WorkerHealthReport / WorkerStatusReport: the bodies a worker's own
    /worker/health and /worker/status endpoints return

# Design

Types here are plain structs with JSON tags; none carry behavior
beyond WorkerState.Snapshot. Optional fields use pointers (HealthCheck,
DrainHook) so their absence is distinguishable from a zero value.
Enums are typed strings for clarity in JSON and logs.
*/
package types
