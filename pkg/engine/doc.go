// Package engine provides the core types and interfaces for the stackd
// orchestration engine.
//
// # Overview
//
// stackd brings declaratively defined container stacks up and down. The
// engine operates through a 4-phase workflow:
//
//  1. Plan - Diff the topology against recorded state (Planner)
//  2. Order - Build the start-order DAG from depends_on (GraphBuilder)
//  3. Deploy - Start services level by level, gating each level on
//     readiness probes (Deployer)
//  4. Supervise - Watch process exits and apply restart policies
//     (Supervisor)
//
// The ordering guarantee is stronger than bare start-order: a dependent
// service is not started until every dependency passed its readiness probe.
// "Container started" is never treated as "service ready".
//
// # Core Domain Types
//
//   - PlanUnit: One service operation (create/recreate/start/remove/noop)
//   - Plan: A complete deployment plan with its dependency graph
//   - Run: One execution of a plan with status tracking
//   - ServiceState: The recorded runtime state of one service
//   - LaunchSpec: Value-snapshot launch parameters handed to the runtime
//   - Event: Timeline events during deployment and supervision
//
// # Boundaries
//
// The engine talks to the container platform through ContainerRuntime
// (pkg/runtime), decides readiness through ReadinessProber (pkg/probe),
// and persists state through StateManager (pkg/stores). Errors crossing
// these boundaries are classified (transient/conflict/permanent) for
// retry decisions.
package engine
