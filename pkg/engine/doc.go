// Package engine provides the core types and services of the Dockyard
// deployment orchestrator.
//
// # Overview
//
// Dockyard deploys resources (services, websites, git-hosted apps, Docker
// images, Compose stacks and databases) onto registered servers. Each
// resource carries one lifecycle state machine:
//
//	CREATED --deploy--> DEPLOYING --> RUNNING | FAILED
//	RUNNING --stop----> STOPPED | ERROR
//	STOPPED --deploy--> DEPLOYING --> RUNNING | FAILED
//	FAILED  --deploy--> DEPLOYING --> RUNNING | FAILED
//	ERROR   --stop----> STOPPED | ERROR
//
// DEPLOYING is the only in-flight state. Stop is synchronous and has no
// persisted intermediate state.
//
// # Services
//
//   - Orchestrator: validates resource definitions, checks project ownership
//     and drives every status transition
//   - ServerRegistry: owns the server catalog and proves reachability
//   - Catalog: projects and environments for their owners
//   - Sweeper: demotes deployments stuck in DEPLOYING past a deadline
//
// Persistence, container runtimes, connectivity checks and admission
// policies are supplied through the interfaces in interfaces.go.
//
// # Concurrency
//
// Lifecycle operations on the same resource are serialized by an in-process
// lock, and every status write is a conditional transition on the stored
// status, so a second process cannot move a resource out from under a
// running operation.
//
// # Errors
//
// Errors returned by services are *Error values classified by ErrorKind:
//
//	if engine.IsForbidden(err) {
//	    // caller does not own the project
//	}
package engine
