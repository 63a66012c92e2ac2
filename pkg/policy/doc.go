// Package policy provides Open Policy Agent (OPA) admission for deployments.
//
// Every deploy is evaluated against the enabled policies before the resource
// leaves its current state. A policy is a Rego v1 module that defines a deny
// set; each entry is either a message string or an object:
//
//	deny contains violation if {
//		input.resource.port == 22
//		violation := {"message": "port 22 is reserved", "severity": "error"}
//	}
//
// Violations with severity error or critical block the deployment; info and
// warning violations are only logged.
//
// # Input
//
// input.resource carries id, name, kind, project_id, port, image, registry,
// tag, digest, builds, compose and the variable keys (never values).
// input.server carries id, name, type and host.
//
// Installation parameters are available under data.dockyard.params:
// allowed_registries and reserved_ports.
//
// # Built-in policies
//
//   - allowed-registries: images must come from an allowed registry
//   - reserved-ports: resources may not bind reserved ports
//   - privileged-ports: binding ports below 1024 other than 80 and 443
//   - unpinned-images: images without a tag or with latest
//   - compose-safety: compose stacks may not run privileged or mount the Docker socket
//
// Additional .rego or .json policy files are loaded with Engine.LoadPolicies
// and kept current with Loader.Watch.
package policy
