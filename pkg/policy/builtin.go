package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		allowedRegistriesPolicy(),
		reservedPortsPolicy(),
		privilegedPortsPolicy(),
		unpinnedImagesPolicy(),
		composeSafetyPolicy(),
	}
}

// allowedRegistriesPolicy restricts where images may be pulled from.
func allowedRegistriesPolicy() Policy {
	return Policy{
		Name:        "allowed-registries",
		Description: "Images must come from an allowed registry when a list is configured",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dockyard.policies.registries

import rego.v1

default registries := []

registries := data.dockyard.params.allowed_registries

deny contains violation if {
	count(registries) > 0
	image := input.resource.image
	image != ""
	not input.resource.registry in registries
	violation := {
		"message": sprintf("image %s is not from an allowed registry (%s)", [image, concat(", ", registries)]),
		"severity": "error",
	}
}
`,
	}
}

// reservedPortsPolicy keeps resources off ports the host needs.
func reservedPortsPolicy() Policy {
	return Policy{
		Name:        "reserved-ports",
		Description: "Resources may not bind reserved host ports",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dockyard.policies.ports

import rego.v1

default reserved := [22]

reserved := data.dockyard.params.reserved_ports

deny contains violation if {
	port := input.resource.port
	port in reserved
	violation := {
		"message": sprintf("port %d is reserved on server %s", [port, input.server.name]),
		"severity": "error",
	}
}
`,
	}
}

// privilegedPortsPolicy flags low ports other than the web ports.
func privilegedPortsPolicy() Policy {
	return Policy{
		Name:        "privileged-ports",
		Description: "Ports below 1024 other than 80 and 443 need review",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package dockyard.policies.privileged

import rego.v1

web_ports := {80, 443}

deny contains violation if {
	port := input.resource.port
	port > 0
	port < 1024
	not port in web_ports
	violation := {
		"message": sprintf("resource %s binds privileged port %d", [input.resource.name, port]),
		"severity": "warning",
	}
}
`,
	}
}

// unpinnedImagesPolicy flags images that float with latest.
func unpinnedImagesPolicy() Policy {
	return Policy{
		Name:        "unpinned-images",
		Description: "Images should be pinned to a tag other than latest or a digest",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package dockyard.policies.pinning

import rego.v1

deny contains msg if {
	input.resource.image != ""
	input.resource.digest == ""
	input.resource.tag in {"", "latest"}
	msg := sprintf("image %s is not pinned", [input.resource.image])
}
`,
	}
}

// composeSafetyPolicy rejects stacks that can take over the host.
func composeSafetyPolicy() Policy {
	return Policy{
		Name:        "compose-safety",
		Description: "Compose stacks may not run privileged containers or mount the Docker socket",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dockyard.policies.compose

import rego.v1

deny contains violation if {
	input.resource.kind == "compose"
	regex.match("(?m)^\\s*privileged:\\s*(true|yes)\\s*$", input.resource.compose)
	violation := {
		"message": sprintf("compose stack %s runs a privileged container", [input.resource.name]),
		"severity": "error",
	}
}

deny contains violation if {
	input.resource.kind == "compose"
	contains(input.resource.compose, "/var/run/docker.sock")
	violation := {
		"message": sprintf("compose stack %s mounts the Docker socket", [input.resource.name]),
		"severity": "error",
	}
}

deny contains violation if {
	input.resource.kind == "compose"
	regex.match("(?m)^\\s*network_mode:\\s*[\"']?host[\"']?\\s*$", input.resource.compose)
	violation := {
		"message": sprintf("compose stack %s uses host networking", [input.resource.name]),
		"severity": "warning",
	}
}
`,
	}
}
