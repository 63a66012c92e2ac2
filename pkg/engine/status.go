package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceStatus is the single authoritative lifecycle state of a resource.
type ResourceStatus string

const (
	// StatusCreated indicates the resource has a valid configuration but was never deployed.
	StatusCreated ResourceStatus = "CREATED"

	// StatusDeploying indicates a deployment is in flight. It is the only transitional state.
	StatusDeploying ResourceStatus = "DEPLOYING"

	// StatusRunning indicates the container engine reported a successful start.
	StatusRunning ResourceStatus = "RUNNING"

	// StatusStopped indicates the container was stopped and removed.
	StatusStopped ResourceStatus = "STOPPED"

	// StatusFailed indicates the last deployment attempt failed.
	StatusFailed ResourceStatus = "FAILED"

	// StatusError indicates a stop attempt failed; the container may still exist.
	StatusError ResourceStatus = "ERROR"
)

// AllResourceStatuses lists every legal status value.
var AllResourceStatuses = []ResourceStatus{
	StatusCreated, StatusDeploying, StatusRunning, StatusStopped, StatusFailed, StatusError,
}

// IsTransitional returns true if the status represents an operation in progress.
func (s ResourceStatus) IsTransitional() bool {
	return s == StatusDeploying
}

// CanDeploy returns true if a deploy may start from this status.
func (s ResourceStatus) CanDeploy() bool {
	return s == StatusCreated || s == StatusStopped || s == StatusFailed
}

// CanStop returns true if a stop may be attempted from this status.
func (s ResourceStatus) CanStop() bool {
	return s == StatusRunning || s == StatusError
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case StatusCreated, StatusDeploying, StatusRunning,
		StatusStopped, StatusFailed, StatusError:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// deployableFrom lists the statuses a deploy transition may start from.
var deployableFrom = []ResourceStatus{StatusCreated, StatusStopped, StatusFailed}

// ServerStatus is the last known reachability of a server.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
)

// Validate checks if the server status is valid.
func (s ServerStatus) Validate() error {
	switch s {
	case ServerOnline, ServerOffline:
		return nil
	default:
		return fmt.Errorf("invalid server status: %s", s)
	}
}

// ServerType distinguishes the installation-local engine from registered remote hosts.
type ServerType string

const (
	ServerLocal  ServerType = "local"
	ServerRemote ServerType = "remote"
)

// Validate checks if the server type is valid.
func (t ServerType) Validate() error {
	switch t {
	case ServerLocal, ServerRemote:
		return nil
	default:
		return fmt.Errorf("invalid server type: %s", t)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceStatus(str)
	return s.Validate()
}
