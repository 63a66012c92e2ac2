package policy

import (
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block a deployment.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a deployment.
	SeverityError Severity = "error"

	// SeverityCritical blocks a deployment.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of s deny admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a rego module whose deny set yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Denials returns the messages of blocking violations.
func (r *Result) Denials() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v.Message)
		}
	}
	return out
}

// Params is the installation data policies read under data.dockyard.params.
type Params struct {
	// AllowedRegistries restricts image registries. Empty allows all.
	AllowedRegistries []string `json:"allowed_registries"`

	// ReservedPorts may not be bound by any resource.
	ReservedPorts []int `json:"reserved_ports"`
}

// Input is the document a policy sees as input.
type Input struct {
	Resource ResourceInput `json:"resource"`
	Server   ServerInput   `json:"server"`
}

// ResourceInput describes the resource about to be deployed. Variable values
// are never exposed to policies.
type ResourceInput struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	ProjectID string   `json:"project_id"`
	Port      int      `json:"port"`
	Image     string   `json:"image"`
	Registry  string   `json:"registry"`
	Tag       string   `json:"tag"`
	Digest    string   `json:"digest"`
	Builds    bool     `json:"builds"`
	Compose   string   `json:"compose"`
	Variables []string `json:"variables"`
}

// ServerInput describes the target server.
type ServerInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Host string `json:"host"`
}

// NewInput builds the policy input for deploying res to srv.
func NewInput(res *engine.Resource, srv *engine.Server) Input {
	in := Input{
		Resource: ResourceInput{
			ID:        res.ID,
			Name:      res.Name,
			Kind:      string(res.Kind),
			ProjectID: res.ProjectID,
			Port:      engine.ResolvedPort(res.Kind, res.Config),
			Variables: make([]string, 0, len(res.Variables)),
		},
	}
	for _, v := range res.Variables {
		in.Resource.Variables = append(in.Resource.Variables, v.Key)
	}
	if srv != nil {
		in.Server = ServerInput{ID: srv.ID, Name: srv.Name, Type: string(srv.Type), Host: srv.Host}
	}

	switch c := res.Config.(type) {
	case engine.ServiceConfig:
		in.Resource.setImage(imageOrDefault(c.Image, res.Kind))
	case engine.WebsiteConfig:
		in.Resource.setImage(imageOrDefault(c.Image, res.Kind))
	case engine.ImageConfig:
		in.Resource.setImage(c.Image)
	case engine.DatabaseConfig:
		in.Resource.setImage(engine.DatabaseImage(c))
	case engine.GitConfig:
		in.Resource.Builds = true
	case engine.ComposeConfig:
		in.Resource.Compose = c.Content
	}
	return in
}

func imageOrDefault(img string, kind engine.ResourceKind) string {
	if strings.TrimSpace(img) != "" {
		return img
	}
	return engine.DefaultImage(kind)
}

// setImage records the image and its normalized registry, tag and digest.
// An unparsable reference keeps only the raw image.
func (r *ResourceInput) setImage(img string) {
	r.Image = img
	named, err := reference.ParseNormalizedNamed(img)
	if err != nil {
		return
	}
	r.Registry = reference.Domain(named)
	if tagged, ok := named.(reference.Tagged); ok {
		r.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		r.Digest = digested.Digest().String()
	}
}
