package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Catalog manages projects and environments for their owners. The
// orchestrator only reads what it writes.
type Catalog struct {
	store ProjectStore
}

// NewCatalog creates a project catalog.
func NewCatalog(store ProjectStore) *Catalog {
	return &Catalog{store: store}
}

// CreateProject creates a project owned by user.
func (c *Catalog) CreateProject(ctx context.Context, user, name string) (*Project, error) {
	if user == "" {
		return nil, NewForbiddenError("caller identity is required", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewInvalidConfigError("project name is required", nil)
	}
	now := time.Now().UTC()
	p := &Project{
		ID:        uuid.New().String(),
		OwnerID:   user,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateProject(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, NewConflictError(fmt.Sprintf("project %q already exists", name), nil).WithCode(ErrCodeAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// GetProject returns a project the caller owns.
func (c *Catalog) GetProject(ctx context.Context, user, projectID string) (*Project, error) {
	return authorizeProject(ctx, c.store, user, projectID)
}

// ListProjects returns the projects owned by user.
func (c *Catalog) ListProjects(ctx context.Context, user string) ([]*Project, error) {
	if user == "" {
		return nil, NewForbiddenError("caller identity is required", nil)
	}
	projects, err := c.store.ListProjects(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// CreateEnvironment adds an environment to an owned project.
func (c *Catalog) CreateEnvironment(ctx context.Context, user, projectID, name, envType string) (*Environment, error) {
	if _, err := authorizeProject(ctx, c.store, user, projectID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewInvalidConfigError("environment name is required", nil)
	}
	if envType == "" {
		envType = name
	}
	now := time.Now().UTC()
	env := &Environment{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		Type:      envType,
		Variables: []EnvVar{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateEnvironment(ctx, env); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, NewConflictError(fmt.Sprintf("environment %q already exists", name), nil).WithCode(ErrCodeAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	return env, nil
}

// ListEnvironments returns the environments of an owned project.
func (c *Catalog) ListEnvironments(ctx context.Context, user, projectID string) ([]*Environment, error) {
	if _, err := authorizeProject(ctx, c.store, user, projectID); err != nil {
		return nil, err
	}
	envs, err := c.store.ListEnvironments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	return envs, nil
}

// SetVariable inserts or replaces one environment variable.
func (c *Catalog) SetVariable(ctx context.Context, user, projectID, environmentID string, v EnvVar) error {
	if _, err := authorizeProject(ctx, c.store, user, projectID); err != nil {
		return err
	}
	env, err := c.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewNotFoundError(fmt.Sprintf("environment %s not found", environmentID), nil)
		}
		return fmt.Errorf("failed to load environment: %w", err)
	}
	if env.ProjectID != projectID {
		return NewNotFoundError(fmt.Sprintf("environment %s not found in project %s", environmentID, projectID), nil)
	}
	v.Key = strings.TrimSpace(v.Key)
	if err := validateVariables([]EnvVar{v}); err != nil {
		return err
	}
	if err := c.store.SetEnvironmentVariable(ctx, environmentID, v); err != nil {
		return fmt.Errorf("failed to set variable: %w", err)
	}
	return nil
}
