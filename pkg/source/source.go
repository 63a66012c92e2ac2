// Package source materializes resource sources into scratch workspaces
// before an image is built. Repository fetching sits behind the Fetcher
// interface so it can be replaced by an external build pipeline.
package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// Workspace is a scratch directory holding a resource's source tree.
type Workspace struct {
	// Dir is the absolute path of the workspace.
	Dir string

	// Fetched is true when a repository was cloned into Dir.
	Fetched bool

	root string
}

// HasDockerfile reports whether the workspace contains a Dockerfile at its root.
func (w *Workspace) HasDockerfile() bool {
	if w == nil {
		return false
	}
	info, err := os.Stat(filepath.Join(w.Dir, "Dockerfile"))
	return err == nil && !info.IsDir()
}

// Cleanup removes the workspace. It refuses to remove anything outside the root.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	rel, err := filepath.Rel(w.root, w.Dir)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root: %s", w.Dir)
	}
	return os.RemoveAll(w.Dir)
}

// Fetcher populates dest with the given branch of a repository.
type Fetcher interface {
	Fetch(ctx context.Context, repoURL, branch, dest string) error
}

// NoopFetcher leaves the workspace empty.
type NoopFetcher struct{}

// Fetch does nothing.
func (NoopFetcher) Fetch(context.Context, string, string, string) error { return nil }

// GitFetcher runs a shallow single-branch clone with the git binary.
type GitFetcher struct {
	// Binary is the git executable. Empty means "git" on PATH.
	Binary string
}

// Fetch clones repoURL at branch into dest.
func (g GitFetcher) Fetch(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", repoURL, ".")

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dest
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Provider creates workspaces under a common root.
type Provider struct {
	root    string
	fetcher Fetcher
	logger  zerolog.Logger
}

// NewProvider ensures root exists. A nil fetcher means NoopFetcher.
func NewProvider(root string, fetcher Fetcher, logger zerolog.Logger) (*Provider, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if fetcher == nil {
		fetcher = NoopFetcher{}
	}
	return &Provider{
		root:    abs,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "source").Logger(),
	}, nil
}

// Root returns the absolute workspace root.
func (p *Provider) Root() string { return p.root }

// Materialize creates a fresh workspace for res and fetches its repository
// when the resource is git-backed. The caller must call Cleanup.
func (p *Provider) Materialize(ctx context.Context, res *engine.Resource) (*Workspace, error) {
	dir, err := os.MkdirTemp(p.root, res.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{Dir: dir, root: p.root}

	git, ok := res.Config.(engine.GitConfig)
	if !ok || git.RepositoryURL == "" {
		return ws, nil
	}

	p.logger.Debug().
		Str("resource", res.ID).
		Str("repository", git.RepositoryURL).
		Str("branch", git.Branch).
		Msg("Fetching source")

	if err := p.fetcher.Fetch(ctx, git.RepositoryURL, git.Branch, dir); err != nil {
		_ = ws.Cleanup()
		return nil, fmt.Errorf("fetch %s: %w", git.RepositoryURL, err)
	}
	_, isNoop := p.fetcher.(NoopFetcher)
	ws.Fetched = !isNoop
	return ws, nil
}
