package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/dockyard/pkg/engine"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `database:
  path: ` + filepath.Join(dir, "dockyard.db") + `
workspace:
  root: ` + filepath.Join(dir, "workspaces") + `
  stacks: ` + filepath.Join(dir, "stacks") + `
telemetry:
  logging:
    level: error
`
	path := filepath.Join(dir, "dockyard.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRunJSON(t *testing.T, cfgPath string, v any, args ...string) {
	t.Helper()
	out, err := run(t, cfgPath, append(args, "--json")...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("%v: decode output: %v\n%s", args, err, out)
	}
}

func localServerID(t *testing.T, cfgPath string) string {
	t.Helper()
	var servers []engine.Server
	mustRunJSON(t, cfgPath, &servers, "server", "list")
	for _, s := range servers {
		if s.Type == engine.ServerLocal {
			return s.ID
		}
	}
	t.Fatalf("no local server in %+v", servers)
	return ""
}

func TestMigrateReportsVersion(t *testing.T) {
	cfg := writeTestConfig(t)

	var report struct {
		Version uint `json:"version"`
		Dirty   bool `json:"dirty"`
	}
	mustRunJSON(t, cfg, &report, "migrate")
	if report.Version == 0 || report.Dirty {
		t.Errorf("unexpected schema state %+v", report)
	}
}

func TestServerListShowsLocal(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, cfg, "server", "list")
	if err != nil {
		t.Fatalf("server list: %v", err)
	}
	if !strings.Contains(out, engine.LocalServerName) {
		t.Errorf("expected local server in output:\n%s", out)
	}
}

func TestProjectAndEnvironment(t *testing.T) {
	cfg := writeTestConfig(t)

	var project engine.Project
	mustRunJSON(t, cfg, &project, "--user", "alice", "project", "create", "shop")
	if project.ID == "" || project.OwnerID != "alice" {
		t.Fatalf("unexpected project %+v", project)
	}

	var projects []engine.Project
	mustRunJSON(t, cfg, &projects, "--user", "alice", "project", "list")
	if len(projects) != 1 || projects[0].ID != project.ID {
		t.Errorf("alice should see one project, got %+v", projects)
	}
	mustRunJSON(t, cfg, &projects, "--user", "bob", "project", "list")
	if len(projects) != 0 {
		t.Errorf("bob should see no projects, got %+v", projects)
	}

	var env engine.Environment
	mustRunJSON(t, cfg, &env, "--user", "alice", "env", "create", "--project", project.ID, "production")
	if env.ProjectID != project.ID {
		t.Fatalf("unexpected environment %+v", env)
	}

	out, err := run(t, cfg, "--user", "alice", "env", "set-var",
		"--project", project.ID, "--env", env.ID, "--secret", "TOKEN=abc=def")
	if err != nil {
		t.Fatalf("set-var: %v\n%s", err, out)
	}

	var envs []engine.Environment
	mustRunJSON(t, cfg, &envs, "--user", "alice", "env", "list", "--project", project.ID)
	if len(envs) != 1 || len(envs[0].Variables) != 1 {
		t.Fatalf("unexpected environments %+v", envs)
	}
	if v := envs[0].Variables[0]; v.Key != "TOKEN" || v.Value != engine.SecretMask {
		t.Errorf("secret should be masked, got %+v", v)
	}

	if _, err := run(t, cfg, "--user", "bob", "env", "list", "--project", project.ID); err == nil {
		t.Error("expected bob to be refused alice's project")
	}
}

func TestResourceLifecycleWithoutDeploy(t *testing.T) {
	cfg := writeTestConfig(t)
	serverID := localServerID(t, cfg)

	var project engine.Project
	mustRunJSON(t, cfg, &project, "-u", "alice", "project", "create", "shop")
	var env engine.Environment
	mustRunJSON(t, cfg, &env, "-u", "alice", "env", "create", "-p", project.ID, "staging")

	var res engine.Resource
	mustRunJSON(t, cfg, &res, "-u", "alice", "resource", "create",
		"-p", project.ID, "--env", env.ID, "--server", serverID,
		"--name", "web", "--kind", "docker-image",
		"--kind-config", `{"image":"nginx:1.27","port":80}`,
		"--var", "MODE=prod")
	if res.Status != engine.StatusCreated || res.HasContainer() {
		t.Fatalf("unexpected resource %+v", res)
	}

	var got engine.Resource
	mustRunJSON(t, cfg, &got, "-u", "alice", "resource", "get", "-p", project.ID, res.ID)
	if got.ID != res.ID || len(got.Variables) != 1 {
		t.Errorf("unexpected resource %+v", got)
	}

	out, err := run(t, cfg, "-u", "alice", "resource", "status", "-p", project.ID, res.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(out) != string(engine.StatusCreated) {
		t.Errorf("status output = %q", out)
	}

	if _, err := run(t, cfg, "-u", "alice", "resource", "stop", "-p", project.ID, res.ID); err == nil {
		t.Error("expected stop of a never-deployed resource to fail")
	}

	if _, err := run(t, cfg, "-u", "alice", "resource", "rm", "-p", project.ID, res.ID); err != nil {
		t.Fatalf("rm: %v", err)
	}

	var list []engine.Resource
	mustRunJSON(t, cfg, &list, "-u", "alice", "resource", "list", "-p", project.ID)
	if len(list) != 0 {
		t.Errorf("expected no resources after rm, got %+v", list)
	}
}

func TestResourceCreateRejectsBadInput(t *testing.T) {
	cfg := writeTestConfig(t)
	serverID := localServerID(t, cfg)

	var project engine.Project
	mustRunJSON(t, cfg, &project, "-u", "alice", "project", "create", "shop")
	var env engine.Environment
	mustRunJSON(t, cfg, &env, "-u", "alice", "env", "create", "-p", project.ID, "staging")

	base := []string{"-u", "alice", "resource", "create", "-p", project.ID,
		"--env", env.ID, "--server", serverID, "--name", "web"}

	tests := []struct {
		name string
		args []string
	}{
		{"unknown kind", []string{"--kind", "vm"}},
		{"invalid json", []string{"--kind", "docker-image", "--kind-config", "{"}},
		{"missing image", []string{"--kind", "docker-image", "--kind-config", `{"port":80}`}},
		{"malformed var", []string{"--kind", "service", "--var", "NOVALUE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(append([]string{}, base...), tt.args...)
			if _, err := run(t, cfg, args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCommandsRequireUser(t *testing.T) {
	t.Setenv("DOCKYARD_USER", "")
	cfg := writeTestConfig(t)

	_, err := run(t, cfg, "project", "list")
	if err == nil || !strings.Contains(err.Error(), "caller identity required") {
		t.Fatalf("expected identity error, got %v", err)
	}
}

func TestParseVar(t *testing.T) {
	tests := []struct {
		in      string
		want    engine.EnvVar
		wantErr bool
	}{
		{in: "A=1", want: engine.EnvVar{Key: "A", Value: "1"}},
		{in: "A=", want: engine.EnvVar{Key: "A"}},
		{in: "URL=a=b", want: engine.EnvVar{Key: "URL", Value: "a=b"}},
		{in: "A", wantErr: true},
		{in: "=1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseVar(tt.in, false)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseVar(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseVar(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestDatabasePasswordShownOnlyAtCreate(t *testing.T) {
	cfg := writeTestConfig(t)
	serverID := localServerID(t, cfg)

	var project engine.Project
	mustRunJSON(t, cfg, &project, "-u", "alice", "project", "create", "shop")
	var env engine.Environment
	mustRunJSON(t, cfg, &env, "-u", "alice", "env", "create", "-p", project.ID, "staging")

	cmd := newRootCommand("test", "none", "now")
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", cfg, "-u", "alice", "--json", "resource", "create",
		"-p", project.ID, "--env", env.ID, "--server", serverID,
		"--name", "db", "--kind", "database", "--kind-config", `{"engine":"postgres","password":"pw-from-user"}`})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("create: %v\n%s", err, stderr.String())
	}
	if !strings.Contains(stderr.String(), "pw-from-user") {
		t.Errorf("expected the password on stderr at create, got %q", stderr.String())
	}
	if strings.Contains(stdout.String(), "pw-from-user") {
		t.Errorf("password leaked into the resource output: %s", stdout.String())
	}

	var res engine.Resource
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := run(t, cfg, "-u", "alice", "--json", "resource", "get", "-p", project.ID, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(out, "pw-from-user") {
		t.Errorf("password leaked on read: %s", out)
	}
}
