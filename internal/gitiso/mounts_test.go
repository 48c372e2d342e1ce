package gitiso

import (
	"strings"
	"testing"
)

// TestNewMountPlan_ShadowsGitDir verifies every repository mount carries a
// tmpfs over its .git path.
func TestNewMountPlan_ShadowsGitDir(t *testing.T) {
	plan, err := NewMountPlan(PlanOptions{
		ContainerID: "c1",
		GatewayURL:  "http://host.docker.internal:8377",
		SharingDir:  "/home/u/.jib/sharing",
		Worktrees:   []RepoMount{WorktreeMount("project/repo-x", "/home/u/.jib/worktrees/c1/repo-x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	var shadowed bool
	for _, m := range plan.Mounts {
		if m.Type == "tmpfs" && strings.HasSuffix(m.Target, "/.git") {
			shadowed = true
		}
		if m.Type == "bind" && strings.Contains(m.Source, ".git") {
			t.Errorf("git metadata bind-mounted: %+v", m)
		}
	}
	if !shadowed {
		t.Error("no tmpfs shadow over .git")
	}
}

// TestCheckEnv_RejectsCredentials verifies no credential variable can ride
// into a container environment.
func TestCheckEnv_RejectsCredentials(t *testing.T) {
	bad := [][]string{
		{"GITHUB_TOKEN=ghp_x"},
		{"SLACK_BOT_TOKEN=xoxb-x"},
		{"ANTHROPIC_API_KEY=sk-x"},
		{"AWS_SECRET_ACCESS_KEY=x"},
	}
	for _, env := range bad {
		if err := CheckEnv(env); err == nil {
			t.Errorf("CheckEnv(%v) accepted a credential", env)
		}
	}
	if err := CheckEnv([]string{"JIB_GATEWAY_URL=http://x", "JIB_CONTAINER_ID=c1"}); err != nil {
		t.Errorf("CheckEnv rejected harmless env: %v", err)
	}
}

// TestNewMountPlan_EnvContract verifies the sandbox env points the model
// client at the gateway and names the mounted repos.
func TestNewMountPlan_EnvContract(t *testing.T) {
	plan, err := NewMountPlan(PlanOptions{
		ContainerID: "c1",
		GatewayURL:  "http://host.docker.internal:8377",
		Worktrees: []RepoMount{
			WorktreeMount("project/repo-x", "/w/c1/repo-x"),
			WorktreeMount("project/docs", "/w/c1/docs"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"ANTHROPIC_BASE_URL=http://host.docker.internal:8377": false,
		"JIB_REPOS=project/repo-x,project/docs":               false,
	}
	for _, kv := range plan.Env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Errorf("env missing %q: %v", kv, plan.Env)
		}
	}
}

// TestNewMountPlan_PrivateModeFlag verifies the private-mode marker is set
// only when requested.
func TestNewMountPlan_PrivateModeFlag(t *testing.T) {
	plan, err := NewMountPlan(PlanOptions{ContainerID: "c1", GatewayURL: "http://x", PrivateMode: true})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, kv := range plan.Env {
		if kv == "JIB_PRIVATE_MODE=1" {
			found = true
		}
	}
	if !found {
		t.Errorf("private mode env missing: %v", plan.Env)
	}
}
