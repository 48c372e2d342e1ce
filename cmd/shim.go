package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/khan/jib/pkg/wire"
)

// shimCmd is the hidden in-sandbox entrypoint. The container image links
// /usr/local/bin/git and /usr/local/bin/gh to `jib shim git` / `jib shim
// gh`; everything they do is an HTTP call to the gateway. No credential
// exists on this side to leak.
func shimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "shim",
		Hidden:             true,
		DisableFlagParsing: true,
	}
	git := &cobra.Command{
		Use:                "git",
		Hidden:             true,
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(shimGit(args))
		},
	}
	gh := &cobra.Command{
		Use:                "gh",
		Hidden:             true,
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(shimGH(args))
		},
	}
	cmd.AddCommand(git, gh)
	return cmd
}

// shimEnv is the contract the container start sets up.
type shimEnv struct {
	GatewayURL  string
	ContainerID string
	client      *http.Client
}

func loadShimEnv() (*shimEnv, error) {
	url := os.Getenv("JIB_GATEWAY_URL")
	cid := os.Getenv("JIB_CONTAINER_ID")
	if url == "" || cid == "" {
		return nil, fmt.Errorf("JIB_GATEWAY_URL and JIB_CONTAINER_ID must be set")
	}
	return &shimEnv{
		GatewayURL:  strings.TrimRight(url, "/"),
		ContainerID: cid,
		client:      &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// call POSTs (or GETs with a nil body) and decodes into out. A gateway
// error envelope comes back as *wire.Error.
func (e *shimEnv) call(method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.GatewayURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var we wire.Error
		if json.NewDecoder(resp.Body).Decode(&we) == nil && we.Kind != "" {
			return &we
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// repoForCwd resolves the repository whose worktree contains the working
// directory by matching mount basenames against the worktree list.
func (e *shimEnv) repoForCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	var base string
	for dir := cwd; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if filepath.Dir(dir) == "/home/agent/work" {
			base = filepath.Base(dir)
			break
		}
	}
	if base == "" {
		return "", fmt.Errorf("not inside a repository worktree")
	}

	var infos []wire.WorktreeInfo
	if err := e.call(http.MethodGet, "/worktrees", nil, &infos); err != nil {
		return "", err
	}
	for _, info := range infos {
		if info.ContainerID != e.ContainerID {
			continue
		}
		if strings.HasSuffix(info.Repo, "/"+base) || info.Repo == base {
			return info.Repo, nil
		}
	}
	return "", fmt.Errorf("no worktree for %s", base)
}

func exitCodeFor(err error) int {
	if we, ok := err.(*wire.Error); ok {
		switch we.Kind {
		case wire.ErrNotAllowed, wire.ErrBlockedVisibility, wire.ErrBranchNotOwned, wire.ErrProtectedBranch:
			return wire.ExitBlocked
		}
	}
	return wire.ExitFailure
}

var gitNetworkVerbs = map[string]bool{"push": true, "fetch": true, "pull": true, "ls-remote": true}

// shimGit is the in-sandbox `git`. Network verbs proxy to the gateway;
// config writes edit the dotfile; everything else runs allow-listed on
// the host inside the real worktree.
func shimGit(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: git <command> [args]")
		return wire.ExitMisuse
	}

	// Tools probe the binary before using it; answer locally.
	if args[0] == "--version" || args[0] == "version" {
		fmt.Println("git version 2.43.0.jib")
		return wire.ExitOK
	}
	if args[0] == "config" {
		return shimGitConfig(args[1:])
	}

	env, err := loadShimEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return wire.ExitFailure
	}
	repo, err := env.repoForCwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "git:", err)
		return wire.ExitFailure
	}

	if gitNetworkVerbs[args[0]] {
		return shimGitNetwork(env, repo, args)
	}

	var resp wire.GitLocalResponse
	err = env.call(http.MethodPost, "/git/local", wire.GitLocalRequest{
		ContainerID: env.ContainerID,
		Repo:        repo,
		Argv:        args,
	}, &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "git:", err)
		return exitCodeFor(err)
	}
	os.Stdout.WriteString(resp.Stdout)
	os.Stderr.WriteString(resp.Stderr)
	return resp.ExitCode
}

func shimGitNetwork(env *shimEnv, repo string, args []string) int {
	verb := args[0]
	var refspec string
	force := false
	for _, a := range args[1:] {
		switch {
		case a == "--force" || a == "-f":
			force = true
		case a == "origin" || strings.HasPrefix(a, "-"):
			// The remote is always the gateway; options other than force
			// are decided host-side.
		default:
			refspec = a
		}
	}

	var resp wire.GitNetworkResponse
	err := env.call(http.MethodPost, "/git/"+verb, wire.GitNetworkRequest{
		ContainerID: env.ContainerID,
		Repo:        repo,
		Refspec:     refspec,
		Force:       force,
	}, &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "git:", err)
		return exitCodeFor(err)
	}
	os.Stdout.WriteString(resp.Stdout)
	os.Stderr.WriteString(resp.Stderr)
	return resp.ExitCode
}

// shimGitConfig supports the `--global` writes agent tooling performs at
// startup. The dotfile is plain ini; appending a [section] block per key
// keeps this dependency-free and git-compatible.
func shimGitConfig(args []string) int {
	global := false
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--global" {
			global = true
			continue
		}
		rest = append(rest, a)
	}
	if !global || len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "git config: only `git config --global <key> <value>` is supported in the sandbox")
		return wire.ExitMisuse
	}

	section, key, ok := strings.Cut(rest[0], ".")
	if !ok {
		fmt.Fprintf(os.Stderr, "git config: invalid key %q\n", rest[0])
		return wire.ExitMisuse
	}
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "git config:", err)
		return wire.ExitFailure
	}
	path := filepath.Join(home, ".gitconfig")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "git config:", err)
		return wire.ExitFailure
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s]\n\t%s = %s\n", section, key, rest[1])
	return wire.ExitOK
}

// shimGH is the in-sandbox `gh` subset: pr view/list/create/comment/
// review and run checks, all through the gateway's code proxy.
func shimGH(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gh pr <view|list|create|comment|review> | gh checks <ref>")
		return wire.ExitMisuse
	}
	env, err := loadShimEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return wire.ExitFailure
	}
	repo, err := env.repoForCwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gh:", err)
		return wire.ExitFailure
	}

	switch {
	case args[0] == "pr" && len(args) >= 2:
		return shimGHPR(env, repo, args[1:])
	case args[0] == "checks" && len(args) == 2:
		var checks []wire.CheckRun
		if err := env.call(http.MethodGet, "/code/"+repo+"/checks/"+args[1], nil, &checks); err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		for _, c := range checks {
			line := c.Name + "\t" + c.Status
			if c.Conclusion != "" {
				line += "\t" + c.Conclusion
			}
			fmt.Println(line)
		}
		return wire.ExitOK
	}
	fmt.Fprintf(os.Stderr, "gh: unsupported command %q\n", strings.Join(args, " "))
	return wire.ExitMisuse
}

func shimGHPR(env *shimEnv, repo string, args []string) int {
	flags := parseFlags(args[1:])
	switch args[0] {
	case "view":
		number := flags.positional
		if number == "" {
			fmt.Fprintln(os.Stderr, "gh pr view: a PR number is required")
			return wire.ExitMisuse
		}
		var pr wire.PullRequest
		if err := env.call(http.MethodGet, "/code/"+repo+"/pr/"+number, nil, &pr); err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		fmt.Printf("#%d %s [%s]\n%s <- %s by %s\n%s\n\n%s\n", pr.Number, pr.Title, pr.State, pr.BaseRef, pr.HeadRef, pr.Author, pr.URL, pr.Body)
		return wire.ExitOK

	case "list":
		var prs []wire.PullRequest
		if err := env.call(http.MethodGet, "/code/"+repo+"/prs", nil, &prs); err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		for _, pr := range prs {
			fmt.Printf("#%d\t%s\t%s\t%s\n", pr.Number, pr.State, pr.HeadRef, pr.Title)
		}
		return wire.ExitOK

	case "create":
		req := wire.PRCreateRequest{
			Repo:  repo,
			Title: flags.values["title"],
			Body:  flags.values["body"],
			Head:  flags.values["head"],
			Base:  flags.values["base"],
			Draft: flags.bools["draft"],
		}
		if req.Base == "" {
			req.Base = "main"
		}
		var pr wire.PullRequest
		if err := env.call(http.MethodPost, "/code/"+repo+"/pr", req, &pr); err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		fmt.Println(pr.URL)
		return wire.ExitOK

	case "comment":
		number := flags.positional
		if number == "" || flags.values["body"] == "" {
			fmt.Fprintln(os.Stderr, "gh pr comment: number and --body are required")
			return wire.ExitMisuse
		}
		err := env.call(http.MethodPost, "/code/"+repo+"/pr/"+number+"/comment",
			wire.PRCommentRequest{Repo: repo, Body: flags.values["body"]}, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		return wire.ExitOK

	case "review":
		number := flags.positional
		event := "COMMENT"
		if flags.bools["approve"] {
			event = "APPROVE"
		}
		if flags.bools["request-changes"] {
			event = "REQUEST_CHANGES"
		}
		if number == "" {
			fmt.Fprintln(os.Stderr, "gh pr review: a PR number is required")
			return wire.ExitMisuse
		}
		err := env.call(http.MethodPost, "/code/"+repo+"/pr/"+number+"/review",
			wire.PRReviewRequest{Repo: repo, Body: flags.values["body"], Event: event}, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		return wire.ExitOK

	case "merge":
		// Merging through the gateway always refuses; surface that without
		// a round trip worth of confusion.
		number := flags.positional
		err := env.call(http.MethodPut, "/code/"+repo+"/pr/"+number+"/merge", struct{}{}, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "gh:", err)
			return exitCodeFor(err)
		}
		return wire.ExitOK
	}
	fmt.Fprintf(os.Stderr, "gh pr: unsupported subcommand %q\n", args[0])
	return wire.ExitMisuse
}

type ghFlags struct {
	values     map[string]string
	bools      map[string]bool
	positional string
}

// parseFlags handles the small `--flag value` / `--flag=value` surface
// the gh subset needs.
func parseFlags(args []string) ghFlags {
	f := ghFlags{values: map[string]string{}, bools: map[string]bool{}}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			if f.positional == "" {
				if _, err := strconv.Atoi(a); err == nil {
					f.positional = a
				}
			}
			continue
		}
		name := strings.TrimPrefix(a, "--")
		if name2, val, ok := strings.Cut(name, "="); ok {
			f.values[name2] = val
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			f.values[name] = args[i+1]
			i++
		} else {
			f.bools[name] = true
		}
	}
	return f
}
