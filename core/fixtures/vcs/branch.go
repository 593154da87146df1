// Package vcs provides a fixture that cuts a scratch branch in a local git
// repository for each test and deletes it afterwards.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/logging"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
)

// ResourceType is the fixture type name.
const ResourceType = "git_branch"

const defaultBranchPrefix = "debench/"

// Fixture creates one branch per test.
type Fixture struct {
	mu   sync.Mutex
	data fixtures.ResourceData
}

// New builds a branch fixture.
func New() *Fixture { return &Fixture{} }

func (f *Fixture) ResourceType() string { return ResourceType }

func (f *Fixture) DefaultConfig() fixtures.Config {
	return fixtures.Config{
		"repo_path":     ".",
		"base":          "HEAD",
		"branch_prefix": defaultBranchPrefix,
	}
}

// SetupResource creates the branch from base and, when remote is set, pushes
// it. A failed push returns data so teardown removes the local branch.
func (f *Fixture) SetupResource(ctx context.Context, cfg fixtures.Config) (fixtures.ResourceData, error) {
	path := cfg.String("repo_path", ".")
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	base := cfg.String("base", "HEAD")
	hash, err := repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	branch := cfg.String("branch_prefix", defaultBranchPrefix) + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	refName := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, *hash)); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}
	data := fixtures.ResourceData{
		"repo_path": path,
		"branch":    branch,
		"commit":    hash.String(),
	}
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()

	if remote := cfg.String("remote", ""); remote != "" {
		data["remote"] = remote
		spec := config.RefSpec(fmt.Sprintf("%s:%s", refName, refName))
		if err := push(ctx, repo, remote, spec); err != nil {
			return data, fmt.Errorf("push branch %s: %w", branch, err)
		}
		data["pushed"] = true
	}
	return data, nil
}

// TeardownResource deletes the remote branch when it was pushed, then the
// local one. Already deleted branches are not an error.
func (f *Fixture) TeardownResource(ctx context.Context, data fixtures.ResourceData) error {
	branch := data.String("branch")
	if branch == "" {
		return nil
	}
	repo, err := open(data.String("repo_path"))
	if err != nil {
		return err
	}
	refName := plumbing.NewBranchReferenceName(branch)
	var pushErr error
	if pushed, _ := data["pushed"].(bool); pushed {
		spec := config.RefSpec(":" + refName.String())
		if pushErr = push(ctx, repo, data.String("remote"), spec); pushErr == nil {
			data["pushed"] = false
		} else {
			logging.Warn("vcs", "remote branch delete failed", "branch", branch, "error", pushErr)
		}
	}
	if err := repo.Storer.RemoveReference(refName); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	if pushErr != nil {
		return fmt.Errorf("delete remote branch %s: %w", branch, pushErr)
	}
	return nil
}

func (f *Fixture) ConfigSection() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil
	}
	return map[string]any{
		"git": map[string]any{
			"repo_path": f.data.String("repo_path"),
			"branch":    f.data.String("branch"),
			"commit":    f.data.String("commit"),
		},
	}
}

func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return repo, nil
}

func push(ctx context.Context, repo *git.Repository, remote string, spec config.RefSpec) error {
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{spec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}
