// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fetch clones repositories into scoped scratch directories. A
// Checkout guarantees cleanup through Close on every exit path, including
// cancellation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	githttp "github.com/go-git/go-git/v6/plumbing/transport/http"
)

// Scan kinds carried on the job envelope.
const (
	KindFullScan = "full_scan"
	KindPRScan   = "pr_scan"
)

// Sentinel errors; all are retryable only by re-enqueueing the job.
var (
	ErrRepoUnreachable = errors.New("fetch: repository unreachable")
	ErrAuthFailed      = errors.New("fetch: authentication failed")
	ErrRefNotFound     = errors.New("fetch: ref not found")
)

// Ref describes what to fetch.
type Ref struct {
	URL    string
	Kind   string // full_scan or pr_scan
	Branch string // full_scan: branch to check out at HEAD
	Commit string // optional: exact commit overriding branch HEAD

	// PR metadata (pr_scan only).
	BaseBranch string
	HeadBranch string

	// Optional credentials.
	Username string
	Token    string
}

// Checkout is a scoped working tree. Close removes the scratch directory.
type Checkout struct {
	Dir     string
	HeadSHA string

	// PR scan only: files changed between base and head, and their unified
	// diffs concatenated.
	ChangedFiles []string
	Diff         string

	logger *slog.Logger
}

// Close removes the scratch directory. Safe to call more than once.
func (c *Checkout) Close() error {
	if c.Dir == "" {
		return nil
	}
	dir := c.Dir
	c.Dir = ""
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("fetch.checkout.cleanup_failed", "dir", dir, "error", err)
		return err
	}
	c.logger.Debug("fetch.checkout.released", "dir", dir)
	return nil
}

// Fetcher clones into scratch directories under BaseDir ("" = os temp).
type Fetcher struct {
	BaseDir string
	logger  *slog.Logger
}

// New creates a Fetcher.
func New(baseDir string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{BaseDir: baseDir, logger: logger}
}

// Fetch clones the ref into a fresh scratch directory. On error the
// directory is already removed.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref) (checkout *Checkout, err error) {
	dir, err := os.MkdirTemp(f.BaseDir, "ckg-src-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	opts := &git.CloneOptions{URL: ref.URL}
	if ref.Token != "" {
		username := ref.Username
		if username == "" {
			username = "git"
		}
		opts.Auth = &githttp.BasicAuth{Username: username, Password: ref.Token}
	}
	if ref.Kind == KindFullScan && ref.Branch != "" && ref.Commit == "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref.Branch)
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, dir, opts)
	if err != nil {
		return nil, classifyError(err)
	}

	switch ref.Kind {
	case KindPRScan:
		checkout, err = f.prepPRScan(ctx, repo, dir, ref)
	default:
		checkout, err = f.prepFullScan(repo, dir, ref)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Info("fetch.checkout.ready",
		"url", ref.URL,
		"kind", ref.Kind,
		"head", checkout.HeadSHA,
		"changed_files", len(checkout.ChangedFiles),
	)
	return checkout, nil
}

func (f *Fetcher) prepFullScan(repo *git.Repository, dir string, ref Ref) (*Checkout, error) {
	if ref.Commit != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("open worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(ref.Commit)}); err != nil {
			return nil, fmt.Errorf("%w: commit %s", ErrRefNotFound, ref.Commit)
		}
	}
	head, err := repo.Head()
	if err != nil {
		return nil, classifyError(err)
	}
	return &Checkout{Dir: dir, HeadSHA: head.Hash().String(), logger: f.logger}, nil
}

func (f *Fetcher) prepPRScan(ctx context.Context, repo *git.Repository, dir string, ref Ref) (*Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baseCommit, err := resolveBranchCommit(repo, ref.BaseBranch)
	if err != nil {
		return nil, err
	}
	headCommit, err := resolveBranchCommit(repo, ref.HeadBranch)
	if err != nil {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: headCommit.Hash}); err != nil {
		return nil, fmt.Errorf("checkout head: %w", err)
	}

	patch, err := baseCommit.Patch(headCommit)
	if err != nil {
		return nil, fmt.Errorf("compute patch: %w", err)
	}

	changed := changedFiles(patch)
	return &Checkout{
		Dir:          dir,
		HeadSHA:      headCommit.Hash.String(),
		ChangedFiles: changed,
		Diff:         patch.String(),
		logger:       f.logger,
	}, nil
}

func resolveBranchCommit(repo *git.Repository, branch string) (*object.Commit, error) {
	for _, rev := range []string{branch, "origin/" + branch, "refs/remotes/origin/" + branch} {
		hash, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err == nil {
			return repo.CommitObject(*hash)
		}
	}
	return nil, fmt.Errorf("%w: branch %s", ErrRefNotFound, branch)
}

// changedFiles extracts the post-image paths from a patch, using the
// pre-image path for deletions.
func changedFiles(patch *object.Patch) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		path := ""
		if to != nil {
			path = to.Path()
		} else if from != nil {
			path = from.Path()
		}
		if path == "" {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

// classifyError maps transport failures onto the package's sentinel errors.
func classifyError(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	case errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, git.ErrBranchNotFound),
		strings.Contains(err.Error(), "couldn't find remote ref"):
		return fmt.Errorf("%w: %v", ErrRefNotFound, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %v", ErrRepoUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", ErrRepoUnreachable, err)
	}
}
