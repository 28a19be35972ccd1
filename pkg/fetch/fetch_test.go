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

package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFilterSkipFile(t *testing.T) {
	f := DefaultFilter(100)

	assert.True(t, f.SkipFile("logo.png", 10))
	assert.True(t, f.SkipFile("bundle.min.js", 10))
	assert.True(t, f.SkipFile("big.py", 1000))
	assert.False(t, f.SkipFile("app/service.py", 10))
}

func TestDefaultFilterSkipDir(t *testing.T) {
	f := DefaultFilter(0)

	assert.True(t, f.SkipDir("node_modules"))
	assert.True(t, f.SkipDir("__pycache__"))
	assert.True(t, f.SkipDir(".git"))
	assert.False(t, f.SkipDir("app"))
}

func TestWalkSkipsIgnoredTrees(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, root, "app/main.py", "print('hi')\n")
	mustWrite(t, root, "node_modules/pkg/index.js", "module.exports = 1\n")
	mustWrite(t, root, "assets/logo.png", "not really a png")
	mustWrite(t, root, "lib/util.py", "x = 1\n")

	var seen []string
	f := DefaultFilter(0)
	require.NoError(t, f.Walk(root, func(rel string, size int64) error {
		seen = append(seen, rel)
		return nil
	}))

	assert.ElementsMatch(t, []string{"app/main.py", "lib/util.py"}, seen)
}

func TestWalkReportsOversizeFiles(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, root, "huge.py", string(make([]byte, 64)))

	sizes := map[string]int64{}
	f := DefaultFilter(16) // ceiling below the file size
	require.NoError(t, f.Walk(root, func(rel string, size int64) error {
		sizes[rel] = size
		return nil
	}))

	// Walk surfaces the file regardless of the ceiling; parsing handles it.
	assert.Equal(t, int64(64), sizes["huge.py"])
}

func TestFetchFullScanLocalRepo(t *testing.T) {
	src, _ := seedRepo(t)

	f := New(t.TempDir(), nil)
	co, err := f.Fetch(context.Background(), Ref{URL: src, Kind: KindFullScan})
	require.NoError(t, err)
	defer co.Close()

	assert.NotEmpty(t, co.HeadSHA)
	assert.FileExists(t, filepath.Join(co.Dir, "main.py"))
	assert.Empty(t, co.ChangedFiles)
}

func TestFetchPRScanLocalRepo(t *testing.T) {
	src, defaultBranch := seedRepo(t)

	// Second branch with one changed file.
	repo, err := git.PlainOpen(src)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("def main():\n    return 2\n"), 0o644))
	_, err = wt.Add("main.py")
	require.NoError(t, err)
	_, err = wt.Commit("change main", &git.CommitOptions{Author: testSignature()})
	require.NoError(t, err)

	f := New(t.TempDir(), nil)
	co, err := f.Fetch(context.Background(), Ref{
		URL:        src,
		Kind:       KindPRScan,
		BaseBranch: defaultBranch,
		HeadBranch: "feature",
	})
	require.NoError(t, err)
	defer co.Close()

	assert.Equal(t, []string{"main.py"}, co.ChangedFiles)
	assert.Contains(t, co.Diff, "return 2")
}

func TestFetchMissingBranch(t *testing.T) {
	src, _ := seedRepo(t)

	f := New(t.TempDir(), nil)
	_, err := f.Fetch(context.Background(), Ref{
		URL:        src,
		Kind:       KindPRScan,
		BaseBranch: "no-such-branch",
		HeadBranch: "also-missing",
	})
	assert.ErrorIs(t, err, ErrRefNotFound)
}

func TestCheckoutCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	co := &Checkout{Dir: dir, logger: testLogger()}

	require.NoError(t, co.Close())
	require.NoError(t, co.Close())
	assert.NoDirExists(t, dir)
}

func TestClassifyError(t *testing.T) {
	assert.ErrorIs(t, classifyError(transport.ErrAuthenticationRequired), ErrAuthFailed)
	assert.ErrorIs(t, classifyError(plumbing.ErrReferenceNotFound), ErrRefNotFound)
	assert.ErrorIs(t, classifyError(errors.New("dial tcp: connection refused")), ErrRepoUnreachable)
}

// seedRepo creates a local repository with one committed file and returns its
// path and default branch name.
func seedRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("def main():\n    return 1\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.py")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{Author: testSignature()})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	return dir, head.Name().Short()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSignature() *object.Signature {
	return &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()}
}

func mustWrite(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
