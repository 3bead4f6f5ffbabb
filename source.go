// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"golang.org/x/mod/semver"
)

// manifestFileName is the manifest's file name inside a build directory.
const manifestFileName = "manifest"

// UpdateSource serves update builds: named sets of object files described by
// a manifest.
type UpdateSource interface {
	// Builds lists the available builds, oldest first.
	Builds(ctx context.Context) ([]string, error)
	// Manifest fetches and parses one build's manifest.
	Manifest(ctx context.Context, build string) (*Manifest, error)
	// Fetch retrieves one object file of a build.
	Fetch(ctx context.Context, build, file string) ([]byte, error)
}

// LatestBuild returns the newest build the source offers.
func LatestBuild(ctx context.Context, src UpdateSource) (string, error) {
	builds, err := src.Builds(ctx)
	if err != nil {
		return "", err
	}
	if len(builds) == 0 {
		return "", ErrBuildNotFound
	}
	return builds[len(builds)-1], nil
}

// sortBuilds orders build names oldest first: semantic versions compare as
// versions, everything else lexically.
func sortBuilds(builds []string) {
	sort.Slice(builds, func(i, j int) bool {
		if semver.IsValid(builds[i]) && semver.IsValid(builds[j]) {
			return semver.Compare(builds[i], builds[j]) < 0
		}
		return builds[i] < builds[j]
	})
}

// DirSource serves builds from a local directory tree: one subdirectory per
// build, each holding a manifest file plus the object files it names.
type DirSource struct {
	// Root is the directory containing the build directories.
	Root string
}

// Builds lists the subdirectories of Root that carry a manifest.
func (s *DirSource) Builds(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var builds []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.Root, e.Name(), manifestFileName)); err != nil {
			continue
		}
		builds = append(builds, e.Name())
	}
	sortBuilds(builds)
	return builds, nil
}

// Manifest reads and parses the build's manifest.
func (s *DirSource) Manifest(ctx context.Context, build string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Root, build, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("build %s: %w", build, ErrBuildNotFound)
		}
		return nil, err
	}
	return ParseManifest(bytes.NewReader(data))
}

// Fetch reads one object file of a build.
func (s *DirSource) Fetch(ctx context.Context, build, file string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Root, build, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("build %s file %s: %w", build, file, ErrBuildNotFound)
		}
		return nil, err
	}
	return data, nil
}

// Watch announces builds as they appear under Root, at the point their
// manifest exists. The channel closes when ctx ends. Builds already present
// when Watch starts are not replayed; list them with Builds first.
func (s *DirSource) Watch(ctx context.Context) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.Root); err != nil {
		w.Close()
		return nil, err
	}
	ch := make(chan string, 8)
	go func() {
		defer close(ch)
		defer w.Close()
		seen := make(map[string]struct{})
		announce := func(build string) bool {
			if _, ok := seen[build]; ok {
				return true
			}
			seen[build] = struct{}{}
			select {
			case ch <- build:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				fi, err := os.Stat(ev.Name)
				if err != nil {
					continue
				}
				if fi.IsDir() {
					// The manifest usually lands after the directory.
					_ = w.Add(ev.Name)
					if _, err := os.Stat(filepath.Join(ev.Name, manifestFileName)); err == nil {
						if !announce(filepath.Base(ev.Name)) {
							return
						}
					}
					continue
				}
				if filepath.Base(ev.Name) == manifestFileName {
					if !announce(filepath.Base(filepath.Dir(ev.Name))) {
						return
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}

// GitSource serves builds from a git repository laid out like a DirSource
// root: one directory per build on the chosen branch. The repository is
// cloned into memory on first use and kept for the source's lifetime.
type GitSource struct {
	// URL of the repository.
	URL string
	// Branch to read builds from. Empty means the remote's default.
	Branch string

	mu sync.Mutex
	fs billy.Filesystem
}

func (s *GitSource) worktree(ctx context.Context) (billy.Filesystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fs != nil {
		return s.fs, nil
	}
	opts := &git.CloneOptions{URL: s.URL, Depth: 1, SingleBranch: true}
	if s.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.Branch)
	}
	fs := memfs.New()
	if _, err := git.CloneContext(ctx, memory.NewStorage(), fs, opts); err != nil {
		return nil, fmt.Errorf("clone %s: %w", s.URL, err)
	}
	s.fs = fs
	return fs, nil
}

// Builds lists the build directories on the branch.
func (s *GitSource) Builds(ctx context.Context) ([]string, error) {
	fs, err := s.worktree(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir("/")
	if err != nil {
		return nil, err
	}
	var builds []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(path.Join(e.Name(), manifestFileName)); err != nil {
			continue
		}
		builds = append(builds, e.Name())
	}
	sortBuilds(builds)
	return builds, nil
}

// Manifest reads and parses the build's manifest from the clone.
func (s *GitSource) Manifest(ctx context.Context, build string) (*Manifest, error) {
	fs, err := s.worktree(ctx)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(fs, path.Join(build, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("build %s: %w", build, ErrBuildNotFound)
		}
		return nil, err
	}
	return ParseManifest(bytes.NewReader(data))
}

// Refresh drops the cached clone, so the next call sees the branch head
// again.
func (s *GitSource) Refresh() {
	s.mu.Lock()
	s.fs = nil
	s.mu.Unlock()
}

// Fetch reads one object file of a build from the clone.
func (s *GitSource) Fetch(ctx context.Context, build, file string) ([]byte, error) {
	fs, err := s.worktree(ctx)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(fs, path.Join(build, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("build %s file %s: %w", build, file, ErrBuildNotFound)
		}
		return nil, err
	}
	return data, nil
}
