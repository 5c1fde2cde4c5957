package dev

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/kiln-dev/kiln/internal/bundler"
)

// ArtifactWriter puts bundle outputs on disk in two steps: Stage writes
// files where readers cannot see them, and the returned StagedArtifacts
// moves them into place.
type ArtifactWriter interface {
	Stage(ctx context.Context, outDir string, files []bundler.OutputFile) (StagedArtifacts, error)

	// Remove deletes artifacts a previous build wrote that are no longer
	// produced. Missing files are not an error.
	Remove(paths []string) error
}

// StagedArtifacts is one target's output, written but not yet visible.
type StagedArtifacts interface {
	// Commit moves the staged files into the output directory and returns
	// their paths. On error the files it already moved are restored, and
	// the returned paths are the ones it could not restore.
	Commit() ([]string, error)

	// Rollback undoes a successful Commit, putting back the files it
	// replaced. It returns the paths it could not restore.
	Rollback() []string

	// Discard deletes the staging area. Call it once the rebuild is settled.
	Discard()
}

// DiskWriter stages every file in a temporary sibling of the output
// directory. Files replaced by a commit are kept there until Discard so a
// rebuild that fails on a later target can be rolled back.
type DiskWriter struct {
	// Concurrency bounds parallel writes (default GOMAXPROCS).
	Concurrency int
}

var _ ArtifactWriter = DiskWriter{}

// Stage implements ArtifactWriter.
func (w DiskWriter) Stage(ctx context.Context, outDir string, files []bundler.OutputFile) (StagedArtifacts, error) {
	for _, f := range files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return nil, zerr.With(zerr.New("output path escapes output directory"), "path", f.Path)
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "create output directory"), "path", outDir)
	}

	dir, err := os.MkdirTemp(filepath.Dir(outDir), "."+filepath.Base(outDir)+"-*")
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "create staging directory"), "path", outDir)
	}
	s := &diskStage{outDir: outDir, dir: dir, files: make([]string, 0, len(files))}

	limit := w.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, f := range files {
		rel := filepath.FromSlash(f.Path)
		s.files = append(s.files, rel)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return writeFile(filepath.Join(dir, "new", rel), f.Contents)
		})
	}
	if err := g.Wait(); err != nil {
		s.Discard()
		return nil, err
	}
	return s, nil
}

// Remove implements ArtifactWriter.
func (DiskWriter) Remove(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return zerr.With(zerr.Wrap(err, "remove stale artifact"), "path", p)
		}
	}
	return nil
}

type diskStage struct {
	outDir string
	dir    string
	files  []string
	moved  []move
}

// move is one committed file. backup is empty when nothing was replaced.
type move struct {
	dst    string
	backup string
}

func (s *diskStage) Commit() ([]string, error) {
	written := make([]string, 0, len(s.files))
	for _, rel := range s.files {
		m := move{dst: filepath.Join(s.outDir, rel)}

		if info, err := os.Lstat(m.dst); err == nil && !info.IsDir() {
			m.backup = filepath.Join(s.dir, "old", rel)
			if err := os.MkdirAll(filepath.Dir(m.backup), 0o755); err != nil {
				return s.Rollback(), zerr.With(zerr.Wrap(err, "create backup directory"), "path", m.backup)
			}
			if err := os.Rename(m.dst, m.backup); err != nil {
				return s.Rollback(), zerr.With(zerr.Wrap(err, "set aside replaced artifact"), "path", m.dst)
			}
		}

		err := os.MkdirAll(filepath.Dir(m.dst), 0o755)
		if err == nil {
			err = os.Rename(filepath.Join(s.dir, "new", rel), m.dst)
		}
		if err != nil {
			if m.backup != "" {
				s.moved = append(s.moved, move{dst: m.dst, backup: m.backup})
			}
			return s.Rollback(), zerr.With(zerr.Wrap(err, "move artifact into place"), "path", m.dst)
		}

		s.moved = append(s.moved, m)
		written = append(written, m.dst)
	}
	return written, nil
}

func (s *diskStage) Rollback() []string {
	var left []string
	for i := len(s.moved) - 1; i >= 0; i-- {
		m := s.moved[i]
		var err error
		if m.backup == "" {
			err = os.Remove(m.dst)
			if os.IsNotExist(err) {
				err = nil
			}
		} else {
			err = os.Rename(m.backup, m.dst)
		}
		if err != nil {
			left = append(left, m.dst)
		}
	}
	s.moved = nil
	return left
}

func (s *diskStage) Discard() {
	os.RemoveAll(s.dir)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerr.With(zerr.Wrap(err, "create directory"), "path", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return zerr.With(zerr.Wrap(err, "write artifact"), "path", path)
	}
	return nil
}
