// internal/core/library.go
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Library is the local catalog of solutions under a root directory.
// The catalog is replaced wholesale on every scan so readers never observe a
// partially built list.
type Library struct {
	root      string
	logger    *logrus.Logger
	catalog   atomic.Pointer[[]*SolutionInLibrary]
	refreshMu sync.Mutex
}

// NewLibrary creates an empty library rooted at root. Call Scan to populate it.
func NewLibrary(root string, logger *logrus.Logger) *Library {
	l := &Library{root: root, logger: logger}
	empty := []*SolutionInLibrary{}
	l.catalog.Store(&empty)
	return l
}

// Root returns the library root directory.
func (l *Library) Root() string { return l.root }

// SolutionDir returns the directory a solution with the given name lives in.
func (l *Library) SolutionDir(name string) string {
	return filepath.Join(l.root, NormalizeName(name))
}

// Solutions returns the current catalog sorted by name.
func (l *Library) Solutions() []*SolutionInLibrary {
	return *l.catalog.Load()
}

// TotalSize sums the sizes of every cataloged solution.
func (l *Library) TotalSize() int64 {
	var total int64
	for _, s := range l.Solutions() {
		total += s.TotalSize
	}
	return total
}

// Lookup returns the entry whose normalized name matches the normalized query.
func (l *Library) Lookup(name string) (*SolutionInLibrary, bool) {
	want := NormalizeName(name)
	for _, s := range l.Solutions() {
		if NormalizeName(s.Name) == want {
			return s, true
		}
	}
	return nil, false
}

// Scan rebuilds the catalog from scratch.
func (l *Library) Scan() ([]*SolutionInLibrary, error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	dirs, err := l.solutionDirs()
	if err != nil {
		return nil, err
	}

	catalog := make([]*SolutionInLibrary, 0, len(dirs))
	for _, name := range dirs {
		entry, err := scanSolution(l.root, name)
		if err != nil {
			l.logger.WithError(err).WithField("solution", name).Warn("Failed to scan library solution")
			continue
		}
		catalog = append(catalog, entry)
	}

	l.catalog.Store(&catalog)
	l.logger.WithFields(logrus.Fields{
		"root":      l.root,
		"solutions": len(catalog),
	}).Info("Library scanned")

	return catalog, nil
}

// Refresh re-scans the root and diffs against the previous catalog by
// directory name. Entries whose total size is unchanged are kept as-is, new
// directories get new entries and vanished directories are dropped.
func (l *Library) Refresh() (added, removed []string, err error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	dirs, err := l.solutionDirs()
	if err != nil {
		return nil, nil, err
	}

	previous := make(map[string]*SolutionInLibrary)
	for _, s := range l.Solutions() {
		previous[s.Name] = s
	}

	catalog := make([]*SolutionInLibrary, 0, len(dirs))
	for _, name := range dirs {
		existing, ok := previous[name]
		delete(previous, name)

		if ok {
			size, err := solutionSize(filepath.Join(l.root, name))
			if err == nil && size == existing.TotalSize {
				catalog = append(catalog, existing)
				continue
			}
		} else {
			added = append(added, name)
		}

		entry, err := scanSolution(l.root, name)
		if err != nil {
			l.logger.WithError(err).WithField("solution", name).Warn("Failed to scan library solution")
			continue
		}
		catalog = append(catalog, entry)
	}

	for name := range previous {
		removed = append(removed, name)
	}
	sort.Strings(removed)

	l.catalog.Store(&catalog)

	if len(added) > 0 || len(removed) > 0 {
		l.logger.WithFields(logrus.Fields{
			"added":   added,
			"removed": removed,
		}).Info("Library refreshed")
	}
	return added, removed, nil
}

func (l *Library) solutionDirs() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read library root %s: %w", l.root, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// scanSolution lists the five category directories of one solution. Files
// are taken one level deep only.
func scanSolution(root, name string) (*SolutionInLibrary, error) {
	dir := filepath.Join(root, name)
	entry := &SolutionInLibrary{
		Name:  name,
		Dir:   dir,
		Media: NewMediaSet(),
	}

	for _, c := range Categories {
		files, err := os.ReadDir(filepath.Join(dir, c.Dir()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return nil, err
			}
			entry.Media.Add(c, f.Name())
			entry.TotalSize += info.Size()
		}
	}
	return entry, nil
}

func solutionSize(dir string) (int64, error) {
	var total int64
	for _, c := range Categories {
		files, err := os.ReadDir(filepath.Join(dir, c.Dir()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return 0, err
			}
			total += info.Size()
		}
	}
	return total, nil
}
