package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"nudge/internal/config"
	"nudge/internal/module"
	"nudge/pkg/fswatch"
	logx "nudge/pkg/logx"
)

var manifestNames = []string{"module.yaml", "module.yml", "module.json"}

// Dir lists modules from a directory. Broken manifests are logged and
// skipped so one bad file can't hide the rest.
type Dir struct {
	root string
	log  logx.Logger

	mu sync.Mutex
	// paths remembers where each module came from, for Clear.
	paths map[string]string
	// invalid counts manifests rejected by the last List.
	invalid int
}

func NewDir(root string, log logx.Logger) *Dir {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dir{root: root, log: log, paths: map[string]string{}}
}

func (d *Dir) Root() string { return d.root }

func isManifestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// List returns every valid module, sorted by ID. A missing root yields no
// modules rather than an error.
func (d *Dir) List(ctx context.Context) ([]module.Definition, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.log.Debug("manifest dir missing", logx.String("dir", d.root))
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var (
		defs    []module.Definition
		paths   = map[string]string{}
		invalid int
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		var path, dir, id, owner string
		switch {
		case e.IsDir():
			dir = filepath.Join(d.root, name)
			path = findManifest(dir)
			if path == "" {
				continue
			}
			id, owner = name, dir
		case isManifestFile(name):
			path = filepath.Join(d.root, name)
			dir = d.root
			id, owner = strings.TrimSuffix(name, filepath.Ext(name)), path
		default:
			continue
		}

		def, err := load(path, dir, id)
		if err != nil {
			invalid++
			d.log.Warn("invalid manifest skipped", logx.String("path", path), logx.Err(err))
			continue
		}
		if prev, dup := paths[def.ID]; dup {
			invalid++
			d.log.Warn("duplicate module id skipped", logx.String("module", def.ID), logx.String("path", path), logx.String("first", prev))
			continue
		}
		paths[def.ID] = owner
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	d.mu.Lock()
	d.paths = paths
	d.invalid = invalid
	d.mu.Unlock()
	return defs, nil
}

// Invalid reports how many manifests the last List rejected.
func (d *Dir) Invalid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invalid
}

func findManifest(dir string) string {
	for _, n := range manifestNames {
		p := filepath.Join(dir, n)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

func load(path, dir, fallbackID string) (module.Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return module.Definition{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return module.Definition{}, err
	}
	var f file
	if err := config.DecodeStrict(path, b, &f); err != nil {
		return module.Definition{}, err
	}
	return f.toDefinition(dir, fallbackID, st.ModTime())
}

// Clear removes the manifest (file or module directory) behind id. Clearing
// an unknown or already-removed module is not an error.
func (d *Dir) Clear(_ context.Context, id string) error {
	d.mu.Lock()
	owner, ok := d.paths[id]
	if ok {
		delete(d.paths, id)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	rel, err := filepath.Rel(d.root, owner)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to clear %s outside %s", owner, d.root)
	}
	if err := os.RemoveAll(owner); err != nil {
		return fmt.Errorf("clear %s: %w", id, err)
	}
	d.log.Info("module cleared", logx.String("module", id), logx.String("path", owner))
	return nil
}

// Watch calls onChange after manifests under the root change. It blocks
// until ctx is done.
func (d *Dir) Watch(ctx context.Context, onChange func()) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("manifest dir: %w", err)
	}
	return fswatch.Watch(ctx, fswatch.Options{
		Dirs:     []string{d.root},
		Dynamic:  d.subdirs,
		OnChange: onChange,
		Log:      d.log.With(logx.String("dir", d.root)),
	})
}

func (d *Dir) subdirs() []string {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, filepath.Join(d.root, e.Name()))
		}
	}
	return out
}
