package infra

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"howett.net/plist"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// PlistDir is one directory scanned for service property lists.
type PlistDir struct {
	Path     string
	Kind     domain.DescriptorKind
	Location domain.DescriptorLocation
}

// StandardPlistDirs returns the LaunchAgents and LaunchDaemons directories
// in lookup order. Earlier directories win when a label is installed twice.
func StandardPlistDirs(home string) []PlistDir {
	return []PlistDir{
		{filepath.Join(home, "Library/LaunchAgents"), domain.KindAgent, domain.LocationUser},
		{"/Library/LaunchAgents", domain.KindAgent, domain.LocationGlobal},
		{"/Library/LaunchDaemons", domain.KindDaemon, domain.LocationGlobal},
		{"/System/Library/LaunchAgents", domain.KindAgent, domain.LocationSystem},
		{"/System/Library/LaunchDaemons", domain.KindDaemon, domain.LocationSystem},
	}
}

var errMissingLabel = errors.New("plist has no Label")

// plistLabel is the only key the index reads.
type plistLabel struct {
	Label string `plist:"Label"`
}

// PlistIndex implements domain.DescriptorLookup by scanning plist
// directories lazily. The scan result is kept until Invalidate.
type PlistIndex struct {
	dirs   []PlistDir
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]domain.Descriptor
	stale   bool
}

// NewPlistIndex creates an index over dirs.
func NewPlistIndex(dirs []PlistDir, logger *zap.Logger) *PlistIndex {
	return &PlistIndex{
		dirs:   dirs,
		logger: logger,
		stale:  true,
	}
}

// Dirs returns the scanned directories.
func (idx *PlistIndex) Dirs() []PlistDir {
	return append([]PlistDir(nil), idx.dirs...)
}

// Lookup returns the descriptor installed for label.
func (idx *PlistIndex) Lookup(label string) (*domain.Descriptor, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.refreshLocked()

	d, ok := idx.entries[label]
	if !ok {
		return nil, false
	}
	return &d, true
}

// All returns every indexed descriptor sorted by label.
func (idx *PlistIndex) All() []domain.Descriptor {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.refreshLocked()

	out := make([]domain.Descriptor, 0, len(idx.entries))
	for _, d := range idx.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Invalidate forces the next lookup to rescan the disk.
func (idx *PlistIndex) Invalidate() {
	idx.mu.Lock()
	idx.stale = true
	idx.mu.Unlock()
}

func (idx *PlistIndex) refreshLocked() {
	if !idx.stale {
		return
	}
	entries := make(map[string]domain.Descriptor)
	for _, dir := range idx.dirs {
		idx.scanDir(dir, entries)
	}
	idx.entries = entries
	idx.stale = false
	idx.logger.Debug("plist index rebuilt", zap.Int("descriptors", len(entries)))
}

func (idx *PlistIndex) scanDir(dir PlistDir, into map[string]domain.Descriptor) {
	files, err := os.ReadDir(dir.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			idx.logger.Warn("failed to read plist directory",
				zap.String("dir", dir.Path),
				zap.Error(err))
		}
		return
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".plist") {
			continue
		}
		path := filepath.Join(dir.Path, f.Name())
		label, err := readPlistLabel(path)
		if err != nil {
			idx.logger.Debug("skipping unreadable plist",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if _, seen := into[label]; seen {
			continue
		}
		into[label] = domain.Descriptor{
			Label:    label,
			Path:     path,
			Kind:     dir.Kind,
			Location: dir.Location,
			ReadOnly: dir.Location == domain.LocationSystem || unix.Access(path, unix.W_OK) != nil,
		}
	}
}

// readPlistLabel parses path (XML, binary or OpenStep) and returns its Label.
func readPlistLabel(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var p plistLabel
	if _, err := plist.Unmarshal(data, &p); err != nil {
		return "", err
	}
	if p.Label == "" {
		return "", errMissingLabel
	}
	return p.Label, nil
}

// Ensure PlistIndex implements domain.DescriptorLookup.
var _ domain.DescriptorLookup = (*PlistIndex)(nil)
