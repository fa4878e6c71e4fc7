// Package resource tracks temporary files and directories created while
// staging media, with reference counting and a background TTL sweep.
package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tg-relay/internal/logger"
)

// Categories of staged artifacts. Only downloads exists from the start,
// other folders are made on first use.
const (
	CategoryDownloads = "downloads"
	CategoryTmp       = "tmp"
)

// ErrUnknownHandle is returned for handles that are not tracked.
var ErrUnknownHandle = errors.New("unknown resource handle")

// Handle is an opaque reference to a tracked artifact.
type Handle string

// ReleaseFunc replaces the default removal of an artifact.
type ReleaseFunc func(path string) error

type entry struct {
	handle  Handle
	path    string
	session string
	dir     bool
	refs    int
	created time.Time
	release ReleaseFunc
}

// Info describes a tracked artifact.
type Info struct {
	Handle  Handle    `json:"handle"`
	Path    string    `json:"path"`
	Session string    `json:"session"`
	Dir     bool      `json:"dir"`
	Refs    int       `json:"refs"`
	Created time.Time `json:"created"`
}

// Manager owns every staged artifact under a base directory.
type Manager struct {
	base string
	ttl  time.Duration
	log  *logger.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[Handle]*entry
	byPath  map[string]Handle
}

// NewManager creates the base directory and its downloads folder.
func NewManager(base string, ttl time.Duration) (*Manager, error) {
	if base == "" {
		base = filepath.Join(os.TempDir(), "tg-relay")
	}
	if err := os.MkdirAll(filepath.Join(base, CategoryDownloads), 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", CategoryDownloads, err)
	}
	return &Manager{
		base:    base,
		ttl:     ttl,
		log:     logger.For("resource"),
		now:     time.Now,
		entries: make(map[Handle]*entry),
		byPath:  make(map[string]Handle),
	}, nil
}

// Base returns the base directory.
func (m *Manager) Base() string {
	return m.base
}

// GroupDir returns the deterministic staging directory of a media group,
// so a later run finds files kept by an earlier one.
func (m *Manager) GroupDir(category, key string) string {
	return filepath.Join(m.base, category, Sanitize(key))
}

// CreateTempDir creates (or reuses) a directory for a session.
func (m *Manager) CreateTempDir(category, session, name string) (Handle, string, error) {
	path := m.GroupDir(category, name)
	if name == "" {
		path = filepath.Join(m.base, category, uuid.NewString())
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", fmt.Errorf("create temp dir: %w", err)
	}
	h := m.register(path, session, true, nil)
	return h, path, nil
}

// CreateTempFile creates an empty file in the category folder.
func (m *Manager) CreateTempFile(category, session, pattern string) (Handle, *os.File, error) {
	dir := filepath.Join(m.base, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create %s dir: %w", category, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	h := m.register(f.Name(), session, false, nil)
	return h, f, nil
}

// Register starts tracking an existing path. Registering a tracked path
// returns its handle and increments the reference count.
func (m *Manager) Register(path, session string, release ReleaseFunc) (Handle, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", path, err)
	}
	return m.register(path, session, st.IsDir(), release), nil
}

func (m *Manager) register(path, session string, dir bool, release ReleaseFunc) Handle {
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.byPath[path]; ok {
		e := m.entries[h]
		e.refs++
		if release != nil {
			e.release = release
		}
		return h
	}

	h := Handle(uuid.NewString())
	m.entries[h] = &entry{
		handle:  h,
		path:    path,
		session: session,
		dir:     dir,
		refs:    1,
		created: m.now(),
		release: release,
	}
	m.byPath[path] = h
	return h
}

// Acquire increments the reference count.
func (m *Manager) Acquire(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h]
	if !ok {
		return ErrUnknownHandle
	}
	e.refs++
	return nil
}

// Release decrements the reference count and deletes the artifact when it
// reaches zero, or immediately when force is set. An artifact that cannot be
// deleted stays tracked without references until the sweep gets it.
func (m *Manager) Release(h Handle, force bool) error {
	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 && !force {
		m.mu.Unlock()
		return nil
	}
	m.untrack(e)
	m.mu.Unlock()

	if err := m.remove(e); err != nil {
		m.retain(e)
		return err
	}
	return nil
}

// Forget stops tracking an artifact, and for directories everything below
// it, but leaves the files on disk.
func (m *Manager) Forget(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[h]; ok {
		m.untrack(e)
	}
}

// Path returns the path behind a handle.
func (m *Manager) Path(h Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h]
	if !ok {
		return "", false
	}
	return e.path, true
}

// Info returns a snapshot of a tracked artifact.
func (m *Manager) Info(h Handle) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h]
	if !ok {
		return Info{}, false
	}
	return Info{Handle: e.handle, Path: e.path, Session: e.session, Dir: e.dir, Refs: e.refs, Created: e.created}, true
}

// Len returns the number of tracked artifacts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CleanupSession force-releases everything owned by a session and returns
// how many artifacts were removed.
func (m *Manager) CleanupSession(session string) int {
	m.mu.Lock()
	var victims []*entry
	for _, e := range m.entries {
		if e.session == session {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		m.untrack(e)
	}
	m.mu.Unlock()

	removed := 0
	for _, e := range victims {
		if err := m.remove(e); err != nil {
			m.log.Warn().Err(err).Str("path", e.path).Msg("cleanup failed")
			m.retain(e)
			continue
		}
		removed++
	}
	return removed
}

// Sweep removes unreferenced artifacts older than the TTL and returns how
// many were removed.
func (m *Manager) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var victims []*entry
	for _, e := range m.entries {
		if e.refs <= 0 && e.created.Before(cutoff) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		m.untrack(e)
	}
	m.mu.Unlock()

	removed := 0
	for _, e := range victims {
		if err := m.remove(e); err != nil {
			m.log.Warn().Err(err).Str("path", e.path).Msg("sweep failed")
			m.retain(e)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("resource sweep")
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// untrack drops an entry and, for directories, every entry below it.
// Caller holds mu.
func (m *Manager) untrack(e *entry) {
	delete(m.entries, e.handle)
	delete(m.byPath, e.path)
	if !e.dir {
		return
	}
	prefix := e.path + string(filepath.Separator)
	for h, child := range m.entries {
		if strings.HasPrefix(child.path, prefix) {
			delete(m.entries, h)
			delete(m.byPath, child.path)
		}
	}
}

// retain tracks an entry again, unreferenced, after its removal failed.
// A path registered again in the meantime wins.
func (m *Manager) retain(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPath[e.path]; ok {
		return
	}
	e.refs = 0
	m.entries[e.handle] = e
	m.byPath[e.path] = e.handle
}

func (m *Manager) remove(e *entry) error {
	if e.release != nil {
		return e.release(e.path)
	}
	var err error
	if e.dir {
		err = os.RemoveAll(e.path)
	} else {
		err = os.Remove(e.path)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", e.path, err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Sanitize turns an arbitrary key into a single safe path element.
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "_"
	}
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}
