// Package state persists the supervisor's working set as a single JSON
// document with rotating backups. Writes are atomic (temp file, fsync,
// rename) so a crash mid-save never leaves a torn file, and loads fall
// back to the newest readable backup when the primary is corrupt.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Version is written into every snapshot's metadata
const Version = "1.0.0"

// compatibleVersions lists snapshot versions this build can read
var compatibleVersions = []string{"1.0.0", "1.0.1", "1.1.0"}

const backupPrefix = "state_backup_"

// Metadata identifies a snapshot's format and age
type Metadata struct {
	Version string    `json:"version"`
	SavedAt time.Time `json:"saved_at"`
}

// Snapshot is the full persisted working set
type Snapshot struct {
	Metadata        Metadata                         `json:"metadata"`
	Sessions        map[string]*domain.Session       `json:"sessions"`
	WaitingPeriods  map[string]*domain.WaitingPeriod `json:"waiting_periods"`
	DetectionEvents []*domain.DetectionEvent         `json:"detection_events"`
	QueuedTasks     []*domain.QueuedTask             `json:"queued_tasks"`
}

// NewSnapshot returns an empty snapshot with maps ready to use
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Sessions:       make(map[string]*domain.Session),
		WaitingPeriods: make(map[string]*domain.WaitingPeriod),
	}
}

// Store reads and writes snapshots at a fixed path
type Store struct {
	logger     *slog.Logger
	path       string
	backupDir  string
	maxBackups int

	mu     sync.Mutex
	cached *Snapshot
}

// NewStore creates a store. maxBackups of zero disables backups.
func NewStore(logger *slog.Logger, path, backupDir string, maxBackups int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:     logger,
		path:       path,
		backupDir:  backupDir,
		maxBackups: maxBackups,
	}
}

// Path returns the primary snapshot location
func (s *Store) Path() string {
	return s.path
}

// Save writes the snapshot atomically, backing up the previous file
// first. The snapshot's metadata is stamped here.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Metadata = Metadata{Version: Version, SavedAt: time.Now().UTC()}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.E(domain.ErrState, "state dir", err)
	}
	s.backupCurrent()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return domain.E(domain.ErrState, "marshal snapshot", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.E(domain.ErrState, "open temp state", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return domain.E(domain.ErrState, "write temp state", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return domain.E(domain.ErrState, "sync temp state", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return domain.E(domain.ErrState, "close temp state", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return domain.E(domain.ErrState, "replace state", err)
	}

	s.cached = snap
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot.
// When the primary is corrupt or incompatible, backups are tried
// newest first; the returned source names the file actually used and
// is empty for the primary path.
func (s *Store) Load() (*Snapshot, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		snap := NewSnapshot()
		s.cached = snap
		return snap, "", nil
	}
	if err != nil {
		return nil, "", domain.E(domain.ErrState, "read state", err)
	}

	snap, perr := parseSnapshot(data)
	if perr == nil {
		s.cached = snap
		return snap, "", nil
	}

	s.logger.Warn("state corrupted",
		slog.String("path", s.path),
		slog.String("error", perr.Error()))

	for _, backup := range s.backupsNewestFirst() {
		bdata, err := os.ReadFile(backup)
		if err != nil {
			continue
		}
		bsnap, err := parseSnapshot(bdata)
		if err != nil {
			s.logger.Warn("state backup unreadable",
				slog.String("path", backup),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Warn("state recovered from backup", slog.String("path", backup))
		s.cached = bsnap
		return bsnap, backup, nil
	}

	return nil, "", domain.E(domain.ErrState, "load state", perr)
}

// Cached returns the last snapshot saved or loaded, for shutdown
// flushes that must not block on rebuilding state.
func (s *Store) Cached() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// parseSnapshot unmarshals and version-checks a snapshot document
func parseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if !versionCompatible(snap.Metadata.Version) {
		return nil, domain.Errorf(domain.ErrState, "snapshot version %q is not compatible", snap.Metadata.Version)
	}
	if snap.Sessions == nil {
		snap.Sessions = make(map[string]*domain.Session)
	}
	if snap.WaitingPeriods == nil {
		snap.WaitingPeriods = make(map[string]*domain.WaitingPeriod)
	}
	return &snap, nil
}

func versionCompatible(v string) bool {
	for _, c := range compatibleVersions {
		if v == c {
			return true
		}
	}
	return false
}

// backupCurrent copies the existing state file into the backup dir and
// prunes old backups. Failures are logged, never fatal: a broken
// backup must not block a save.
func (s *Store) backupCurrent() {
	if s.maxBackups <= 0 || s.backupDir == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		s.logger.Warn("backup dir", slog.String("error", err.Error()))
		return
	}
	name := backupPrefix + time.Now().Format("20060102_150405") + ".json"
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		s.logger.Warn("write backup", slog.String("error", err.Error()))
		return
	}
	s.pruneBackups()
}

// pruneBackups keeps the newest maxBackups files
func (s *Store) pruneBackups() {
	backups := s.backupsNewestFirst()
	for _, old := range backups[min(len(backups), s.maxBackups):] {
		if err := os.Remove(old); err != nil {
			s.logger.Warn("prune backup", slog.String("path", old), slog.String("error", err.Error()))
		}
	}
}

// backupsNewestFirst lists backup files sorted by mtime, newest first
func (s *Store) backupsNewestFirst() []string {
	pattern := filepath.Join(s.backupDir, backupPrefix+"*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil
	}
	type entry struct {
		path  string
		mtime time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: m, mtime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mtime.After(entries[j].mtime)
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}
