package agent

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueEmpty is returned by PopOldest when no staged asset remains.
var ErrQueueEmpty = errors.New("media queue is empty")

// ErrBadArchive wraps archive decode failures so handlers can map them
// to a stable error kind.
var ErrBadArchive = errors.New("malformed media archive")

// UnsupportedMediaError identifies the archive entry that failed type
// validation. The whole import is rejected when any entry fails.
type UnsupportedMediaError struct {
	Name string
}

func (e *UnsupportedMediaError) Error() string {
	return fmt.Sprintf("unsupported media type: %s", e.Name)
}

// Asset is one staged media file.
type Asset struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// MediaStore is the staging queue the media command handlers operate
// on. Imports append in archive order; pops dequeue strictly FIFO.
type MediaStore interface {
	ImportArchive(data []byte) ([]Asset, error)
	PopOldest() (Asset, error)
}

// DefaultMediaTypes is the extension allowlist applied when none is
// configured.
var DefaultMediaTypes = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic",
	".mp4", ".mov", ".m4v",
}

type mediaState struct {
	Version int     `json:"version"`
	Queue   []Asset `json:"queue"`
}

// DiskStore keeps staged assets as files under a root directory with a
// JSON state file recording queue order, so FIFO order survives a
// restart. All queue mutation happens under one mutex.
type DiskStore struct {
	mu        sync.Mutex
	root      string
	statePath string
	allowed   map[string]struct{}
	queue     []Asset
}

// NewDiskStore opens (or creates) the staging area at root. Entries in
// the state file whose backing file has disappeared are dropped.
func NewDiskStore(root string, allowedExts []string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}

	if len(allowedExts) == 0 {
		allowedExts = DefaultMediaTypes
	}
	allowed := make(map[string]struct{}, len(allowedExts))
	for _, ext := range allowedExts {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	s := &DiskStore{
		root:      root,
		statePath: filepath.Join(root, "queue.json"),
		allowed:   allowed,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ImportArchive decodes a zip archive, validates every entry against
// the allowlist, and commits the files into the queue in archive order.
// The import is all-or-nothing: a corrupt archive, an unsupported entry
// or a failed write leaves the queue and the staging dir unchanged.
func (s *DiskStore) ImportArchive(data []byte) ([]Asset, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	// Validate before touching the filesystem.
	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := sanitizeName(f.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: unusable entry name %q", ErrBadArchive, f.Name)
		}
		if _, ok := s.allowed[strings.ToLower(filepath.Ext(name))]; !ok {
			return nil, &UnsupportedMediaError{Name: name}
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: archive contains no media files", ErrBadArchive)
	}

	// Extract fully into a temp dir first so a truncated archive never
	// commits partial assets.
	tmp, err := os.MkdirTemp(s.root, "import-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	type staged struct {
		tmpPath string
		name    string
	}
	stagedFiles := make([]staged, 0, len(files))

	for i, f := range files {
		name := sanitizeName(f.Name)
		tmpPath := filepath.Join(tmp, fmt.Sprintf("%d_%s", i, name))
		if err := extractEntry(f, tmpPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
		}
		stagedFiles = append(stagedFiles, staged{tmpPath: tmpPath, name: name})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	committed := make([]Asset, 0, len(stagedFiles))

	for _, sf := range stagedFiles {
		id := uuid.NewString()
		dest := filepath.Join(s.root, id[:8]+"_"+sf.name)
		if err := os.Rename(sf.tmpPath, dest); err != nil {
			// Roll back anything committed so far.
			for _, a := range committed {
				_ = os.Remove(a.Path)
			}
			return nil, fmt.Errorf("commit %s: %w", sf.name, err)
		}
		committed = append(committed, Asset{
			ID:        id,
			Name:      sf.name,
			Path:      dest,
			CreatedAt: now,
		})
	}

	s.queue = append(s.queue, committed...)
	if err := s.saveLocked(); err != nil {
		log.Printf("[media] state save after import failed: %v", err)
	}
	return committed, nil
}

// PopOldest atomically dequeues the oldest staged asset. Assets whose
// file was removed externally are skipped.
func (s *DiskStore) PopOldest() (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		a := s.queue[0]
		s.queue = s.queue[1:]
		if _, err := os.Stat(a.Path); err != nil {
			log.Printf("[media] skipping vanished asset %s (%s)", a.ID, a.Path)
			continue
		}
		if err := s.saveLocked(); err != nil {
			log.Printf("[media] state save after pop failed: %v", err)
		}
		return a, nil
	}

	if err := s.saveLocked(); err != nil {
		log.Printf("[media] state save failed: %v", err)
	}
	return Asset{}, ErrQueueEmpty
}

// Len reports the number of queued assets.
func (s *DiskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// evict drops the queue entry backed by path, if any. Used by the
// staging watcher when a file is removed externally.
func (s *DiskStore) evict(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.queue {
		if a.Path == path {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			if err := s.saveLocked(); err != nil {
				log.Printf("[media] state save after evict failed: %v", err)
			}
			log.Printf("[media] evicted externally removed asset %s (%s)", a.ID, path)
			return
		}
	}
}

func (s *DiskStore) load() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read media state: %w", err)
	}

	var st mediaState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("[media] discarding unreadable state file: %v", err)
		return nil
	}

	queue := st.Queue[:0]
	for _, a := range st.Queue {
		if _, err := os.Stat(a.Path); err != nil {
			continue
		}
		queue = append(queue, a)
	}
	s.queue = queue
	return nil
}

// saveLocked writes the state file via tmp+rename so a crash never
// leaves a half-written queue. Caller holds s.mu.
func (s *DiskStore) saveLocked() error {
	st := mediaState{Version: 1, Queue: s.queue}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal media state: %w", err)
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write media state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace media state: %w", err)
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("extract entry %s: %w", f.Name, err)
	}
	return nil
}

// sanitizeName strips directories and traversal attempts from an
// archive entry name.
func sanitizeName(name string) string {
	base := filepath.Base(filepath.FromSlash(name))
	base = strings.ReplaceAll(base, "..", "")
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.ReplaceAll(base, "\\", "_")
	if base == "." || base == "" {
		return ""
	}
	return base
}
