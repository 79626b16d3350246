package agent

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type archiveEntry struct {
	name    string
	content string
}

// makeArchive builds a zip in memory with entries in the given order.
func makeArchive(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.content)); err != nil {
			t.Fatalf("write zip entry %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return s
}

func TestImportThenPopIsFIFO(t *testing.T) {
	s := newTestStore(t)

	archive := makeArchive(t, []archiveEntry{
		{"a.jpg", "jpeg-bytes"},
		{"b.mp4", "mp4-bytes"},
	})

	assets, err := s.ImportArchive(archive)
	if err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}

	first, err := s.PopOldest()
	if err != nil {
		t.Fatalf("first pop: %v", err)
	}
	if first.ID != assets[0].ID || first.Name != "a.jpg" {
		t.Fatalf("expected a.jpg first, got %+v", first)
	}

	second, err := s.PopOldest()
	if err != nil {
		t.Fatalf("second pop: %v", err)
	}
	if second.ID != assets[1].ID || second.Name != "b.mp4" {
		t.Fatalf("expected b.mp4 second, got %+v", second)
	}

	if _, err := s.PopOldest(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty on third pop, got %v", err)
	}
}

func TestPopEmptyQueueReturnsImmediately(t *testing.T) {
	s := newTestStore(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.PopOldest()
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueEmpty) {
			t.Fatalf("expected ErrQueueEmpty, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("PopOldest blocked on empty queue")
	}
}

func TestImportCorruptArchiveLeavesQueueUnchanged(t *testing.T) {
	s := newTestStore(t)

	good := makeArchive(t, []archiveEntry{{"keep.png", "png"}})
	if _, err := s.ImportArchive(good); err != nil {
		t.Fatalf("seed import: %v", err)
	}

	if _, err := s.ImportArchive([]byte("definitely not a zip")); !errors.Is(err, ErrBadArchive) {
		t.Fatalf("expected ErrBadArchive, got %v", err)
	}

	if got := s.Len(); got != 1 {
		t.Fatalf("corrupt import changed queue length: %d", got)
	}

	a, err := s.PopOldest()
	if err != nil {
		t.Fatalf("pop after corrupt import: %v", err)
	}
	if a.Name != "keep.png" {
		t.Fatalf("expected keep.png, got %+v", a)
	}
}

func TestImportRejectsUnsupportedEntry(t *testing.T) {
	s := newTestStore(t)

	archive := makeArchive(t, []archiveEntry{
		{"ok.jpg", "jpeg"},
		{"notes.txt", "text"},
	})

	_, err := s.ImportArchive(archive)
	var unsupported *UnsupportedMediaError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedMediaError, got %v", err)
	}
	if unsupported.Name != "notes.txt" {
		t.Fatalf("expected offending entry notes.txt, got %q", unsupported.Name)
	}

	// Whole archive is rejected, including the valid entry.
	if got := s.Len(); got != 0 {
		t.Fatalf("expected empty queue after rejected import, got %d", got)
	}
}

func TestImportSanitizesEntryNames(t *testing.T) {
	s := newTestStore(t)

	archive := makeArchive(t, []archiveEntry{
		{"../../escape.jpg", "jpeg"},
	})

	assets, err := s.ImportArchive(archive)
	if err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}
	if assets[0].Name != "escape.jpg" {
		t.Fatalf("expected sanitized name escape.jpg, got %q", assets[0].Name)
	}
}

func TestConcurrentPopsReturnDistinctAssets(t *testing.T) {
	s := newTestStore(t)

	const k = 8
	entries := make([]archiveEntry, 0, k)
	for i := 0; i < k; i++ {
		entries = append(entries, archiveEntry{name: string(rune('a'+i)) + ".jpg", content: "x"})
	}
	if _, err := s.ImportArchive(makeArchive(t, entries)); err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.PopOldest()
			if err != nil {
				t.Errorf("concurrent pop: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := seen[a.ID]; dup {
				t.Errorf("asset %s popped twice", a.ID)
			}
			seen[a.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if len(seen) != k {
		t.Fatalf("expected %d distinct assets, got %d", k, len(seen))
	}
	if _, err := s.PopOldest(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty queue after %d pops, got %v", k, err)
	}
}

func TestQueueOrderSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	s, err := NewDiskStore(dir, nil)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	if _, err := s.ImportArchive(makeArchive(t, []archiveEntry{
		{"first.jpg", "1"},
		{"second.jpg", "2"},
	})); err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}

	// Reopen the same root, as after a restart.
	reloaded, err := NewDiskStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen DiskStore: %v", err)
	}
	if got := reloaded.Len(); got != 2 {
		t.Fatalf("expected 2 queued assets after reload, got %d", got)
	}

	a, err := reloaded.PopOldest()
	if err != nil {
		t.Fatalf("pop after reload: %v", err)
	}
	if a.Name != "first.jpg" {
		t.Fatalf("FIFO order lost across reload: got %q first", a.Name)
	}
}

func TestPopSkipsVanishedAsset(t *testing.T) {
	s := newTestStore(t)

	assets, err := s.ImportArchive(makeArchive(t, []archiveEntry{
		{"gone.jpg", "1"},
		{"still.jpg", "2"},
	}))
	if err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}

	if err := os.Remove(assets[0].Path); err != nil {
		t.Fatalf("remove staged file: %v", err)
	}

	a, err := s.PopOldest()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if a.Name != "still.jpg" {
		t.Fatalf("expected vanished asset to be skipped, got %+v", a)
	}
}

// TestEvictionWatchDropsRemovedAssets makes sure that when a staged
// file is deleted externally, the watcher eventually drops its queue
// entry.
func TestEvictionWatchDropsRemovedAssets(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnableEvictionWatch(); err != nil {
		t.Fatalf("EnableEvictionWatch: %v", err)
	}

	assets, err := s.ImportArchive(makeArchive(t, []archiveEntry{{"bye.jpg", "x"}}))
	if err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}

	if err := os.Remove(assets[0].Path); err != nil {
		t.Fatalf("remove staged file: %v", err)
	}

	// wait up to 2 seconds for the watcher goroutine to observe the removal.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Len() == 0 {
			return // success
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("expected asset to be evicted after external removal; queue length %d", s.Len())
}
