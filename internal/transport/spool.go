package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"varwire/internal/block"
	"varwire/internal/logging"
	"varwire/internal/runtime"
)

// Spool exchanges blocks through a watched directory: peers drop *.json
// block files into the directory, the transport consumes them, and outgoing
// batches are written as numbered files under out/. Rapid rewrites are
// debounced before a file is consumed.
type Spool struct {
	mu          sync.Mutex
	dir         string
	outDir      string
	watcher     *fsnotify.Watcher
	debounceMap map[string]time.Time
	debounceDur time.Duration
	batches     chan *block.OrderedMap[*block.Block]
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	outSeq      int

	// Stats for debugging.
	stats SpoolStats
}

// SpoolStats tracks spool activity.
type SpoolStats struct {
	FilesConsumed int
	FilesWritten  int
	Errors        int
	LastFile      string
}

// NewSpool creates a spool transport over dir.
func NewSpool(dir string) (*Spool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Spool{
		dir:         dir,
		outDir:      filepath.Join(dir, "out"),
		watcher:     watcher,
		debounceMap: make(map[string]time.Time),
		debounceDur: 200 * time.Millisecond,
		batches:     make(chan *block.OrderedMap[*block.Block], 16),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Init creates the directories, ingests any files already present, and
// starts the watch loop.
func (s *Spool) Init(con *runtime.Connection) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool dir %s: %w", s.dir, err)
	}
	if err := os.MkdirAll(s.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool out dir %s: %w", s.outDir, err)
	}
	if err := s.watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir %s: %w", s.dir, err)
	}
	logging.Transport("spool: watching %s", s.dir)

	go s.run()
	return nil
}

// run is the watch loop with debounce, the same shape as a config watcher:
// events mark files, a ticker consumes the ones that settled.
func (s *Spool) run() {
	defer close(s.doneCh)

	// Blocks dropped before startup are still consumed.
	if entries, err := os.ReadDir(s.dir); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				s.consume(filepath.Join(s.dir, entry.Name()))
			}
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryTransport).Error("spool watcher: %v", err)
			s.mu.Lock()
			s.stats.Errors++
			s.mu.Unlock()
		case <-ticker.C:
			s.consumeSettled()
		}
	}
}

func (s *Spool) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if filepath.Dir(event.Name) != s.dir {
		return // ignore out/
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	s.mu.Lock()
	s.debounceMap[event.Name] = time.Now()
	s.mu.Unlock()
}

func (s *Spool) consumeSettled() {
	s.mu.Lock()
	now := time.Now()
	var ready []string
	for path, at := range s.debounceMap {
		if now.Sub(at) >= s.debounceDur {
			ready = append(ready, path)
			delete(s.debounceMap, path)
		}
	}
	s.mu.Unlock()
	for _, path := range ready {
		s.consume(path)
	}
}

// consume parses a block file, queues its batch, and removes the file.
func (s *Spool) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logging.Get(logging.CategoryTransport).Error("spool: read %s: %v", path, err)
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return
	}
	batch, errs := decodeLine(data)
	for _, err := range errs {
		logging.Get(logging.CategoryTransport).Warn("spool: %s: %v", filepath.Base(path), err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Get(logging.CategoryTransport).Warn("spool: remove %s: %v", path, err)
	}
	if batch.Len() == 0 {
		return
	}
	s.mu.Lock()
	s.stats.FilesConsumed++
	s.stats.LastFile = path
	s.mu.Unlock()
	select {
	case s.batches <- batch:
	case <-s.stopCh:
	}
}

// IncomingPeriod bounds a single GetUpdates wait.
func (s *Spool) IncomingPeriod(con *runtime.Connection) time.Duration {
	return runtime.DefaultIncomingPeriod
}

// OutgoingPeriod paces the refresh cycle.
func (s *Spool) OutgoingPeriod(con *runtime.Connection) time.Duration {
	return runtime.DefaultUpdatePeriod
}

// GetUpdates returns the next consumed batch, waiting up to the bound.
func (s *Spool) GetUpdates(con *runtime.Connection, wait time.Duration) (*block.OrderedMap[*block.Block], error) {
	select {
	case batch := <-s.batches:
		return batch, nil
	case <-s.stopCh:
		return nil, nil
	case <-time.After(wait):
		return nil, nil
	}
}

// SendUpdates writes the batch as the next numbered file under out/.
func (s *Spool) SendUpdates(con *runtime.Connection, batch *block.OrderedMap[json.RawMessage]) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.outSeq++
	seq := s.outSeq
	s.stats.FilesWritten++
	s.mu.Unlock()

	path := filepath.Join(s.outDir, fmt.Sprintf("%06d.json", seq))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("spool write failed: %w", err)
	}
	return os.Rename(tmp, path)
}

// Stats returns a snapshot of spool activity.
func (s *Spool) Stats() SpoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the watch loop.
func (s *Spool) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return s.watcher.Close()
}

var _ runtime.Transport = (*Spool)(nil)
