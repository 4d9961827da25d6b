package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ishabanya/ARchitect-sub003/internal/logging"
)

// InboxWatcher watches the sync inbox directory for change documents dropped
// by the remote-sync collaborator and merges them through ApplyExternal.
// Files are JSON-encoded ExternalChangeSet documents named *.json; applied
// files are renamed to *.applied, rejected ones to *.rejected.
type InboxWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	engine    *Engine
	inboxDir  string
	debounce  map[string]time.Time
	debounceD time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool

	stats InboxStats
}

// InboxStats tracks watcher activity for diagnostics.
type InboxStats struct {
	FilesSeen     int
	ChangesMerged int
	Rejected      int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// NewInboxWatcher creates a watcher over inboxDir for the given engine.
func NewInboxWatcher(engine *Engine, inboxDir string) (*InboxWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &InboxWatcher{
		watcher:   w,
		engine:    engine,
		inboxDir:  inboxDir,
		debounce:  make(map[string]time.Time),
		debounceD: 300 * time.Millisecond, // let the writer finish the file
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; pending files already in the inbox are
// processed first so a restart doesn't strand documents.
func (iw *InboxWatcher) Start(ctx context.Context) error {
	iw.mu.Lock()
	if iw.running {
		iw.mu.Unlock()
		return nil
	}
	iw.running = true
	iw.mu.Unlock()

	log := logging.Get(logging.CategoryWatcher)

	if err := os.MkdirAll(iw.inboxDir, 0755); err != nil {
		return err
	}
	if err := iw.watcher.Add(iw.inboxDir); err != nil {
		return err
	}

	iw.drainExisting(ctx)

	go func() {
		defer close(iw.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-iw.stopCh:
				return
			case event, ok := <-iw.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if !iw.debounced(event.Name) {
					continue
				}
				// Give the writer a moment to finish before reading.
				time.Sleep(iw.debounceD)
				iw.process(ctx, event.Name)
			case err, ok := <-iw.watcher.Errors:
				if !ok {
					return
				}
				iw.mu.Lock()
				iw.stats.Errors++
				iw.mu.Unlock()
				log.Warnf("inbox watcher error: %v", err)
			}
		}
	}()

	log.Infof("watching sync inbox at %s", iw.inboxDir)
	return nil
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (iw *InboxWatcher) Stop() {
	iw.mu.Lock()
	if !iw.running {
		iw.mu.Unlock()
		return
	}
	iw.running = false
	iw.mu.Unlock()

	close(iw.stopCh)
	iw.watcher.Close()
	<-iw.doneCh
}

// Stats returns a copy of the activity counters.
func (iw *InboxWatcher) Stats() InboxStats {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.stats
}

func (iw *InboxWatcher) debounced(path string) bool {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if last, ok := iw.debounce[path]; ok && time.Since(last) < iw.debounceD {
		return false
	}
	iw.debounce[path] = time.Now()
	return true
}

func (iw *InboxWatcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(iw.inboxDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		iw.process(ctx, filepath.Join(iw.inboxDir, entry.Name()))
	}
}

func (iw *InboxWatcher) process(ctx context.Context, path string) {
	log := logging.Get(logging.CategoryWatcher)

	iw.mu.Lock()
	iw.stats.FilesSeen++
	iw.stats.LastEventTime = time.Now()
	iw.stats.LastEventPath = path
	iw.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read inbox file %s: %v", path, err)
		}
		return
	}

	var cs ExternalChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		log.Warnf("malformed change document %s: %v", filepath.Base(path), err)
		iw.reject(path)
		return
	}

	if _, err := iw.engine.ApplyExternal(ctx, &cs); err != nil {
		log.Warnf("change document %s rejected: %v", filepath.Base(path), err)
		iw.reject(path)
		return
	}

	iw.mu.Lock()
	iw.stats.ChangesMerged++
	iw.mu.Unlock()
	os.Rename(path, strings.TrimSuffix(path, ".json")+".applied")
	log.Infof("merged external change document %s", filepath.Base(path))
}

func (iw *InboxWatcher) reject(path string) {
	iw.mu.Lock()
	iw.stats.Rejected++
	iw.mu.Unlock()
	os.Rename(path, strings.TrimSuffix(path, ".json")+".rejected")
}
