// Package tailer follows append-only JSONL transcript files with byte-offset
// positions. It watches the containing directories (so create, delete and
// rename of the files themselves stay visible), debounces change bursts, and
// emits only complete, well-formed records.
package tailer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is the delay after the last filesystem event before the
// change callback runs, coalescing rapid write bursts into one read.
const watchDebounce = 100 * time.Millisecond

// ErrUnknownSession is returned for operations on an unregistered session.
var ErrUnknownSession = errors.New("tailer: unknown session")

// ChangeFunc is invoked (debounced) when a watched file may have new data.
type ChangeFunc func(sessionID string)

// DeleteFunc is invoked once when a watched file is found to be gone.
type DeleteFunc func(sessionID string)

type fileState struct {
	path       string
	pos        int64
	deleteOnce sync.Once
}

// Tailer tracks a set of watched files keyed by session id.
type Tailer struct {
	onChange ChangeFunc
	onDelete DeleteFunc
	logger   *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	files    map[string]*fileState // session id -> state
	byPath   map[string]string     // cleaned path -> session id
	dirs     map[string]int        // watched dir -> refcount
	debounce map[string]*time.Timer
	closed   bool

	done chan struct{}
}

// New creates a Tailer and starts its watch loop.
func New(onChange ChangeFunc, onDelete DeleteFunc) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	t := &Tailer{
		onChange: onChange,
		onDelete: onDelete,
		logger:   slog.Default().With("component", "tailer"),
		watcher:  watcher,
		files:    make(map[string]*fileState),
		byPath:   make(map[string]string),
		dirs:     make(map[string]int),
		debounce: make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Add registers a file. startPos < 0 means attach at the current size
// (live tail); otherwise the position comes from a prior checkpoint.
func (t *Tailer) Add(sessionID, path string, startPos int64) error {
	path = filepath.Clean(path)

	if startPos < 0 {
		startPos = 0
		if st, err := os.Stat(path); err == nil {
			startPos = st.Size()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("tailer: closed")
	}
	if _, ok := t.files[sessionID]; ok {
		return nil
	}

	dir := filepath.Dir(path)
	if t.dirs[dir] == 0 {
		if err := t.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	t.dirs[dir]++
	t.files[sessionID] = &fileState{path: path, pos: startPos}
	t.byPath[path] = sessionID
	return nil
}

// Remove unregisters a session. Unknown sessions are a no-op.
func (t *Tailer) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fs, ok := t.files[sessionID]
	if !ok {
		return
	}
	delete(t.files, sessionID)
	delete(t.byPath, fs.path)
	if timer, ok := t.debounce[sessionID]; ok {
		timer.Stop()
		delete(t.debounce, sessionID)
	}

	dir := filepath.Dir(fs.path)
	t.dirs[dir]--
	if t.dirs[dir] <= 0 {
		delete(t.dirs, dir)
		if !t.closed {
			_ = t.watcher.Remove(dir)
		}
	}
}

// Position returns the session's current byte position.
func (t *Tailer) Position(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fs, ok := t.files[sessionID]; ok {
		return fs.pos
	}
	return 0
}

// SeekTail repositions to the start of the n-th-from-last complete record.
// n == 0 positions at the live end; a file with n records or fewer rewinds
// to 0. Returns the new position.
func (t *Tailer) SeekTail(sessionID string, n int) (int64, error) {
	t.mu.Lock()
	fs, ok := t.files[sessionID]
	t.mu.Unlock()
	if !ok {
		return 0, ErrUnknownSession
	}

	data, err := os.ReadFile(fs.path)
	if err != nil {
		return 0, fmt.Errorf("seek tail: %w", err)
	}

	// Offsets where complete records start.
	var starts []int64
	var recordEnd int64
	lineStart := int64(0)
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if int64(i) > lineStart { // skip empty lines
			starts = append(starts, lineStart)
		}
		recordEnd = int64(i) + 1
		lineStart = recordEnd
	}

	var pos int64
	switch {
	case n <= 0:
		pos = recordEnd
	case len(starts) <= n:
		pos = 0
	default:
		pos = starts[len(starts)-n]
	}

	t.mu.Lock()
	if fs, ok := t.files[sessionID]; ok {
		fs.pos = pos
	}
	t.mu.Unlock()
	return pos, nil
}

// ReadNew reads everything appended since the last position and returns the
// complete, well-formed JSON records plus the advanced position. A trailing
// partial line is left unconsumed for the next call. A vanished file returns
// no records and surfaces the deletion through the delete callback.
func (t *Tailer) ReadNew(sessionID string) ([][]byte, int64, error) {
	t.mu.Lock()
	fs, ok := t.files[sessionID]
	var pos int64
	var path string
	if ok {
		pos, path = fs.pos, fs.path
	}
	t.mu.Unlock()
	if !ok {
		return nil, 0, ErrUnknownSession
	}

	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.signalDelete(sessionID, fs)
			return nil, pos, nil
		}
		return nil, pos, fmt.Errorf("stat %s: %w", path, err)
	}

	size := st.Size()
	if pos > size {
		t.logger.Warn("file truncated, resetting position", "session", sessionID, "path", path)
		pos = 0
	}
	if pos == size {
		t.setPos(sessionID, pos)
		return nil, pos, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, pos, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, size-pos)
	if _, err := f.ReadAt(buf, pos); err != nil && err != io.EOF {
		return nil, pos, fmt.Errorf("read %s: %w", path, err)
	}

	// A buffer not ending in LF carries a partial record that must wait.
	chunk := buf
	advance := int64(len(buf))
	if idx := bytes.LastIndexByte(buf, '\n'); idx < 0 {
		chunk = nil
		advance = 0
	} else if idx != len(buf)-1 {
		chunk = buf[:idx+1]
		advance = int64(idx + 1)
	}

	if len(chunk) > 0 && !utf8.Valid(chunk) {
		// Fail soft: skip the unreadable span entirely rather than wedge.
		t.logger.Warn("undecodable bytes in transcript, skipping chunk",
			"session", sessionID, "path", path)
		t.setPos(sessionID, size)
		return nil, size, nil
	}

	var records [][]byte
	for _, seg := range bytes.Split(chunk, []byte{'\n'}) {
		seg = bytes.TrimSpace(seg)
		if len(seg) == 0 {
			continue
		}
		if !json.Valid(seg) {
			t.logger.Warn("malformed record skipped", "session", sessionID)
			continue
		}
		rec := make([]byte, len(seg))
		copy(rec, seg)
		records = append(records, rec)
	}

	newPos := pos + advance
	t.setPos(sessionID, newPos)
	return records, newPos, nil
}

func (t *Tailer) setPos(sessionID string, pos int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fs, ok := t.files[sessionID]; ok {
		fs.pos = pos
	}
}

func (t *Tailer) signalDelete(sessionID string, fs *fileState) {
	fs.deleteOnce.Do(func() {
		if t.onDelete != nil {
			go t.onDelete(sessionID)
		}
	})
}

// run is the watch loop. Every event on a tracked path schedules a debounced
// change callback; the reader discovers deletions itself via stat.
func (t *Tailer) run() {
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("watch error", "error", err)
		}
	}
}

func (t *Tailer) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	t.mu.Lock()
	sessionID, ok := t.byPath[path]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	if timer, ok := t.debounce[sessionID]; ok {
		timer.Reset(watchDebounce)
		t.mu.Unlock()
		return
	}
	t.debounce[sessionID] = time.AfterFunc(watchDebounce, func() {
		t.mu.Lock()
		delete(t.debounce, sessionID)
		closed := t.closed
		t.mu.Unlock()
		if !closed && t.onChange != nil {
			t.onChange(sessionID)
		}
	})
	t.mu.Unlock()
}

// Close stops the watch loop and all pending debounce timers.
func (t *Tailer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for id, timer := range t.debounce {
		timer.Stop()
		delete(t.debounce, id)
	}
	t.mu.Unlock()

	close(t.done)
	return t.watcher.Close()
}
