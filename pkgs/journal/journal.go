// Package journal keeps an append-only on-disk log of account notifications
// so that another process (or a later run) can read what happened.
//
// Entries are JSON lines in gzip files named events.NNN.jsonl.gz. Every
// append writes a new gzip member, so a file is always readable. When the
// uncompressed size of the latest file would pass MaxFileSize a new file is
// started. Readers keep their position in markers/<reader>.json.
package journal

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emx-mail/mailfleet/pkgs/event"
)

// DefaultMaxFileSize is the uncompressed size at which files rotate.
const DefaultMaxFileSize = 8 << 20

const (
	latestFile = "latest"
	lockFile   = "journal.lock"
	staleLock  = 30 * time.Second
)

// Entry is one journaled notification.
type Entry struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"ts"`
	Account   string     `json:"account"`
	ConnID    string     `json:"conn,omitempty"`
	Kind      event.Kind `json:"kind"`
	Message   string     `json:"message"`
	Error     string     `json:"error,omitempty"`
}

// FromRecord converts a dispatched record to its journal form.
func FromRecord(r event.Record) Entry {
	e := Entry{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Account:   r.Account,
		ConnID:    r.ConnID,
		Kind:      r.Event.Kind(),
		Message:   event.Describe(r.Event),
	}
	switch ev := r.Event.(type) {
	case event.Failed:
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
	case event.GaveUp:
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
	}
	return e
}

// Position addresses the end of one entry: file name plus uncompressed
// byte offset.
type Position struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// ParsePosition parses the "file:offset" form produced by String.
func ParsePosition(s string) (Position, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return Position{}, fmt.Errorf("invalid position %q", s)
	}
	off, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || off < 0 {
		return Position{}, fmt.Errorf("invalid position offset %q", s)
	}
	return Position{File: s[:i], Offset: off}, nil
}

// Item is an entry read back together with its position.
type Item struct {
	Entry
	Position Position `json:"position"`
}

type fileMeta struct {
	Size  int64 `json:"size"`
	Lines int   `json:"lines"`
}

// Journal is a journal directory.
type Journal struct {
	Dir string
	// MaxFileSize overrides DefaultMaxFileSize when positive.
	MaxFileSize int64

	mu sync.Mutex
}

// Open prepares dir for use and returns its Journal.
func Open(dir string) (*Journal, error) {
	j := &Journal{Dir: dir}
	if err := j.init(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	if err := os.MkdirAll(filepath.Join(j.Dir, "markers"), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	if _, err := j.latest(); err != nil {
		return j.createFile(1)
	}
	return nil
}

func (j *Journal) maxSize() int64 {
	if j.MaxFileSize > 0 {
		return j.MaxFileSize
	}
	return DefaultMaxFileSize
}

// Append writes one entry.
func (j *Journal) Append(e Entry) (Position, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return Position{}, fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	unlock, err := j.lock()
	if err != nil {
		return Position{}, err
	}
	defer unlock()

	if err := j.init(); err != nil {
		return Position{}, err
	}
	name, err := j.latest()
	if err != nil {
		return Position{}, err
	}
	meta, err := j.loadMeta(name)
	if err != nil {
		return Position{}, err
	}

	if meta.Lines > 0 && meta.Size+int64(len(line)) > j.maxSize() {
		if err := j.createFile(parseSeq(name) + 1); err != nil {
			return Position{}, fmt.Errorf("failed to rotate journal: %w", err)
		}
		if name, err = j.latest(); err != nil {
			return Position{}, err
		}
		meta = &fileMeta{}
	}

	f, err := os.OpenFile(filepath.Join(j.Dir, name), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return Position{}, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(line); err != nil {
		return Position{}, fmt.Errorf("failed to write entry: %w", err)
	}
	if err := gw.Close(); err != nil {
		return Position{}, fmt.Errorf("failed to flush entry: %w", err)
	}

	meta.Size += int64(len(line))
	meta.Lines++
	if err := j.saveMeta(name, meta); err != nil {
		return Position{}, err
	}
	return Position{File: name, Offset: meta.Size}, nil
}

// Handler returns an event.Handler that appends every record. Write
// failures are logged.
func (j *Journal) Handler(log zerolog.Logger) event.Handler {
	return func(r event.Record) {
		if _, err := j.Append(FromRecord(r)); err != nil {
			log.Error().Err(err).Str("account", r.Account).Msg("failed to journal event")
		}
	}
}

// Read returns the entries after reader's marker, oldest first. A reader
// without a marker starts at the beginning. limit <= 0 means no limit.
func (j *Journal) Read(reader string, limit int) ([]Item, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	unlock, err := j.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	start, err := j.LoadMarker(reader)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	files, err := j.Files()
	if err != nil {
		return nil, err
	}

	startIdx := 0
	var offset int64
	if start != nil {
		for i, f := range files {
			if f == start.File {
				startIdx, offset = i, start.Offset
				break
			}
		}
	}

	var items []Item
	for i := startIdx; i < len(files); i++ {
		from := int64(0)
		if i == startIdx {
			from = offset
		}
		got, err := j.readFile(files[i], from)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", files[i], err)
		}
		items = append(items, got...)
		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
	}
	return items, nil
}

// Mark moves reader's marker to pos.
func (j *Journal) Mark(reader string, pos Position) error {
	if pos.File != filepath.Base(pos.File) || !strings.HasPrefix(pos.File, "events.") {
		return fmt.Errorf("invalid journal file %q", pos.File)
	}
	if _, err := os.Stat(filepath.Join(j.Dir, pos.File)); err != nil {
		return fmt.Errorf("journal file %s: %w", pos.File, err)
	}
	return j.SaveMarker(reader, &Marker{Position: pos, UpdatedAt: time.Now().UTC()})
}

// Files returns the journal file names in sequence order.
func (j *Journal) Files() ([]string, error) {
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "events.") && strings.HasSuffix(name, ".jsonl.gz") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// lock takes the cross-process lock file. Locks older than staleLock are
// taken over.
func (j *Journal) lock() (func(), error) {
	path := filepath.Join(j.Dir, lockFile)
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	for attempt := 0; attempt < 50; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		if fi, serr := os.Stat(path); serr == nil && time.Since(fi.ModTime()) > staleLock {
			os.Remove(path)
			continue
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("timed out waiting for %s", path)
}

func (j *Journal) latest() (string, error) {
	data, err := os.ReadFile(filepath.Join(j.Dir, latestFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (j *Journal) createFile(seq int) error {
	name := fmt.Sprintf("events.%03d.jsonl.gz", seq)
	f, err := os.Create(filepath.Join(j.Dir, name))
	if err != nil {
		return fmt.Errorf("failed to create journal file: %w", err)
	}
	f.Close()
	if err := j.saveMeta(name, &fileMeta{}); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(j.Dir, latestFile), []byte(name+"\n"), 0o644)
}

// parseSeq extracts NNN from events.NNN.jsonl.gz.
func parseSeq(name string) int {
	name = strings.TrimPrefix(name, "events.")
	name = strings.TrimSuffix(name, ".jsonl.gz")
	n, _ := strconv.Atoi(name)
	return n
}

func (j *Journal) metaPath(name string) string {
	return filepath.Join(j.Dir, strings.TrimSuffix(name, ".jsonl.gz")+".meta.json")
}

func (j *Journal) loadMeta(name string) (*fileMeta, error) {
	data, err := os.ReadFile(j.metaPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return &fileMeta{}, nil
		}
		return nil, fmt.Errorf("failed to read journal meta: %w", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse journal meta: %w", err)
	}
	return &meta, nil
}

func (j *Journal) saveMeta(name string, meta *fileMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(j.metaPath(name), data, 0o644)
}

// readFile decodes the entries of one file that end after from.
func (j *Journal) readFile(name string, from int64) ([]Item, error) {
	f, err := os.Open(filepath.Join(j.Dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if fi, err := f.Stat(); err != nil {
		return nil, err
	} else if fi.Size() == 0 {
		return nil, nil
	}

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= from {
		return nil, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data[from:]))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var items []Item
	offset := from
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		items = append(items, Item{Entry: e, Position: Position{File: name, Offset: offset}})
	}
	return items, scanner.Err()
}
