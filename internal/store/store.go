// Package store materializes resources on disk, one fetch per canonical URL.
//
// Layout under the root:
//
//	index.html                     entry document
//	css/ js/ images/ fonts/ media/ other/
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"pagemirror/internal/urlx"
)

// EntryName is the fixed root-level name of the entry document.
const EntryName = "index.html"

const maxNameLen = 180

// State of a Record.
type State int

const (
	Pending State = iota
	Saved
	Failed
)

func (s State) String() string {
	switch s {
	case Saved:
		return "saved"
	case Failed:
		return "failed"
	}
	return "pending"
}

// Record is the index entry for one canonical URL.
type Record struct {
	URL         string
	Category    urlx.Category
	Path        string
	ContentType string
	Size        int64
	State       State
	Err         error
}

// Store owns the canonical URL -> local path index and the directory tree
// for a single run.
type Store struct {
	root    string
	fetcher Fetcher
	log     logrus.FieldLogger

	group singleflight.Group

	mu      sync.Mutex
	index   map[string]*Record
	claimed map[string]bool
}

// New prepares root and its category directories.
func New(root string, fetcher Fetcher, log logrus.FieldLogger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &FilesystemError{Op: "resolve", Path: root, Err: err}
	}
	for _, c := range urlx.Categories {
		dir := filepath.Join(abs, string(c))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Store{
		root:    abs,
		fetcher: fetcher,
		log:     log,
		index:   make(map[string]*Record),
		claimed: make(map[string]bool),
	}, nil
}

// Root returns the absolute output root.
func (s *Store) Root() string { return s.root }

// Get returns the local path for canonical, fetching and saving it on the
// first request. Later calls for the same URL return the recorded outcome
// without touching the network.
func (s *Store) Get(ctx context.Context, canonical string) (string, error) {
	return s.get(ctx, canonical, false)
}

// GetEntry is Get for the entry document, which is always saved as
// EntryName directly under the root.
func (s *Store) GetEntry(ctx context.Context, canonical string) (string, error) {
	return s.get(ctx, canonical, true)
}

func (s *Store) get(ctx context.Context, canonical string, entry bool) (string, error) {
	if rec, ok := s.record(canonical); ok && rec.State != Pending {
		return rec.Path, rec.Err
	}

	v, err, _ := s.group.Do(canonical, func() (any, error) {
		if rec, ok := s.record(canonical); ok && rec.State != Pending {
			return rec.Path, rec.Err
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s", ErrCanceled, canonical)
		}

		rec := &Record{URL: canonical, State: Pending}
		s.mu.Lock()
		s.index[canonical] = rec
		s.mu.Unlock()

		s.fetch(ctx, rec, entry)
		return rec.Path, rec.Err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// fetch downloads rec.URL and streams it to disk, settling rec's state.
func (s *Store) fetch(ctx context.Context, rec *Record, entry bool) {
	log := s.log.WithField("url", rec.URL)

	resp, err := s.fetcher.Fetch(ctx, rec.URL)
	if errors.Is(err, ErrCanceled) {
		// Canceled fetches leave no record behind.
		s.mu.Lock()
		delete(s.index, rec.URL)
		rec.Err = err
		s.mu.Unlock()
		log.Debug("download canceled")
		return
	}
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{URL: rec.URL, Err: err}
		}
		s.settle(rec, Failed, err)
		log.WithError(err).Warn("download failed")
		return
	}
	defer resp.Body.Close()

	var dst string
	if entry {
		dst = filepath.Join(s.root, EntryName)
	} else {
		c := urlx.Classify(rec.URL, resp.ContentType)
		s.mu.Lock()
		rec.Category = c
		s.mu.Unlock()
		dst = s.claim(rec.URL, c)
	}

	n, err := writeFile(dst, rec.URL, resp.Body)
	if err != nil {
		s.release(dst)
		s.settle(rec, Failed, err)
		log.WithError(err).Warn("save failed")
		return
	}

	s.mu.Lock()
	rec.Path = dst
	rec.ContentType = resp.ContentType
	rec.Size = n
	rec.State = Saved
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"path":     s.display(dst),
		"category": rec.Category,
		"bytes":    n,
	}).Info("saved")
}

func (s *Store) settle(rec *Record, st State, err error) {
	s.mu.Lock()
	rec.State = st
	rec.Err = err
	s.mu.Unlock()
}

// claim reserves a free filename for rawURL inside the category directory.
// A name is taken when another resource of this run claimed it or when a
// non-empty file already exists on disk.
func (s *Store) claim(rawURL string, c urlx.Category) string {
	name := FileName(rawURL, c)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	dir := filepath.Join(s.root, string(c))

	s.mu.Lock()
	defer s.mu.Unlock()
	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		p := filepath.Join(dir, candidate)
		if s.claimed[p] {
			continue
		}
		if fi, err := os.Stat(p); err == nil && (fi.IsDir() || fi.Size() > 0) {
			continue
		}
		s.claimed[p] = true
		return p
	}
}

func (s *Store) release(p string) {
	s.mu.Lock()
	delete(s.claimed, p)
	s.mu.Unlock()
}

// Lookup returns the saved path of canonical without fetching.
func (s *Store) Lookup(canonical string) (string, bool) {
	rec, ok := s.record(canonical)
	if !ok || rec.State != Saved {
		return "", false
	}
	return rec.Path, true
}

// Record returns a copy of the index entry for canonical.
func (s *Store) Record(canonical string) (Record, bool) {
	return s.record(canonical)
}

func (s *Store) record(canonical string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[canonical]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns a snapshot of the index ordered by URL.
func (s *Store) Records() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.index))
	for _, rec := range s.index {
		out = append(out, *rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (s *Store) display(p string) string {
	if rel, err := filepath.Rel(s.root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}

// FileName derives the on-disk name for rawURL before collision handling.
func FileName(rawURL string, c urlx.Category) string {
	name := sanitize(urlx.LastSegment(rawURL))
	if name == "" || name == "." || name == ".." {
		name = "resource_" + shortHash(rawURL)
	}
	if !strings.Contains(name, ".") {
		name += urlx.DefaultExt(c)
	}
	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxNameLen-len(ext)] + ext
	}
	return name
}

// shortHash is stable across runs for the same URL.
func shortHash(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:8]
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return '_'
		case strings.ContainsRune(`\/:*?"<>|`, r):
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}

// sourceReader remembers read-side failures so a broken transfer is not
// reported as a disk problem.
type sourceReader struct {
	r   io.Reader
	err error
}

func (sr *sourceReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if err != nil && err != io.EOF {
		sr.err = err
	}
	return n, err
}

func writeFile(dst, rawURL string, r io.Reader) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, &FilesystemError{Op: "create", Path: dst, Err: err}
	}
	src := &sourceReader{r: r}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		if src.err != nil {
			return n, &FetchError{URL: rawURL, Err: src.err}
		}
		return n, &FilesystemError{Op: "write", Path: dst, Err: err}
	}
	return n, nil
}
