// Package sink provides the byte sinks media sessions append segment data to.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const writeBufferSize = 64 * 1024

// Sink is an append-only byte sink addressed by a session-scoped path.
type Sink interface {
	io.WriteCloser
	// Path is the location the sink was opened at.
	Path() string
	// Size is the number of bytes written so far.
	Size() int64
}

// Opener opens sinks.
type Opener interface {
	Open(path string) (Sink, error)
}

// Dir opens file sinks below Root. Paths are relative to Root.
type Dir struct {
	Root string
}

// NewDir returns an opener rooted at root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

// Open creates (or appends to) the file at path, creating parent directories.
func (d *Dir) Open(path string) (Sink, error) {
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("sink mkdir %s: %w", path, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sink stat %s: %w", path, err)
	}
	return &fileSink{
		path: full,
		f:    f,
		w:    bufio.NewWriterSize(f, writeBufferSize),
		size: st.Size(),
	}, nil
}

// resolve joins path onto Root and rejects paths escaping it.
func (d *Dir) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(d.Root, clean)
	if d.Root != "" {
		rel, err := filepath.Rel(d.Root, full)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("sink path %q escapes %s", path, d.Root)
		}
	}
	return full, nil
}

type fileSink struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	size   int64
	closed bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	n, err := s.w.Write(p)
	s.size += int64(n)
	return n, err
}

// Close flushes buffered bytes and closes the file. Closing twice is a no-op.
func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ferr := s.w.Flush()
	cerr := s.f.Close()
	if ferr != nil {
		return fmt.Errorf("sink flush %s: %w", s.path, ferr)
	}
	return cerr
}

func (s *fileSink) Path() string { return s.path }

func (s *fileSink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
