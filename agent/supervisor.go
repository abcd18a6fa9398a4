package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// FileStore holds the files the console offers to the agent, keyed by the
// hex SHA-1 of their content.
type FileStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string][]byte)}
}

// Add stores data and returns its key.
func (s *FileStore) Add(data []byte) string {
	sum := sha1.Sum(data)
	sha := hex.EncodeToString(sum[:])
	s.mu.Lock()
	s.files[sha] = data
	s.mu.Unlock()
	return sha
}

// Get returns the file stored under sha, or nil.
func (s *FileStore) Get(sha string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files[sha]
}

// Supervisor serves the agent's callbacks on the console side.
type Supervisor struct {
	out    io.Writer
	errOut io.Writer
	files  *FileStore
	events chan<- Event

	mu sync.Mutex // serializes writes to out and errOut
}

// NewSupervisor returns a Supervisor printing agent output to out and errOut
// and delivering events to events. A nil events channel discards them; a
// full one drops them rather than stall the link.
func NewSupervisor(out, errOut io.Writer, files *FileStore, events chan<- Event) *Supervisor {
	if files == nil {
		files = NewFileStore()
	}
	return &Supervisor{out: out, errOut: errOut, files: files, events: events}
}

func (s *Supervisor) Stdout(out string) bool {
	return s.write(s.out, out)
}

func (s *Supervisor) Stderr(out string) bool {
	return s.write(s.errOut, out)
}

func (s *Supervisor) write(w io.Writer, text string) bool {
	if w == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(w, text)
	return err == nil
}

// GetFile returns the content registered under sha, or nil when unknown.
func (s *Supervisor) GetFile(sha string) []byte {
	return s.files.Get(sha)
}

func (s *Supervisor) OnEvent(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
