// Package credstore keeps the operator-supplied settings on disk: the session
// cookies, the tracked VRChat user id and the notification chat id.
//
// Every read goes to the filesystem so edits made by bot commands (or by hand)
// are picked up on the next poll without a restart. Writes go through a temp
// file and a rename, so a concurrent reader sees either the old or the new file.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
)

type Paths struct {
	Cookies string
	UserID  string
	ChatID  string
}

type Store struct {
	paths Paths

	mu          sync.RWMutex
	defaultChat int64
	// writes serializes file replacement
	writes sync.Mutex
}

func New(paths Paths, defaultChatID int64) *Store {
	return &Store{paths: paths, defaultChat: defaultChatID}
}

func (s *Store) Paths() Paths { return s.paths }

// SetDefaultChatID updates the configured chat. 0 falls back to the chat id file.
func (s *Store) SetDefaultChatID(id int64) {
	s.mu.Lock()
	s.defaultChat = id
	s.mu.Unlock()
}

// Credentials returns the stored cookies. A missing file is an empty set, not an error.
func (s *Store) Credentials() (map[string]string, error) {
	b, err := os.ReadFile(s.paths.Cookies)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return map[string]string{}, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return map[string]string{}, nil
	}
	m, err := decodeStored(b)
	if err != nil {
		return map[string]string{}, err
	}
	return m, nil
}

// TrackedIdentity returns the VRChat user id to watch.
func (s *Store) TrackedIdentity() (string, bool) {
	v := readTrimmed(s.paths.UserID)
	return v, v != ""
}

func (s *Store) SetTrackedIdentity(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("user id is empty")
	}
	if strings.ContainsAny(id, " \t\r\n/") {
		return fmt.Errorf("invalid user id %q", id)
	}
	return s.writeAtomic(s.paths.UserID, []byte(id+"\n"))
}

// SaveCookies parses raw in any accepted format and replaces the cookies file.
// It returns the number of cookies written.
func (s *Store) SaveCookies(raw string) (int, error) {
	list, err := ParseCookies(raw)
	if err != nil {
		return 0, err
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := s.writeAtomic(s.paths.Cookies, append(b, '\n')); err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *Store) SetChatID(id int64) error {
	if id == 0 {
		return errors.New("chat id must be non-zero")
	}
	return s.writeAtomic(s.paths.ChatID, []byte(strconv.FormatInt(id, 10)+"\n"))
}

// StoredChatID reads the chat id file. ok is false when it is missing or unparsable.
func (s *Store) StoredChatID() (int64, bool) {
	v := readTrimmed(s.paths.ChatID)
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// ResolveTarget picks the configured chat first, then the chat id file.
func (s *Store) ResolveTarget() (transport.ChatTarget, bool) {
	s.mu.RLock()
	id := s.defaultChat
	s.mu.RUnlock()
	if id != 0 {
		return transport.ChatTarget{ChatID: id}, true
	}
	if id, ok := s.StoredChatID(); ok {
		return transport.ChatTarget{ChatID: id}, true
	}
	return transport.ChatTarget{}, false
}

func (s *Store) writeAtomic(path string, data []byte) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// cookies are secrets
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(string(b), "\ufeff"))
}
