// Package credential persists per-server login credentials.
//
// Entries are keyed by the normalized server URL (see NormalizeServerURL).
// Secrets are stored OpenPGP-encrypted with a machine-local passphrase so the
// credentials file can be backed up or synced without exposing passwords.
package credential

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/pelletier/go-toml/v2"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

const (
	fileVersion     = 1
	credentialsFile = "credentials.toml"
	keyFile         = "credentials.key"
	messageType     = "PGP MESSAGE"
)

// Credentials is one stored login.
type Credentials struct {
	Username string
	Secret   string
}

// String redacts the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Secret: [REDACTED]}", c.Username)
}

type fileEntry struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Secret   string `toml:"secret"`
}

type fileFormat struct {
	Version int         `toml:"version"`
	Server  []fileEntry `toml:"server"`
}

// FileStore keeps credentials in a TOML file next to its passphrase file.
// Loads run concurrently; writes are serialized.
type FileStore struct {
	dir string
	log logging.Logger

	mu sync.RWMutex
}

// NewFileStore returns a store rooted at dir. Nothing is created until the
// first Save.
func NewFileStore(dir string, log logging.Logger) *FileStore {
	return &FileStore{dir: dir, log: logging.OrNop(log)}
}

// Save stores or replaces the credentials for serverURL.
func (s *FileStore) Save(serverURL, username, secret string) error {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return err
	}
	if username == "" {
		return fault.Newf(fault.InvalidArgument, "credential.Save", "username cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	passphrase, err := s.passphrase(true)
	if err != nil {
		return err
	}
	sealed, err := seal(passphrase, secret)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	doc, err := s.read()
	if err != nil {
		return err
	}

	replaced := false
	for i := range doc.Server {
		if doc.Server[i].URL == key {
			doc.Server[i] = fileEntry{URL: key, Username: username, Secret: sealed}
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Server = append(doc.Server, fileEntry{URL: key, Username: username, Secret: sealed})
	}

	if err := s.write(doc); err != nil {
		return err
	}
	s.log.Debug("saved credentials", "server", key, "username", username)
	return nil
}

// Load returns the credentials for serverURL, or false when none are stored.
func (s *FileStore) Load(serverURL string) (Credentials, bool, error) {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return Credentials{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.read()
	if err != nil {
		return Credentials{}, false, err
	}
	for _, e := range doc.Server {
		if e.URL != key {
			continue
		}
		passphrase, err := s.passphrase(false)
		if err != nil {
			return Credentials{}, false, err
		}
		secret, err := unseal(passphrase, e.Secret)
		if err != nil {
			return Credentials{}, false, fault.New(fault.StorageCorruption, "credential.Load", fmt.Errorf("decrypt secret for %s: %w", key, err))
		}
		return Credentials{Username: e.Username, Secret: secret}, true, nil
	}
	return Credentials{}, false, nil
}

// Delete removes the credentials for serverURL. Absent entries are ignored.
func (s *FileStore) Delete(serverURL string) error {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	kept := doc.Server[:0]
	for _, e := range doc.Server {
		if e.URL != key {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(doc.Server) {
		return nil
	}
	doc.Server = kept
	return s.write(doc)
}

// Servers lists the normalized URLs with stored credentials.
func (s *FileStore) Servers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc.Server))
	for _, e := range doc.Server {
		out = append(out, e.URL)
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) read() (*fileFormat, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, credentialsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileFormat{Version: fileVersion}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var doc fileFormat
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fault.New(fault.StorageCorruption, "credential.read", fmt.Errorf("parse credentials: %w", err))
	}
	return &doc, nil
}

func (s *FileStore) write(doc *fileFormat) error {
	doc.Version = fileVersion
	sort.Slice(doc.Server, func(i, j int) bool { return doc.Server[i].URL < doc.Server[j].URL })

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, credentialsFile), data)
}

// passphrase reads the machine-local key, generating it on first use when create is set.
func (s *FileStore) passphrase(create bool) ([]byte, error) {
	path := filepath.Join(s.dir, keyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return bytes.TrimSpace(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) || !create {
		return nil, fmt.Errorf("read credentials key: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate credentials key: %w", err)
	}
	key := []byte(hex.EncodeToString(raw))
	if err := writeFileAtomic(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(passphrase []byte, secret string) (string, error) {
	var buf bytes.Buffer
	armored, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", err
	}
	plain, err := openpgp.SymmetricallyEncrypt(armored, passphrase, nil, nil)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(plain, secret); err != nil {
		return "", err
	}
	if err := plain.Close(); err != nil {
		return "", err
	}
	if err := armored.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func unseal(passphrase []byte, sealed string) (string, error) {
	block, err := armor.Decode(strings.NewReader(sealed))
	if err != nil {
		return "", fmt.Errorf("decode armor: %w", err)
	}
	if block.Type != messageType {
		return "", fmt.Errorf("unexpected armor type %q", block.Type)
	}

	// ReadMessage re-prompts on a wrong passphrase; answer once.
	prompted := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if prompted || !symmetric {
			return nil, errors.New("wrong credentials key")
		}
		prompted = true
		return passphrase, nil
	}

	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{}, prompt, nil)
	if err != nil {
		return "", err
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temporary credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}
