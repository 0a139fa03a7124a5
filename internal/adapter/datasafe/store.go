// Package datasafe persists mail attachment bytes outside the Mail Store's
// append-only log, leaving only a DatasafePath reference on the stored
// entry (spec.md §3 Attachment.datasafePath).
package datasafe

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Encryptor encrypts/decrypts attachment bytes at rest. Satisfied by
// security.AESContentEncryptor; left optional so tests and deployments
// without a configured passphrase still work against plaintext files.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Store manages attachment blobs under a common base directory, one
// subdirectory per flow.
type Store struct {
	baseDir string
	enc     Encryptor
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithEncryptor enables at-rest encryption of attachment bytes.
func WithEncryptor(enc Encryptor) Option {
	return func(s *Store) { s.enc = enc }
}

// New creates a Store rooted at baseDir.
func New(baseDir string, opts ...Option) *Store {
	s := &Store{baseDir: baseDir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// flowDir returns (and creates) the attachment directory for the given
// flow, rejecting any flow ID that could escape baseDir.
func (s *Store) flowDir(flowID string) (string, error) {
	if flowID == "" {
		return "", fmt.Errorf("datasafe: flow ID must not be empty")
	}
	if strings.ContainsAny(flowID, `/\`) || strings.Contains(flowID, "..") {
		return "", fmt.Errorf("datasafe: flow ID %q contains invalid path characters", flowID)
	}
	dir := filepath.Join(s.baseDir, "flows", flowID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("datasafe: create flow dir: %w", err)
	}
	return dir, nil
}

// Put writes an attachment's bytes and returns its datasafe path, a
// value stable enough to store on StoredMailEntry.Attachments[].DatasafePath
// and later pass back to Get.
func (s *Store) Put(flowID, filename string, data []byte) (string, error) {
	dir, err := s.flowDir(flowID)
	if err != nil {
		return "", err
	}
	name := ulid.Make().String() + "_" + sanitizeFilename(filename)
	full := filepath.Join(dir, name)

	payload := data
	if s.enc != nil {
		ciphertext, err := s.enc.Encrypt(base64.StdEncoding.EncodeToString(data))
		if err != nil {
			return "", fmt.Errorf("datasafe: encrypt %s: %w", name, err)
		}
		payload = []byte(ciphertext)
	}

	if err := os.WriteFile(full, payload, 0600); err != nil {
		return "", fmt.Errorf("datasafe: write %s: %w", name, err)
	}
	return filepath.Join(flowID, name), nil
}

// Get reads back attachment bytes by the path returned from Put.
func (s *Store) Get(datasafePath string) ([]byte, error) {
	clean := filepath.Clean(datasafePath)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("datasafe: path %q escapes store root", datasafePath)
	}
	raw, err := os.ReadFile(filepath.Join(s.baseDir, "flows", clean))
	if err != nil {
		return nil, err
	}
	if s.enc == nil {
		return raw, nil
	}
	decoded, err := s.enc.Decrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("datasafe: decrypt %s: %w", datasafePath, err)
	}
	return base64.StdEncoding.DecodeString(decoded)
}

// ClearFlow deletes all attachments stored for a flow, used when an agent's
// mail history is cleared (spec.md §4.1 ClearForAgent cascades here).
func (s *Store) ClearFlow(flowID string) error {
	dir, err := s.flowDir(flowID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "attachment"
	}
	return name
}
