// Package files keeps uploaded media on local disk under opaque names and
// hands out the public URLs the HTTP layer serves them from. The upstream
// fetches media by these URLs, so stored names never leak the original
// filename.
package files

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// allowedSuffixes is the set of extensions preserved on stored names.
// Anything else is stored without an extension.
var allowedSuffixes = []string{
	".ogg", ".oga", ".mp3", ".m4a", ".wav", ".webm", ".amr",
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".heic",
}

// ErrNotFound reports that no stored file matches the requested name.
var ErrNotFound = errors.New("files: not found")

// Stored describes one saved file.
type Stored struct {
	Name string
	Path string
	URL  string
}

// Store saves uploads under dir and builds public URLs from baseURL.
type Store struct {
	dir     string
	baseURL string
}

func NewStore(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Suffix returns the stored extension for an original filename: the matching
// allowlisted suffix, or empty when the extension is unknown.
func Suffix(filename string) string {
	lower := strings.ToLower(filename)
	for _, s := range allowedSuffixes {
		if strings.HasSuffix(lower, s) {
			return s
		}
	}
	return ""
}

// Save streams r to disk under a fresh opaque name.
func (s *Store) Save(filename string, r io.Reader) (Stored, error) {
	id := uuid.New()
	name := hex.EncodeToString(id[:]) + Suffix(filename)
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return Stored{}, fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return Stored{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return Stored{}, fmt.Errorf("close %s: %w", name, err)
	}
	return Stored{Name: name, Path: path, URL: s.URL(name)}, nil
}

// URL returns the public address for a stored name.
func (s *Store) URL(name string) string {
	return s.baseURL + "/files/" + name
}

// Open returns the stored file for serving. Names that do not match the
// shape Save produces are rejected before touching the filesystem.
func (s *Store) Open(name string) (*os.File, error) {
	if !validName(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// validName accepts exactly what Save issues: 32 hex runes plus an optional
// allowlisted extension.
func validName(name string) bool {
	ext := Suffix(name)
	stem := strings.TrimSuffix(name, ext)
	if len(stem) != 32 {
		return false
	}
	for _, r := range stem {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
