package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var ErrInvalidFilename = errors.New("invalid filename")

// Store persists uploads under a single directory and records every file it
// writes in an optional Tracker.
type Store struct {
	dir     string
	urlBase string
	unique  bool
	tracker *Tracker
}

type Option func(*Store)

// WithTracker records saved paths so they can be removed at shutdown.
func WithTracker(t *Tracker) Option {
	return func(s *Store) { s.tracker = t }
}

// WithUniqueNames prefixes saved names with a uuid so uploads never overwrite each other.
func WithUniqueNames() Option {
	return func(s *Store) { s.unique = true }
}

func NewStore(dir, urlBase string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	s := &Store{dir: dir, urlBase: urlBase}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// SanitizeFilename keeps only the base name of a client supplied filename and
// replaces anything outside letters, digits, '.', '-' and '_'.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	clean := strings.TrimLeft(b.String(), ".")
	if clean == "" || strings.Trim(clean, "_") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return clean, nil
}

// Upload is a file persisted by Save together with the bytes read back from disk.
type Upload struct {
	Name string
	Path string
	Data []byte
}

// Save writes r under a sanitized form of name. The data is written to a
// private temp file in the store dir, read back from it and then renamed into
// place, so concurrent saves of the same name never see each other's bytes.
func (s *Store) Save(name string, r io.Reader) (*Upload, error) {
	clean, err := SanitizeFilename(name)
	if err != nil {
		return nil, err
	}
	if s.unique {
		clean = uuid.NewString() + "_" + clean
	}
	dst := filepath.Join(s.dir, clean)

	tmp, err := os.CreateTemp(s.dir, ".upload-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", dst, err)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", dst, err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("move %s into place: %w", dst, err)
	}
	if s.tracker != nil {
		s.tracker.Add(dst)
	}
	return &Upload{Name: clean, Path: dst, Data: data}, nil
}

// URL is the path the static handler serves a stored name under.
func (s *Store) URL(name string) string {
	return path.Join("/", s.urlBase, name)
}
