// Package theme persists the colour theme of the portal in a small local JSON file.
package theme

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
)

type Theme struct {
	Primary    string `json:"primary" validate:"required,hexcolor"`
	Secondary  string `json:"secondary" validate:"required,hexcolor"`
	Background string `json:"background" validate:"required,hexcolor"`
	Text       string `json:"text" validate:"required,hexcolor"`
}

// Default is used when no valid theme was saved.
var Default = Theme{
	Primary:    "#1E88E5",
	Secondary:  "#FFC107",
	Background: "#FFFFFF",
	Text:       "#212121",
}

// RGB parses a colour of the theme (#RGB or #RRGGBB).
func RGB(hex string) (r, g, b int, err error) {
	s := strings.TrimPrefix(hex, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return 0, 0, 0, errors.Errorf("invalid colour %q", hex)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "invalid colour %q", hex)
	}
	return int(v >> 16 & 0xFF), int(v >> 8 & 0xFF), int(v & 0xFF), nil
}

// Store loads and saves the theme file. The current theme is kept in memory.
type Store struct {
	path     string
	validate *validator.Validate
	logger   core.Logger

	mu      sync.RWMutex
	current Theme
}

func NewStore(path string, validate *validator.Validate, logger core.Logger) *Store {
	if validate == nil {
		validate = validator.New()
	}
	return &Store{path: path, validate: validate, logger: logger, current: Default}
}

// Current returns the theme in use.
func (s *Store) Current() Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Load reads the theme file. A missing, unparsable or invalid file yields Default.
func (s *Store) Load() Theme {
	t, err := s.read()
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) && s.logger != nil {
			s.logger.Warn("falling back to the default theme", err)
		}
		t = Default
	}
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	return t
}

func (s *Store) read() (Theme, error) {
	data, err := ioutil.ReadFile(s.path)
	if err != nil {
		return Theme{}, err
	}
	var t Theme
	if err := json.Unmarshal(data, &t); err != nil {
		return Theme{}, errors.Wrap(err, "decoding "+s.path)
	}
	if err := s.validate.Struct(t); err != nil {
		return Theme{}, errors.Wrap(err, "validating "+s.path)
	}
	return t, nil
}

// Save validates t, then replaces the theme file atomically.
func (s *Store) Save(t Theme) error {
	t = Theme{
		Primary:    core.CleanString(t.Primary),
		Secondary:  core.CleanString(t.Secondary),
		Background: core.CleanString(t.Background),
		Text:       core.CleanString(t.Text),
	}
	if err := s.validate.Struct(t); err != nil {
		return err
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating theme dir")
	}
	tmp, err := ioutil.TempFile(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp theme file")
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing theme")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "syncing theme")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing theme")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "replacing theme")
	}

	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	return nil
}
