package history

// This file contains the run history store: every vtest run is persisted as
// <root>/history/<run id>/history.json.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/perfgo/vtest/model"
)

const (
	// Directory below the history root holding one directory per run
	RunsDir = "history"
	// Name of the record inside a run directory
	FileName = "history.json"
)

// ErrNoRuns is returned when the history root holds no runs
var ErrNoRuns = errors.New("no test runs found")

type Entry struct {
	History  model.History
	FullPath string
}

// Store reads and writes run records below a root directory
type Store struct {
	fs     afero.Fs
	root   string
	logger zerolog.Logger
}

// NewStore creates a store rooted at root
func NewStore(fsys afero.Fs, root string, logger zerolog.Logger) *Store {
	return &Store{fs: fsys, root: root, logger: logger}
}

// Root returns the history root directory
func (s *Store) Root() string {
	return s.root
}

// Save writes the record of a run and returns its directory
func (s *Store) Save(h *model.History) (string, error) {
	if h.ID == "" {
		return "", errors.New("history record without id")
	}
	dir := filepath.Join(s.root, RunsDir, h.ID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, FileName), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write history: %w", err)
	}

	s.logger.Debug().Str("run", h.ID).Str("path", dir).Msg("Saved run history")
	return dir, nil
}

// LoadEntries loads all history entries, newest first. Records that cannot
// be parsed are skipped with a warning.
func (s *Store) LoadEntries() ([]Entry, error) {
	runsDir := filepath.Join(s.root, RunsDir)
	if _, err := s.fs.Stat(runsDir); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoRuns, s.root)
	}

	var entries []Entry
	err := afero.Walk(s.fs, runsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		historyPath := filepath.Join(path, FileName)
		if _, err := s.fs.Stat(historyPath); err != nil {
			return nil
		}
		history, err := s.parseHistoryJSON(historyPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", historyPath).Msg("Failed to parse history.json")
			return nil
		}
		entries = append(entries, Entry{
			History:  history,
			FullPath: path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history directory: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].History.Timestamp.After(entries[j].History.Timestamp)
	})
	return entries, nil
}

// Find returns the entry whose run ID equals id or starts with it. The
// prefix must be unambiguous.
func (s *Store) Find(id string) (*Entry, error) {
	entries, err := s.LoadEntries()
	if err != nil {
		return nil, err
	}

	var found []Entry
	for _, e := range entries {
		if e.History.ID == id {
			return &e, nil
		}
		if len(id) > 0 && len(e.History.ID) >= len(id) && e.History.ID[:len(id)] == id {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("test run %s not found", id)
	case 1:
		return &found[0], nil
	}
	return nil, fmt.Errorf("test run id %s is ambiguous (%d matches)", id, len(found))
}

// parseHistoryJSON parses a history.json file and relinks its task trees.
func (s *Store) parseHistoryJSON(historyPath string) (model.History, error) {
	data, err := afero.ReadFile(s.fs, historyPath)
	if err != nil {
		return model.History{}, err
	}

	var history model.History
	if err := json.Unmarshal(data, &history); err != nil {
		return model.History{}, err
	}
	for _, f := range history.Files {
		model.Link(f)
	}
	return history, nil
}
