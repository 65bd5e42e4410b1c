package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/tailscale/hujson"
)

// FileProvider implements the Database interface with a single JSON document
// on disk. The document may contain comments and trailing commas so it can be
// edited by hand.
type FileProvider struct {
	path string

	mu sync.Mutex
}

type fileEntry struct {
	Settings        json.RawMessage    `json:"settings,omitempty"`
	SettingsVersion int                `json:"settingsVersion"`
	Submissions     []types.Submission `json:"submissions,omitempty"`
}

type fileDocument struct {
	Entries map[string]*fileEntry `json:"entries"`
}

func configuredFile() *FileProvider {
	path := lflag.String("storage-file", "pescbridge.json", "Path to the JSON file used by the file storage provider")

	f := &FileProvider{}
	lflag.Do(func() {
		f.path = *path
	})
	return f
}

// NewFileProvider returns a provider that reads and writes path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.path == "" {
		return errors.New("storage-file is required")
	}
	return nil
}

// Close is a no-op since every write is flushed immediately.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) read() (*fileDocument, error) {
	doc := &fileDocument{Entries: map[string]*fileEntry{}}
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}
	b, err = hujson.Standardize(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage file: %w", err)
	}
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("failed to decode storage file: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*fileEntry{}
	}
	return doc, nil
}

func (f *FileProvider) write(doc *fileDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp storage file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp storage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp storage file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace storage file: %w", err)
	}
	return nil
}

// update reads the document, lets fn modify the entry and writes it back.
func (f *FileProvider) update(entryID string, fn func(e *fileEntry) error) error {
	if entryID == "" {
		return errors.New("entryID cannot be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	e, ok := doc.Entries[entryID]
	if !ok {
		e = &fileEntry{}
		doc.Entries[entryID] = e
	}
	if err := fn(e); err != nil {
		return err
	}
	return f.write(doc)
}

func (f *FileProvider) entry(entryID string) (*fileEntry, error) {
	if entryID == "" {
		return nil, errors.New("entryID cannot be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.Entries[entryID], nil
}

// GetSettings returns the stored settings and their version. Missing entries
// return zero settings and version 0.
func (f *FileProvider) GetSettings(ctx context.Context, entryID string) (types.Settings, int, error) {
	e, err := f.entry(entryID)
	if err != nil {
		return types.Settings{}, 0, err
	}
	if e == nil || len(e.Settings) == 0 {
		return types.Settings{}, 0, nil
	}
	var s types.Settings
	if err := json.Unmarshal(e.Settings, &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to read settings: %w", err)
	}
	return s, e.SettingsVersion, nil
}

// SetSettings stores settings with the given version.
func (f *FileProvider) SetSettings(ctx context.Context, entryID string, settings types.Settings, version int) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return f.update(entryID, func(e *fileEntry) error {
		e.Settings = b
		e.SettingsVersion = version
		return nil
	})
}

// InsertSubmission appends a submission to the entry's history.
func (f *FileProvider) InsertSubmission(ctx context.Context, entryID string, submission types.Submission) error {
	return f.update(entryID, func(e *fileEntry) error {
		e.Submissions = append(e.Submissions, submission)
		return nil
	})
}

// GetSubmissionHistory returns submissions in [start, end) ordered by time.
func (f *FileProvider) GetSubmissionHistory(ctx context.Context, entryID string, start, end time.Time) ([]types.Submission, error) {
	e, err := f.entry(entryID)
	if err != nil || e == nil {
		return nil, err
	}
	var out []types.Submission
	for _, s := range e.Submissions {
		if s.Timestamp.Before(start) || !s.Timestamp.Before(end) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
