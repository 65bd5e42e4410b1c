package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/types"
)

// Database defines the interface for persisting settings and submitted
// readings. Everything is scoped by the entry id, one per provider login.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, entryID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, entryID string, settings types.Settings, version int) error

	// History
	InsertSubmission(ctx context.Context, entryID string, submission types.Submission) error
	GetSubmissionHistory(ctx context.Context, entryID string, start, end time.Time) ([]types.Submission, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()
	file := configuredFile()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "file":
			if err := file.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			p.Database = file
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
