package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Every entry is a document in "entries" with its settings and submissions
// stored in sub-collections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project id can be inferred from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(entryID, name string) (*firestore.CollectionRef, error) {
	if entryID == "" {
		return nil, fmt.Errorf("entryID cannot be empty")
	}
	return f.client.Collection("entries").Doc(entryID).Collection(name), nil
}

// GetSettings retrieves the configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, entryID string) (types.Settings, int, error) {
	coll, err := f.getCollection(entryID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := unmarshalJSONField(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read settings doc", slog.String("entryID", entryID), slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to read settings: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, entryID string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(entryID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// InsertSubmission adds a submitted reading to the "submissions" collection.
// The document ID is the RFC3339 timestamp followed by the reading id so two
// scales submitted in the same second don't collide.
func (f *FirestoreProvider) InsertSubmission(ctx context.Context, entryID string, submission types.Submission) error {
	jsonBytes, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}

	coll, err := f.getCollection(entryID, "submissions")
	if err != nil {
		return err
	}
	docID := submission.Timestamp.UTC().Format(time.RFC3339) + "_" + submission.ReadingID
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": submission.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// GetSubmissionHistory retrieves submissions within the specified time range.
func (f *FirestoreProvider) GetSubmissionHistory(ctx context.Context, entryID string, start, end time.Time) ([]types.Submission, error) {
	coll, err := f.getCollection(entryID, "submissions")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var submissions []types.Submission
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating submissions: %w", err)
		}

		var s types.Submission
		if err := unmarshalJSONField(doc, &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read submission", slog.String("submissionID", doc.Ref.ID), slog.String("entryID", entryID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to read submission (id=%s): %w", doc.Ref.ID, err)
		}
		submissions = append(submissions, s)
	}
	return submissions, nil
}

// unmarshalJSONField decodes the "json" string field every document carries.
func unmarshalJSONField(doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}
