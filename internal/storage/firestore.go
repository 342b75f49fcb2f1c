package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage implements flow storage using Google Cloud Firestore.
// Snapshots are encrypted before they leave the process.
type FirestoreStorage struct {
	client     *firestore.Client
	projectID  string
	collection string
	encryptor  crypto.Encryptor
	now        func() time.Time
}

// Ensure FirestoreStorage implements Storage interface
var _ Storage = (*FirestoreStorage)(nil)

// FlowDoc represents a flow document in Firestore
type FlowDoc struct {
	Kind      string `firestore:"kind"`
	Data      string `firestore:"data"`       // Encrypted snapshot
	ExpiresAt int64  `firestore:"expires_at"` // Unix timestamp
	UpdatedAt int64  `firestore:"updated_at"` // Unix timestamp
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	// Validate required parameters
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Using Firestore for flow storage", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:     client,
		projectID:  projectID,
		collection: collection,
		encryptor:  encryptor,
		now:        time.Now,
	}, nil
}

// SaveFlow encrypts and stores a flow snapshot
func (s *FirestoreStorage) SaveFlow(ctx context.Context, record *FlowRecord) error {
	doc, err := s.encode(record)
	if err != nil {
		return err
	}
	if _, err := s.client.Collection(s.collection).Doc(record.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store flow: %w", err)
	}
	return nil
}

// GetFlow retrieves and decrypts a flow snapshot
func (s *FirestoreStorage) GetFlow(ctx context.Context, id string) (*FlowRecord, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to get flow from Firestore: %w", err)
	}

	var doc FlowDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return s.decode(id, doc)
}

// encode turns a record into the document written to Firestore. Only the
// snapshot is encrypted; kind and timestamps stay queryable.
func (s *FirestoreStorage) encode(record *FlowRecord) (FlowDoc, error) {
	encrypted, err := s.encryptor.Encrypt(string(record.Data))
	if err != nil {
		return FlowDoc{}, fmt.Errorf("failed to encrypt flow: %w", err)
	}
	return FlowDoc{
		Kind:      record.Kind,
		Data:      encrypted,
		ExpiresAt: record.ExpiresAt.Unix(),
		UpdatedAt: record.UpdatedAt.Unix(),
	}, nil
}

// decode is the inverse of encode. Documents past their expiry that the
// sweep has not reached yet read as missing.
func (s *FirestoreStorage) decode(id string, doc FlowDoc) (*FlowRecord, error) {
	data, err := s.encryptor.Decrypt(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt flow: %w", err)
	}

	record := &FlowRecord{
		ID:        id,
		Kind:      doc.Kind,
		Data:      []byte(data),
		ExpiresAt: time.Unix(doc.ExpiresAt, 0),
		UpdatedAt: time.Unix(doc.UpdatedAt, 0),
	}
	if record.Expired(s.now()) {
		return nil, ErrFlowNotFound
	}
	return record, nil
}

// DeleteFlow deletes a flow snapshot
func (s *FirestoreStorage) DeleteFlow(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.collection).Doc(id).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// CleanupExpiredFlows removes all expired flow snapshots
func (s *FirestoreStorage) CleanupExpiredFlows(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", s.now().Unix()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired flows: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		// Commit batch if we hit the limit
		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	// Commit remaining deletes
	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
