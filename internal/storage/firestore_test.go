package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreStorageConfig(t *testing.T) {
	ctx := context.Background()
	encryptor, err := crypto.NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		project    string
		collection string
		encryptor  crypto.Encryptor
		wantErr    string
	}{
		{name: "missing project", collection: "flows", encryptor: encryptor, wantErr: "projectID is required"},
		{name: "missing collection", project: "test-project", encryptor: encryptor, wantErr: "collection is required"},
		{name: "nil encryptor", project: "test-project", collection: "flows", wantErr: "encryptor is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFirestoreStorage(ctx, tt.project, "(default)", tt.collection, tt.encryptor)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFirestoreStorage_Documents(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	record := &FlowRecord{
		ID:        "flow-1",
		Kind:      "sign_up",
		Data:      []byte(`{"step":"email_verification"}`),
		ExpiresAt: now.Add(30 * time.Minute),
		UpdatedAt: now,
	}

	t.Run("only the snapshot is encrypted", func(t *testing.T) {
		enc := &testutil.MockEncryptor{}
		enc.On("Encrypt", `{"step":"email_verification"}`).Return("sealed", nil)
		enc.On("Decrypt", "sealed").Return(`{"step":"email_verification"}`, nil)
		s := &FirestoreStorage{encryptor: enc, now: func() time.Time { return now }}

		doc, err := s.encode(record)
		require.NoError(t, err)
		assert.Equal(t, FlowDoc{
			Kind:      "sign_up",
			Data:      "sealed",
			ExpiresAt: now.Add(30 * time.Minute).Unix(),
			UpdatedAt: now.Unix(),
		}, doc)

		got, err := s.decode("flow-1", doc)
		require.NoError(t, err)
		assert.Equal(t, record.Kind, got.Kind)
		assert.Equal(t, record.Data, got.Data)
		assert.True(t, record.ExpiresAt.Equal(got.ExpiresAt))
		enc.AssertExpectations(t)
	})

	t.Run("expired documents read as missing", func(t *testing.T) {
		enc := &testutil.MockEncryptor{}
		enc.On("Decrypt", "sealed").Return("{}", nil)
		s := &FirestoreStorage{encryptor: enc, now: func() time.Time { return now.Add(time.Hour) }}

		_, err := s.decode("flow-1", FlowDoc{Kind: "sign_up", Data: "sealed", ExpiresAt: now.Unix()})
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("encryption failures surface", func(t *testing.T) {
		enc := &testutil.MockEncryptor{}
		enc.On("Encrypt", "{}").Return("", errors.New("no key"))
		enc.On("Decrypt", "garbage").Return("", errors.New("message authentication failed"))
		s := &FirestoreStorage{encryptor: enc, now: time.Now}

		_, err := s.encode(&FlowRecord{ID: "flow-1", Data: []byte("{}")})
		assert.ErrorContains(t, err, "failed to encrypt flow")
		_, err = s.decode("flow-1", FlowDoc{Data: "garbage"})
		assert.ErrorContains(t, err, "failed to decrypt flow")
	})
}

// Runs against the Firestore emulator when FIRESTORE_EMULATOR_HOST is set.
func TestFirestoreStorage_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	encryptor, err := crypto.NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))
	require.NoError(t, err)

	s, err := NewFirestoreStorage(ctx, "authfront-test", "", "flows_"+uuid.NewString(), encryptor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	live := &FlowRecord{ID: "live", Kind: "sign_in", Data: []byte(`{"a":1}`), ExpiresAt: time.Now().Add(time.Hour), UpdatedAt: time.Now()}
	stale := &FlowRecord{ID: "stale", Kind: "sign_in", Data: []byte(`{"a":2}`), ExpiresAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now()}
	require.NoError(t, s.SaveFlow(ctx, live))
	require.NoError(t, s.SaveFlow(ctx, stale))

	got, err := s.GetFlow(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, live.Data, got.Data)

	_, err = s.GetFlow(ctx, "stale")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	removed, err := s.CleanupExpiredFlows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, s.DeleteFlow(ctx, "live"))
	_, err = s.GetFlow(ctx, "live")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}
