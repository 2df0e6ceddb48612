package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bleepstore/bleepupload/internal/config"
)

// FirestoreStore keeps one document per session, named by upload id.
// Conditional updates run in a transaction.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type firestoreSession struct {
	UploadID  string            `firestore:"upload_id"`
	ObjectKey string            `firestore:"object_key"`
	Metadata  map[string]string `firestore:"metadata,omitempty"`
	Length    int64             `firestore:"length"`
	Offset    int64             `firestore:"upload_offset"`
	State     string            `firestore:"state"`
	Failure   string            `firestore:"failure"`
	CreatedAt time.Time         `firestore:"created_at"`
	UpdatedAt time.Time         `firestore:"updated_at"`
	ExpiresAt time.Time         `firestore:"expires_at"`
}

func toFirestore(rec *SessionRecord) firestoreSession {
	return firestoreSession{
		UploadID:  rec.UploadID,
		ObjectKey: rec.ObjectKey,
		Metadata:  rec.Metadata,
		Length:    rec.Length,
		Offset:    rec.Offset,
		State:     string(rec.State),
		Failure:   rec.Failure,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

func (d firestoreSession) record() *SessionRecord {
	return &SessionRecord{
		UploadID:  d.UploadID,
		ObjectKey: d.ObjectKey,
		Metadata:  d.Metadata,
		Length:    d.Length,
		Offset:    d.Offset,
		State:     SessionState(d.State),
		Failure:   d.Failure,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleepupload-sessions"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreStore) doc(uploadID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(uploadID)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.collection).Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.doc(rec.UploadID).Create(ctx, toFirestore(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	snap, err := s.doc(uploadID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	var d firestoreSession
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return d.record(), nil
}

func (s *FirestoreStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
	ref := s.doc(rec.UploadID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrSessionNotFound
			}
			return err
		}
		var cur firestoreSession
		if err := snap.DataTo(&cur); err != nil {
			return err
		}
		if cur.Offset != expectedOffset {
			return ErrOffsetMismatch
		}
		return tx.Set(ref, toFirestore(rec))
	})
	if err != nil {
		return fmt.Errorf("updating session %s: %w", rec.UploadID, err)
	}
	return nil
}

func (s *FirestoreStore) DeleteSession(ctx context.Context, uploadID string) error {
	if _, err := s.doc(uploadID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	q := s.client.Collection(s.collection).Query
	if opts.State != "" {
		q = q.Where("state", "==", string(opts.State))
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []SessionRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		var d firestoreSession
		if err := snap.DataTo(&d); err != nil {
			continue
		}
		rec := d.record()
		if opts.match(rec) {
			out = append(out, *rec)
		}
	}
	return opts.finish(out), nil
}

var _ SessionStore = (*FirestoreStore)(nil)
