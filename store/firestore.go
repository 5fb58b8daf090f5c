package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of OperationStore and
// SnapshotStore. Operations live in a top-level collection keyed by opId, so
// idempotent append is a Create that fails on AlreadyExists. Snapshots live
// on the per-document doc in the documents collection.
type FirestoreStore struct {
	client        *firestore.Client
	docCollection string
	opCollection  string
}

// NewFirestoreStore creates a new FirestoreStore using the given client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:        client,
		docCollection: "documents",
		opCollection:  "operations",
	}
}

func (s *FirestoreStore) docRef(docID string) *firestore.DocumentRef {
	return s.client.Collection(s.docCollection).Doc(docID)
}

func (s *FirestoreStore) opRef(opID string) *firestore.DocumentRef {
	return s.client.Collection(s.opCollection).Doc(opID)
}

func (s *FirestoreStore) Append(ctx context.Context, op Operation) (bool, error) {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.opRef(op.OpID).Create(ctx, map[string]interface{}{
		"docId":     op.DocID,
		"userId":    op.UserID,
		"update":    op.Update,
		"lamport":   op.Lamport,
		"createdAt": createdAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FirestoreStore) ListSince(ctx context.Context, docID string, after time.Time) ([]Operation, error) {
	q := s.client.Collection(s.opCollection).
		Where("docId", "==", docID).
		OrderBy("createdAt", firestore.Asc)
	if !after.IsZero() {
		q = q.Where("createdAt", ">=", after)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var ops []Operation
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		op, err := snapshotToOperation(snap)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func snapshotToOperation(snap *firestore.DocumentSnapshot) (Operation, error) {
	data := snap.Data()
	docID, ok := data["docId"].(string)
	if !ok {
		return Operation{}, fmt.Errorf("operation %s has no docId", snap.Ref.ID)
	}
	update, _ := data["update"].([]byte)
	userID, _ := data["userId"].(string)
	lamport, _ := data["lamport"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	return Operation{
		OpID:      snap.Ref.ID,
		DocID:     docID,
		UserID:    userID,
		Update:    update,
		Lamport:   lamport,
		CreatedAt: createdAt,
	}, nil
}

func (s *FirestoreStore) PruneOlderThan(ctx context.Context, docID string, cutoff time.Time) error {
	iter := s.client.Collection(s.opCollection).
		Where("docId", "==", docID).
		Where("createdAt", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return err
		}
	}
}

func (s *FirestoreStore) SaveSnapshot(ctx context.Context, docID string, data []byte, version int64) error {
	ref := s.docRef(docID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			if prev, _ := snap.Data()["version"].(int64); version <= prev {
				return fmt.Errorf("snapshot version %d for %q is not greater than %d", version, docID, prev)
			}
		}
		return tx.Set(ref, map[string]interface{}{
			"latestSnapshot":  data,
			"version":         version,
			"snapshotTakenAt": time.Now(),
			"updatedAt":       time.Now(),
		}, firestore.MergeAll)
	})
}

func (s *FirestoreStore) LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	snap, err := s.docRef(docID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data := snap.Data()
	blob, ok := data["latestSnapshot"].([]byte)
	if !ok || blob == nil {
		// Document metadata exists but no snapshot has been taken yet.
		return nil, nil
	}
	version, _ := data["version"].(int64)
	takenAt, _ := data["snapshotTakenAt"].(time.Time)
	return &Snapshot{
		DocID:   docID,
		Data:    blob,
		Version: version,
		TakenAt: takenAt,
	}, nil
}
