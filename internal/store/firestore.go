package store

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore adapts a Cloud Firestore client to the Store interface.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to the given project. credentialsFile may be empty
// to use application default credentials.
func NewFirestore(ctx context.Context, projectID, credentialsFile string) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore connect: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Get implements Store.
func (f *Firestore) Get(ctx context.Context, collection, id string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

// Set implements Store.
func (f *Firestore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ref := f.client.Collection(collection).Doc(id)
	if merge {
		_, err := ref.Set(ctx, data, firestore.MergeAll)
		return err
	}
	_, err := ref.Set(ctx, data)
	return err
}

// Delete implements Store.
func (f *Firestore) Delete(ctx context.Context, collection, id string) error {
	_, err := f.client.Collection(collection).Doc(id).Delete(ctx)
	return err
}

// Query implements Store.
func (f *Firestore) Query(ctx context.Context, collection string, filters []Filter, orderBy *Order, limit int) ([]Document, error) {
	q := f.buildQuery(collection, filters)
	if orderBy != nil {
		dir := firestore.Asc
		if orderBy.Desc {
			dir = firestore.Desc
		}
		q = q.OrderBy(orderBy.Field, dir)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return readAll(q.Documents(ctx))
}

// Subscribe implements Store using Firestore snapshot listeners. The first
// snapshot carries the full current result set; subsequent server pushes
// each carry the full set again. A listener error is delivered once as
// Snapshot.Err and ends the stream.
func (f *Firestore) Subscribe(ctx context.Context, collection string, filters []Filter) (<-chan Snapshot, error) {
	q := f.buildQuery(collection, filters)
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		it := q.Snapshots(ctx)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				out <- Snapshot{Err: err}
				return
			}
			docs, err := readAll(qs.Documents)
			if err != nil {
				log.Printf("store: read snapshot of %s failed: %v", collection, err)
				out <- Snapshot{Err: err}
				continue
			}
			deliver(out, Snapshot{Docs: docs})
		}
	}()
	return out, nil
}

// BatchCommit implements Store. The batch is atomic; Firestore rejects
// batches above its own operation limit, so callers chunk first.
func (f *Firestore) BatchCommit(ctx context.Context, ops []Op) error {
	batch := f.client.Batch()
	for _, op := range ops {
		ref := f.client.Collection(op.Collection).Doc(op.ID)
		switch {
		case op.Delete:
			batch.Delete(ref)
		case op.Merge:
			batch.Set(ref, op.Data, firestore.MergeAll)
		default:
			batch.Set(ref, op.Data)
		}
	}
	_, err := batch.Commit(ctx)
	return err
}

func (f *Firestore) buildQuery(collection string, filters []Filter) firestore.Query {
	q := f.client.Collection(collection).Query
	for _, flt := range filters {
		q = q.Where(flt.Field, "==", flt.Value)
	}
	return q
}

func readAll(it *firestore.DocumentIterator) ([]Document, error) {
	var docs []Document
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
}

// deliver replaces a pending undelivered snapshot with the newer one.
func deliver(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
