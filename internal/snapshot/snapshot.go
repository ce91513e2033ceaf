// Package snapshot archives the set of active leases to a blob store.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/juno-intents/lease-manager/internal/blobstore"
	"github.com/juno-intents/lease-manager/internal/leaseapi"
)

const (
	Version   = "lease.snapshot.v1"
	KeyPrefix = "snapshots/"
	LatestKey = KeyPrefix + "latest.json"

	contentType = "application/json"
)

var ErrInvalidConfig = errors.New("snapshot: invalid config")

type Source interface {
	ListActive(ctx context.Context) ([]leaseapi.LockInfo, error)
}

type Document struct {
	Version string              `json:"version"`
	TakenAt time.Time           `json:"taken_at"`
	Count   int                 `json:"count"`
	Locks   []leaseapi.LockInfo `json:"locks"`
}

type Writer struct {
	src   Source
	store blobstore.Store
	now   func() time.Time
}

func NewWriter(src Source, store blobstore.Store, now func() time.Time) (*Writer, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Writer{src: src, store: store, now: now}, nil
}

// Take writes the document under a timestamped key and then overwrites
// latest.json. It returns the timestamped key.
func (w *Writer) Take(ctx context.Context) (string, Document, error) {
	locks, err := w.src.ListActive(ctx)
	if err != nil {
		return "", Document{}, fmt.Errorf("snapshot: list active: %w", err)
	}
	if locks == nil {
		locks = []leaseapi.LockInfo{}
	}
	doc := Document{
		Version: Version,
		TakenAt: w.now().UTC(),
		Count:   len(locks),
		Locks:   locks,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", Document{}, fmt.Errorf("snapshot: marshal: %w", err)
	}

	key := Key(doc.TakenAt)
	if err := w.store.Put(ctx, key, b, contentType); err != nil {
		return "", Document{}, fmt.Errorf("snapshot: write %s: %w", key, err)
	}
	if err := w.store.Put(ctx, LatestKey, b, contentType); err != nil {
		return "", Document{}, fmt.Errorf("snapshot: write %s: %w", LatestKey, err)
	}
	return key, doc, nil
}

func Key(at time.Time) string {
	return KeyPrefix + strconv.FormatInt(at.Unix(), 10) + ".json"
}

// History lists the timestamped snapshot keys, oldest first.
func History(ctx context.Context, store blobstore.Store) ([]string, error) {
	keys, err := store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	out := keys[:0]
	for _, k := range keys {
		if k != LatestKey {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func Latest(ctx context.Context, store blobstore.Store) (Document, error) {
	obj, err := store.Get(ctx, LatestKey)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(obj.Data, &doc); err != nil {
		return Document{}, fmt.Errorf("snapshot: decode %s: %w", LatestKey, err)
	}
	if doc.Version != Version {
		return Document{}, fmt.Errorf("snapshot: unsupported version %q", doc.Version)
	}
	return doc, nil
}
