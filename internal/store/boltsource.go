// Package store persists clips and their frame payloads in BoltDB,
// serving as a FrameFetcher for locally archived studies.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/violetmx/cineloop/internal/domain"
)

// Bucket names
var (
	bucketClips  = []byte("clips")
	bucketFrames = []byte("frames")
)

// clipRecord wraps Clip for JSON serialization.
type clipRecord struct {
	ID          string `json:"id"`
	TotalFrames int    `json:"totalFrames"`
}

// Archive is a BoltDB-backed frame archive. It implements
// domain.FrameFetcher; pair it with a renderer-side decoder to form a
// full FrameSource.
type Archive struct {
	db *bolt.DB
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClips, bucketFrames} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// PutClip stores or replaces a clip's metadata.
func (a *Archive) PutClip(clip domain.Clip) error {
	data, err := json.Marshal(clipRecord{ID: string(clip.ID), TotalFrames: clip.TotalFrames})
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClips).Put([]byte(clip.ID), data)
	})
}

// Clip returns the stored metadata for one clip.
func (a *Archive) Clip(id domain.ClipID) (domain.Clip, error) {
	var data []byte
	a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketClips).Get([]byte(id)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if data == nil {
		return domain.Clip{}, fmt.Errorf("%w: %s", domain.ErrClipNotFound, id)
	}

	var rec clipRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Clip{}, fmt.Errorf("corrupt clip record %s: %w", id, err)
	}
	return domain.Clip{ID: domain.ClipID(rec.ID), TotalFrames: rec.TotalFrames}, nil
}

// Clips lists every stored clip, in key order.
func (a *Archive) Clips() ([]domain.Clip, error) {
	var out []domain.Clip
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClips).ForEach(func(k, v []byte) error {
			var rec clipRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt clip record %s: %w", k, err)
			}
			out = append(out, domain.Clip{ID: domain.ClipID(rec.ID), TotalFrames: rec.TotalFrames})
			return nil
		})
	})
	return out, err
}

// frameSubKey locates one frame within its clip's bucket.
func frameSubKey(key domain.FrameKey) []byte {
	return []byte(fmt.Sprintf("%d@%s", key.Index, key.Resolution))
}

// PutFrame stores one frame's payload bytes. Frames live in a nested
// bucket per clip, so clip ids need no escaping in the key space.
func (a *Archive) PutFrame(key domain.FrameKey, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketFrames).CreateBucketIfNotExists([]byte(key.Clip))
		if err != nil {
			return err
		}
		return b.Put(frameSubKey(key), data)
	})
}

// DeleteClip removes a clip's metadata and every stored frame, at all
// resolutions. Other clips are never touched, whatever their ids.
func (a *Archive) DeleteClip(id domain.ClipID) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketClips).Delete([]byte(id)); err != nil {
			return err
		}
		err := tx.Bucket(bucketFrames).DeleteBucket([]byte(id))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

// FetchBatch reads the requested frames in one transaction. A missing
// frame is reported per-payload as ErrFrameUnavailable; only a storage
// failure fails the whole batch. Bytes are copied out of the transaction.
func (a *Archive) FetchBatch(ctx context.Context, clip domain.ClipID, indices []int, resolution domain.Resolution) (map[int]domain.FramePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[int]domain.FramePayload, len(indices))
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFrames).Bucket([]byte(clip))
		for _, idx := range indices {
			key := domain.FrameKey{Clip: clip, Index: idx, Resolution: resolution}
			var v []byte
			if b != nil {
				v = b.Get(frameSubKey(key))
			}
			if v == nil {
				out[idx] = domain.FramePayload{
					Err: fmt.Errorf("%w: %s", domain.ErrFrameUnavailable, key),
				}
				continue
			}
			data := make([]byte, len(v))
			copy(data, v)
			out[idx] = domain.FramePayload{Bytes: data}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
