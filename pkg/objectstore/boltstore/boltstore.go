// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package boltstore is a boltdb-backed implementation of the
// pkg/objectstore contract, used by pgd's tests and by `pgd serve` when no
// production object store is configured. It is a reference implementation,
// not the production store (spec §1 explicitly leaves the production
// object store out of scope); it exists because pkg/objectstore's
// transactional, crash-atomic contract needs *some* concrete backing to be
// testable end to end.
//
// Layout: one bolt bucket per collection (keyed by the PG id's string
// form), with nested buckets "data", "xattr", "omap", and "meta" for the
// per-collection metadata keys of spec §6.
package boltstore

import (
	"context"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
)

// Error is the error class for boltstore failures.
var Error = errs.Class("pgd/objectstore/boltstore")

// ErrNotFound is returned by Stat/Read/GetXattr/OmapGet/MetaGet when the
// requested key does not exist.
var ErrNotFound = Error.New("not found")

const (
	bucketData  = "data"
	bucketXattr = "xattr"
	bucketOmap  = "omap"
	bucketMeta  = "meta"
)

// Store implements objectstore.Store on top of a single *bolt.DB.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a boltdb file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return Error.Wrap(s.db.Close())
}

func collBucketName(coll objectstore.CollectionKey) []byte {
	return []byte(coll.PG.String())
}

func objKey(id objectid.ID) []byte {
	return []byte(fmt.Sprintf("%08x/%s/%s/%d", id.Hash, id.Namespace, id.Name, id.Snapshot))
}

func ensureSubBuckets(tx *bolt.Tx, coll objectstore.CollectionKey) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(collBucketName(coll))
	if err != nil {
		return nil, err
	}
	for _, name := range []string{bucketData, bucketXattr, bucketOmap, bucketMeta} {
		if _, err := root.CreateBucketIfNotExists([]byte(name)); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Commit applies tx atomically, satisfying the object-store contract's
// all-or-nothing guarantee via a single bolt.Update transaction.
func (s *Store) Commit(ctx context.Context, coll objectstore.CollectionKey, txn objectstore.Transaction) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		root, err := ensureSubBuckets(tx, coll)
		if err != nil {
			return err
		}
		data := root.Bucket([]byte(bucketData))
		xattr := root.Bucket([]byte(bucketXattr))
		omap := root.Bucket([]byte(bucketOmap))

		key := objKey(txn.Object)
		for _, op := range txn.Ops {
			switch op.Kind {
			case objectstore.TxCreate:
				if data.Get(key) == nil {
					if err := data.Put(key, []byte{}); err != nil {
						return err
					}
				}
			case objectstore.TxRemove:
				if err := data.Delete(key); err != nil {
					return err
				}
			case objectstore.TxWrite:
				cur := data.Get(key)
				next := writeAt(cur, op.Offset, op.Data)
				if err := data.Put(key, next); err != nil {
					return err
				}
			case objectstore.TxTruncate:
				cur := data.Get(key)
				if int64(len(cur)) > op.Offset {
					if err := data.Put(key, cur[:op.Offset]); err != nil {
						return err
					}
				}
			case objectstore.TxZeroRange:
				cur := data.Get(key)
				zero := make([]byte, len(op.Data))
				next := writeAt(cur, op.Offset, zero)
				if err := data.Put(key, next); err != nil {
					return err
				}
			case objectstore.TxCloneRange:
				srcKey := objKey(op.CloneSrc)
				src := data.Get(srcKey)
				if err := data.Put(key, append([]byte(nil), src...)); err != nil {
					return err
				}
			case objectstore.TxSetXattr:
				xk := append(append([]byte{}, key...), []byte(":"+op.Key)...)
				if err := xattr.Put(xk, op.Data); err != nil {
					return err
				}
			case objectstore.TxOmapSet:
				for k, v := range op.Omap {
					ok := append(append([]byte{}, key...), []byte(":"+k)...)
					if err := omap.Put(ok, v); err != nil {
						return err
					}
				}
			case objectstore.TxOmapRemove:
				ok := append(append([]byte{}, key...), []byte(":"+op.Key)...)
				if err := omap.Delete(ok); err != nil {
					return err
				}
			case objectstore.TxOmapRangeRemove:
				c := omap.Cursor()
				prefix := append(append([]byte{}, key...), []byte(":")...)
				for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
					if err := omap.Delete(k); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}))
}

func writeAt(cur []byte, offset int64, data []byte) []byte {
	end := offset + int64(len(data))
	if int64(len(cur)) < end {
		grown := make([]byte, end)
		copy(grown, cur)
		cur = grown
	} else {
		cur = append([]byte(nil), cur...)
	}
	copy(cur[offset:end], data)
	return cur
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Stat returns the object's size. boltstore does not track mtime
// separately from the caller-supplied log entry, so Mtime is always zero;
// callers that need mtime read it from the PG log instead.
func (s *Store) Stat(ctx context.Context, coll objectstore.CollectionKey, id objectid.ID) (objectstore.Stat, error) {
	var out objectstore.Stat
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return ErrNotFound
		}
		data := root.Bucket([]byte(bucketData))
		v := data.Get(objKey(id))
		if v == nil {
			return ErrNotFound
		}
		out.Size = int64(len(v))
		return nil
	})
	return out, Error.Wrap(err)
}

// Read returns up to length bytes starting at offset.
func (s *Store) Read(ctx context.Context, coll objectstore.CollectionKey, id objectid.ID, offset, length int64) (objectstore.ReadRange, error) {
	var out objectstore.ReadRange
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return ErrNotFound
		}
		data := root.Bucket([]byte(bucketData))
		v := data.Get(objKey(id))
		if v == nil {
			return ErrNotFound
		}
		end := offset + length
		if end > int64(len(v)) {
			end = int64(len(v))
		}
		if offset > int64(len(v)) {
			offset = int64(len(v))
		}
		out.Offset = offset
		out.Data = append([]byte(nil), v[offset:end]...)
		return nil
	})
	return out, Error.Wrap(err)
}

// GetXattr returns one extended attribute value.
func (s *Store) GetXattr(ctx context.Context, coll objectstore.CollectionKey, id objectid.ID, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return ErrNotFound
		}
		xattr := root.Bucket([]byte(bucketXattr))
		xk := append(append([]byte{}, objKey(id)...), []byte(":"+key)...)
		v := xattr.Get(xk)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, Error.Wrap(err)
}

// OmapGet returns one omap value.
func (s *Store) OmapGet(ctx context.Context, coll objectstore.CollectionKey, id objectid.ID, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return ErrNotFound
		}
		omap := root.Bucket([]byte(bucketOmap))
		ok := append(append([]byte{}, objKey(id)...), []byte(":"+key)...)
		v := omap.Get(ok)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, Error.Wrap(err)
}

// OmapIterate calls fn for every key/value pair belonging to id.
func (s *Store) OmapIterate(ctx context.Context, coll objectstore.CollectionKey, id objectid.ID, fn func(key string, value []byte) bool) error {
	return Error.Wrap(s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return nil
		}
		omap := root.Bucket([]byte(bucketOmap))
		prefix := append(append([]byte{}, objKey(id)...), []byte(":")...)
		c := omap.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			subKey := string(k[len(prefix):])
			if !fn(subKey, v) {
				break
			}
		}
		return nil
	}))
}

// MetaSet writes a per-collection metadata key (info, biginfo, epoch,
// log/<version>, dup/<request-id>, missing/<object-id>).
func (s *Store) MetaSet(ctx context.Context, coll objectstore.CollectionKey, key string, value []byte) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		root, err := ensureSubBuckets(tx, coll)
		if err != nil {
			return err
		}
		return root.Bucket([]byte(bucketMeta)).Put([]byte(key), value)
	}))
}

// MetaGet reads a per-collection metadata key.
func (s *Store) MetaGet(ctx context.Context, coll objectstore.CollectionKey, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return ErrNotFound
		}
		v := root.Bucket([]byte(bucketMeta)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, Error.Wrap(err)
}

// MetaDelete removes a per-collection metadata key.
func (s *Store) MetaDelete(ctx context.Context, coll objectstore.CollectionKey, key string) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return nil
		}
		return root.Bucket([]byte(bucketMeta)).Delete([]byte(key))
	}))
}

// MetaIteratePrefix calls fn for every metadata key with the given prefix.
func (s *Store) MetaIteratePrefix(ctx context.Context, coll objectstore.CollectionKey, prefix string, fn func(key string, value []byte) bool) error {
	return Error.Wrap(s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return nil
		}
		meta := root.Bucket([]byte(bucketMeta))
		c := meta.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if !fn(string(k), v) {
				break
			}
		}
		return nil
	}))
}

// Remove deletes an object's data, xattrs, and omap entries.
func (s *Store) Remove(ctx context.Context, coll objectstore.CollectionKey, id objectid.ID) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(collBucketName(coll))
		if root == nil {
			return nil
		}
		key := objKey(id)
		if err := root.Bucket([]byte(bucketData)).Delete(key); err != nil {
			return err
		}
		xattr := root.Bucket([]byte(bucketXattr))
		prefix := append(append([]byte{}, key...), []byte(":")...)
		c := xattr.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := xattr.Delete(k); err != nil {
				return err
			}
		}
		omap := root.Bucket([]byte(bucketOmap))
		c = omap.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := omap.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}))
}

// RemoveCollection deletes an entire PG's collection.
func (s *Store) RemoveCollection(ctx context.Context, coll objectstore.CollectionKey) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket(collBucketName(coll))
	}))
}

var _ objectstore.Store = (*Store)(nil)
