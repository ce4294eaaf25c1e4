// Package cache holds the byte-budgeted caches shared by the engine and
// the remote blob layer.
package cache

import "context"

// Kind separates key spaces sharing one cache.
type Kind uint8

const (
	// KindBlock is a decompressed data block of a sorted table.
	KindBlock Kind = iota + 1
	// KindPage is a fixed-size page of a remote blob.
	KindPage
)

// Key identifies an immutable byte range. Sorted tables and blobs are
// never rewritten in place, so a key stays valid until its source is
// deleted.
type Key struct {
	Kind    Kind
	FileNum uint64
	Offset  uint64
	Name    string
}

// BlockKey returns the key of the block at offset in table fileNum.
func BlockKey(fileNum, offset uint64) Key {
	return Key{Kind: KindBlock, FileNum: fileNum, Offset: offset}
}

// PageKey returns the key of page n of the blob called name.
func PageKey(name string, n int64) Key {
	return Key{Kind: KindPage, Name: name, Offset: uint64(n)}
}

// BlockCache caches immutable byte slices. Returned slices are shared and
// must not be modified.
type BlockCache interface {
	Get(ctx context.Context, key Key) ([]byte, bool)
	// Set caches b; the caller must not modify b afterwards.
	Set(ctx context.Context, key Key, b []byte)
	// Invalidate removes the entries matching pred and returns how many.
	Invalidate(pred func(Key) bool) int
	Close() error
	Stats() (hits, misses int64)
}

// InvalidateFile drops the cached blocks of a deleted table. c may be nil.
func InvalidateFile(c BlockCache, fileNum uint64) {
	if c == nil {
		return
	}
	c.Invalidate(func(k Key) bool {
		return k.Kind == KindBlock && k.FileNum == fileNum
	})
}

// InvalidateBlob drops the cached pages of a rewritten or deleted blob.
// c may be nil.
func InvalidateBlob(c BlockCache, name string) {
	if c == nil {
		return
	}
	c.Invalidate(func(k Key) bool {
		return k.Kind == KindPage && k.Name == name
	})
}
