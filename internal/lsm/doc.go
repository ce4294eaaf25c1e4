// Package lsm implements the log-structured merge-tree key-value store the
// record tables are built on.
//
// # Architecture
//
// Writes are grouped into batches, appended to a write-ahead log and then
// applied to an in-memory skiplist (memtable). Full memtables are frozen and
// flushed to immutable sorted tables in level 0. Background compaction
// merges tables into deeper levels, dropping shadowed versions and
// tombstones and consulting a per-column-family CompactionFilter that can
// turn live entries into deletions.
//
// Column families are independent key spaces with their own tables and
// filter. They share the write-ahead log, the manifest and the sequence
// counter, so a batch spanning several column families is atomic.
//
// # Storage
//
// Sorted tables and manifest versions are written through a
// blobstore.BlobStore, so the tree can live on local disk, in memory or in
// an object store. The write-ahead log always lives in a local directory.
//
// # Reads
//
// Readers see a consistent view: an Iterator or Get pins the sequence
// number at which it started together with the memtables and tables that
// were live at that point. Tables replaced by compaction are deleted only
// after the last reader that references them is gone.
package lsm
