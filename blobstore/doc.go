// Package blobstore abstracts where the storage engine keeps its immutable
// files: sorted tables and manifest versions.
//
// Implementations must be safe for concurrent use. Blobs are written once
// and never modified; Put replaces a blob atomically so readers observe
// either the old or the new content.
//
// # Built-in Implementations
//
//   - LocalStore: local directory, memory-mapped reads
//   - MemoryStore: in-process map, for tests and ephemeral stores
//   - CachingStore: block cache in front of any other store
//   - minio.Store: MinIO or any S3-compatible endpoint
//   - s3.Store: Amazon S3 with ranged reads and multipart uploads
package blobstore
