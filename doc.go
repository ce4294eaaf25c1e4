// Package ttlstore is an embedded cache of values addressed by path, with
// optional per-entry expiration, stored in a log-structured merge tree.
//
// # Quick Start
//
//	ctx := context.Background()
//	st, err := ttlstore.Open(ctx, "./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer st.Close()
//
//	ttl := time.Minute
//	_ = st.Set(ctx, "users:alice", &ttl, []byte("v1"))
//	row, err := st.Get(ctx, "users:alice")
//	rows, err := st.Keys(ctx, "users")
//
// # Paths
//
// A path is "<prefix>:<key>" or a bare "<key>". It is split on the last
// colon, so "a:b:c" has prefix "a:b" and key "c". Keys lists every entry
// of one prefix.
//
// # Expiration
//
// An entry expires at the time it was set plus its ttl; reading it does
// not extend it. Expiration is enforced twice:
//
//   - every read hides expired entries, immediately
//   - compaction drops expired entries from disk, using one cutoff per run
//
// Compaction runs in the background. Compact forces a full compaction and
// DeleteExpired removes expired entries explicitly.
//
// # Storage
//
// The write-ahead log lives in the data directory. Sorted tables and
// manifests go there too unless WithBlobStore or WithRemoteStore names a
// blobstore.BlobStore such as S3 or MinIO:
//
//	client, _ := s3.NewClient(ctx, "eu-central-1")
//	remote := s3.NewStore(client, "my-bucket", "cache/")
//	st, _ := ttlstore.Open(ctx, "./wal", ttlstore.WithRemoteStore(remote, 256<<20))
package ttlstore
