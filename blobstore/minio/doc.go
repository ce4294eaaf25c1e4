// Package minio stores sorted tables and manifests in MinIO or any other
// S3-compatible object store, using the MinIO client.
//
// # Basic Usage
//
//	store, err := minio.Dial(minio.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "cache",
//	    Prefix:    "node-1/",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	db, err := ttlstore.Open(ctx, dir, ttlstore.WithBlobStore(store))
//
// Object keys are the blob names below Prefix. Put overwrites objects in
// place, relying on the read-after-write consistency S3-compatible stores
// provide for single-object PUTs.
package minio
