// Package s3 stores sorted tables and manifests in Amazon S3.
//
// Store uses ranged GETs for block reads and the SDK's multipart uploader
// for sorted tables. S3 offers no compare-and-swap, so two processes
// sharing a prefix can race on CURRENT; DDBCommitStore closes that gap by
// committing manifest versions through a DynamoDB conditional write.
package s3
