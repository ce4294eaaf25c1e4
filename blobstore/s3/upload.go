package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/ttlstore/internal/hash"
)

// UploadConfig tunes table uploads.
type UploadConfig struct {
	// PartSize is the multipart part size. Default 8MiB.
	PartSize int64
	// Concurrency is the number of parts uploaded in parallel. Default 5.
	Concurrency int
	// EnableChecksum asks S3 to verify a CRC32C of every object.
	EnableChecksum bool
	// LeavePartsOnError keeps the parts of a failed multipart upload
	// instead of aborting it.
	LeavePartsOnError bool
}

// DefaultUploadConfig returns 8MiB parts, five in flight, with checksums.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		PartSize:       8 << 20,
		Concurrency:    5,
		EnableChecksum: true,
	}
}

func (c UploadConfig) uploader(client manager.UploadAPIClient) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		if c.PartSize > 0 {
			u.PartSize = c.PartSize
		}
		if c.Concurrency > 0 {
			u.Concurrency = c.Concurrency
		}
		u.LeavePartsOnError = c.LeavePartsOnError
	})
}

// computeCRC32C returns the checksum in the base64 big-endian form S3
// expects in x-amz-checksum-crc32c.
func computeCRC32C(data []byte) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], hash.CRC32C(data))
	return base64.StdEncoding.EncodeToString(b[:])
}

var errUploadAborted = errors.New("s3: upload aborted")

// uploadWriter streams writes through a pipe into a background Upload. The
// object exists only after Close returns nil.
type uploadWriter struct {
	pw     *io.PipeWriter
	result chan error

	once sync.Once
	err  error
}

func startUpload(ctx context.Context, u *manager.Uploader, in *s3.PutObjectInput) *uploadWriter {
	pr, pw := io.Pipe()
	in.Body = pr
	w := &uploadWriter{pw: pw, result: make(chan error, 1)}
	go func() {
		_, err := u.Upload(ctx, in)
		pr.CloseWithError(err)
		w.result <- err
	}()
	return w
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Sync is a no-op; the object is committed by Close.
func (w *uploadWriter) Sync() error { return nil }

// Close ends the stream and waits for the upload to complete.
func (w *uploadWriter) Close() error {
	w.once.Do(func() {
		w.pw.Close()
		w.err = <-w.result
	})
	return w.err
}

// Abort fails the stream so the uploader gives up. Unless
// LeavePartsOnError is set it also aborts the multipart upload.
func (w *uploadWriter) Abort() error {
	w.once.Do(func() {
		w.pw.CloseWithError(errUploadAborted)
		<-w.result
		w.err = errUploadAborted
	})
	return nil
}

func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if s.upload.EnableChecksum {
		in.ChecksumCRC32C = aws.String(computeCRC32C(data))
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}

func (s *Store) createObject(ctx context.Context, key string) *uploadWriter {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if s.upload.EnableChecksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	return startUpload(ctx, s.uploader, in)
}
