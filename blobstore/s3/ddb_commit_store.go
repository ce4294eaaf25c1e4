package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/ttlstore/blobstore"
)

// CurrentName is the blob that names the live manifest.
const CurrentName = "CURRENT"

// Attribute names of the commit table.
const (
	attrStore    = "base_uri"
	attrVersion  = "version"
	attrManifest = "manifest_path"
)

// ErrConcurrentModification is returned when another writer committed the
// same manifest version first.
var ErrConcurrentModification = errors.New("s3: concurrent manifest commit")

// DDBClient is the subset of the DynamoDB API used for commits.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// DDBCommitStore keeps the CURRENT pointer of a manifest store in a
// DynamoDB table and passes every other blob through to the wrapped store.
//
// S3 has no atomic compare-and-swap, so two engines opened on the same
// prefix could both replace CURRENT. Here every commit inserts version N+1
// under a condition that the item does not exist yet; of two writers that
// saw version N exactly one wins.
//
// The table is keyed by base_uri (string, partition) and version (number,
// sort):
//
//	aws dynamodb create-table \
//	  --table-name ttlstore-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	blobstore.BlobStore
	ddb     DDBClient
	table   string
	baseURI string
}

// NewDDBCommitStore wraps inner. baseURI, usually "s3://bucket/prefix", is
// the partition key, so several stores can share one table.
func NewDDBCommitStore(inner blobstore.BlobStore, ddb DDBClient, table, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{BlobStore: inner, ddb: ddb, table: table, baseURI: baseURI}
}

// commit is one row of the commit table.
type commit struct {
	version  uint64
	manifest string
}

func (c commit) item(baseURI string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrStore:    &types.AttributeValueMemberS{Value: baseURI},
		attrVersion:  &types.AttributeValueMemberN{Value: strconv.FormatUint(c.version, 10)},
		attrManifest: &types.AttributeValueMemberS{Value: c.manifest},
	}
}

func parseCommit(item map[string]types.AttributeValue) (commit, error) {
	v, ok := item[attrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return commit{}, fmt.Errorf("s3: commit item lacks numeric %s", attrVersion)
	}
	m, ok := item[attrManifest].(*types.AttributeValueMemberS)
	if !ok {
		return commit{}, fmt.Errorf("s3: commit item lacks %s", attrManifest)
	}
	n, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return commit{}, fmt.Errorf("s3: commit version: %w", err)
	}
	return commit{version: n, manifest: m.Value}, nil
}

// Open serves CURRENT from the latest commit.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentName {
		return s.BlobStore.Open(ctx, name)
	}
	c, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	if c.version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.BytesBlob([]byte(c.manifest)), nil
}

// Put commits CURRENT as the next version. Other blobs go to the wrapped
// store.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != CurrentName {
		return s.BlobStore.Put(ctx, name, data)
	}
	prev, err := s.latest(ctx)
	if err != nil {
		return err
	}
	next := commit{version: prev.version + 1, manifest: string(data)}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                next.item(s.baseURI),
		ConditionExpression: aws.String("attribute_not_exists(" + attrVersion + ")"),
	})
	var conflict *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &conflict):
		return ErrConcurrentModification
	case err != nil:
		return fmt.Errorf("s3: commit version %d: %w", next.version, err)
	}
	return nil
}

// Version returns the latest committed version, 0 before the first commit.
func (s *DDBCommitStore) Version(ctx context.Context) (uint64, error) {
	c, err := s.latest(ctx)
	return c.version, err
}

func (s *DDBCommitStore) latest(ctx context.Context) (commit, error) {
	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String(attrStore + " = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return commit{}, fmt.Errorf("s3: query commits: %w", err)
	}
	if len(out.Items) == 0 {
		return commit{}, nil
	}
	return parseCommit(out.Items[0])
}
