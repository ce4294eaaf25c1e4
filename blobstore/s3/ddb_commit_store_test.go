package s3

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDDB models a commit table: one ordered list of commits per store.
type fakeDDB struct {
	mu      sync.Mutex
	commits map[string][]commit
	puts    int
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{commits: make(map[string][]commit)}
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++

	uri := in.Item[attrStore].(*types.AttributeValueMemberS).Value
	c, err := parseCommit(in.Item)
	if err != nil {
		return nil, err
	}
	if aws.ToString(in.ConditionExpression) != "attribute_not_exists(version)" {
		return nil, errors.New("unexpected condition")
	}
	if slices.ContainsFunc(f.commits[uri], func(o commit) bool { return o.version == c.version }) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	f.commits[uri] = append(f.commits[uri], c)
	slices.SortFunc(f.commits[uri], func(a, b commit) int { return int(a.version) - int(b.version) })
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uri := in.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value
	commits := f.commits[uri]
	if len(commits) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	// Descending with Limit 1 is all the store asks for.
	return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{commits[len(commits)-1].item(uri)}}, nil
}

func readCurrent(t *testing.T, store blobstore.BlobStore) string {
	t.Helper()
	data, err := blobstore.ReadAll(context.Background(), store, CurrentName)
	require.NoError(t, err)
	return string(data)
}

func TestCommitStoreVersions(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(blobstore.NewMemoryStore(), newFakeDDB(), "commits", "s3://bucket/cache")

	_, err := store.Open(ctx, CurrentName)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	v, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, CurrentName, []byte(fmt.Sprintf("MANIFEST-%06d", i))))
	}
	assert.Equal(t, "MANIFEST-000012", readCurrent(t, store))
	v, err = store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), v)
}

func TestCommitStoreConflict(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	store := NewDDBCommitStore(blobstore.NewMemoryStore(), ddb, "commits", "s3://bucket/cache")
	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000001")))

	// A competing writer that read version 1 before us commits version 2.
	rival := commit{version: 2, manifest: "MANIFEST-000099"}
	_, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		Item:                rival.item("s3://bucket/cache"),
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	require.NoError(t, err)

	// Our write now targets version 3 and succeeds; CURRENT follows it.
	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000002")))
	assert.Equal(t, "MANIFEST-000002", readCurrent(t, store))
}

func TestCommitStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(blobstore.NewMemoryStore(), newFakeDDB(), "commits", "s3://bucket/cache")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Put(ctx, CurrentName, []byte(fmt.Sprintf("MANIFEST-%06d", i)))
			if err != nil && !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	v, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(successes), v, "every successful commit claims its own version")
}

func TestCommitStoreNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	a := NewDDBCommitStore(blobstore.NewMemoryStore(), ddb, "commits", "s3://a/cache")
	b := NewDDBCommitStore(blobstore.NewMemoryStore(), ddb, "commits", "s3://b/cache")

	require.NoError(t, a.Put(ctx, CurrentName, []byte("MANIFEST-A")))
	require.NoError(t, b.Put(ctx, CurrentName, []byte("MANIFEST-B")))
	assert.Equal(t, "MANIFEST-A", readCurrent(t, a))
	assert.Equal(t, "MANIFEST-B", readCurrent(t, b))
}

func TestCommitStorePassThrough(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	store := NewDDBCommitStore(blobstore.NewMemoryStore(), ddb, "commits", "s3://bucket/cache")

	require.NoError(t, store.Put(ctx, "MANIFEST-000001", []byte("manifest")))
	got, err := blobstore.ReadAll(ctx, store, "MANIFEST-000001")
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(got))
	assert.Zero(t, ddb.puts)

	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000001")))
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"MANIFEST-000001"}, names, "CURRENT lives in DynamoDB only")
}

func TestParseCommitRejectsMalformedItems(t *testing.T) {
	_, err := parseCommit(map[string]types.AttributeValue{
		attrVersion: &types.AttributeValueMemberS{Value: "1"},
	})
	assert.Error(t, err)

	_, err = parseCommit(map[string]types.AttributeValue{
		attrVersion:  &types.AttributeValueMemberN{Value: "x"},
		attrManifest: &types.AttributeValueMemberS{Value: "MANIFEST-000001"},
	})
	assert.Error(t, err)
}
