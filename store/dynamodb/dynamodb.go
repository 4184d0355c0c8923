// Package dynamodb implements store.Store on a single DynamoDB table.
//
// Item layout (partition key "pk", sort key "sk"):
//
//	counter#raw / counter#rec  atomic id counters (attribute "value")
//	raw#<id>                   raw vectors
//	rec#<id>                   projection records; live rows carry gsi_pk/gsi_sk
//	key#<source>#<config>      natural-key lock holding the live record id
//
// PutProjection writes the record and its natural-key lock in one
// TransactWriteItems call conditioned on the lock not existing, so at most
// one live record exists per key even across processes. Listing uses the
// sparse global secondary index "config-index" (gsi_pk = "cfg#<config>",
// gsi_sk = id), which only live records populate.
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name vecproj \
//	  --attribute-definitions AttributeName=pk,AttributeType=S AttributeName=sk,AttributeType=S \
//	    AttributeName=gsi_pk,AttributeType=S AttributeName=gsi_sk,AttributeType=N \
//	  --key-schema AttributeName=pk,KeyType=HASH AttributeName=sk,KeyType=RANGE \
//	  --global-secondary-indexes 'IndexName=config-index,KeySchema=[{AttributeName=gsi_pk,KeyType=HASH},{AttributeName=gsi_sk,KeyType=RANGE}],Projection={ProjectionType=ALL}' \
//	  --billing-mode PAY_PER_REQUEST
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/store"
)

const (
	backend = "dynamodb"

	// ConfigIndex is the name of the sparse listing index.
	ConfigIndex = "config-index"

	condKeyAbsent    = "attribute_not_exists(pk)"
	condLiveRecord   = "attribute_exists(pk) AND attribute_not_exists(deleted_at)"
	condLockHoldsID  = "record_id = :id"
	updateTombstone  = "SET deleted_at = :now REMOVE gsi_pk, gsi_sk"
	updateIncrement  = "ADD #v :one"
	keyConditionList = "gsi_pk = :pk"
)

// Client is the subset of the DynamoDB API used by Store.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is a DynamoDB-backed store.Store.
type Store struct {
	client Client
	table  string
	codec  codec.Codec
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.KeyFinder = (*Store)(nil)
	_ store.Inserter  = (*Store)(nil)
)

// New returns a Store on table.
func New(client Client, table string) *Store {
	return &Store{client: client, table: table, codec: codec.Default}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func rawPK(id model.RawID) string { return "raw#" + strconv.FormatUint(uint64(id), 10) }
func recPK(id model.RecordID) string { return "rec#" + strconv.FormatUint(uint64(id), 10) }
func cfgPK(id model.ConfigID) string { return "cfg#" + string(id) }
func lockPK(k model.NaturalKey) string { return "key#" + strconv.FormatUint(uint64(k.SourceID), 10) + "#" + string(k.ConfigID) }
func num(v uint64) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: strconv.FormatUint(v, 10)} }

// nextID atomically increments a counter item.
func (s *Store) nextID(ctx context.Context, counter string) (uint64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey("counter#"+counter, "counter"),
		UpdateExpression:          aws.String(updateIncrement),
		ExpressionAttributeNames:  map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": num(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, classify(err)
	}
	return readUint(out.Attributes, "value")
}

// PutRaw stores a raw vector.
func (s *Store) PutRaw(ctx context.Context, v model.RawVector) (model.RawID, error) {
	if len(v.Vector) == 0 {
		return 0, store.Op(backend, store.OpPutRaw, fmt.Errorf("raw vector is empty"))
	}
	n, err := s.nextID(ctx, "raw")
	if err != nil {
		return 0, store.Op(backend, store.OpPutRaw, err)
	}
	id := model.RawID(n)

	item := itemKey(rawPK(id), "raw")
	item["vector"] = &types.AttributeValueMemberB{Value: encodeVector(v.Vector)}
	item["created_at"] = num(uint64(time.Now().UnixNano()))
	if err := s.putMeta(item, v.Metadata); err != nil {
		return 0, store.Op(backend, store.OpPutRaw, err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return 0, store.Op(backend, store.OpPutRaw, classify(err))
	}
	return id, nil
}

// GetRaw returns a raw vector.
func (s *Store) GetRaw(ctx context.Context, id model.RawID) (model.RawVector, error) {
	item, err := s.get(ctx, rawPK(id), "raw")
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	vec, err := readVector(item)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	meta, err := s.readMeta(item)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	created, _ := readUint(item, "created_at")
	return model.RawVector{ID: id, Vector: vec, Metadata: meta, CreatedAt: time.Unix(0, int64(created))}, nil
}

// PutProjection upserts by natural key.
func (s *Store) PutProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, error) {
	id, _, err := s.InsertProjection(ctx, in)
	return id, err
}

// InsertProjection is PutProjection that also reports whether the record
// was written by this call.
func (s *Store) InsertProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, bool, error) {
	if err := store.Validate(in); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	key := in.Key()

	if existing, err := s.lookup(ctx, key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}

	n, err := s.nextID(ctx, "rec")
	if err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	id := model.RecordID(n)

	rec := itemKey(recPK(id), "rec")
	rec["source_id"] = num(uint64(in.SourceID))
	rec["config_id"] = &types.AttributeValueMemberS{Value: string(in.ConfigID)}
	rec["vector"] = &types.AttributeValueMemberB{Value: encodeVector(in.Vector)}
	rec["created_at"] = num(uint64(time.Now().UnixNano()))
	rec["gsi_pk"] = &types.AttributeValueMemberS{Value: cfgPK(in.ConfigID)}
	rec["gsi_sk"] = num(uint64(id))
	if err := s.putMeta(rec, in.Metadata); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}

	lock := itemKey(lockPK(key), "key")
	lock["record_id"] = num(uint64(id))

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                lock,
				ConditionExpression: aws.String(condKeyAbsent),
			}},
			{Put: &types.Put{
				TableName: aws.String(s.table),
				Item:      rec,
			}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			// Lost the race; the winner's lock is now visible.
			existing, lerr := s.lookup(ctx, key)
			if lerr != nil {
				return 0, false, store.Op(backend, store.OpPutProjection, &store.ConflictError{Key: key})
			}
			return existing, false, nil
		}
		return 0, false, store.Op(backend, store.OpPutProjection, classify(err))
	}
	return id, true, nil
}

// GetProjection returns a live record.
func (s *Store) GetProjection(ctx context.Context, id model.RecordID) (model.ProjectionRecord, error) {
	item, err := s.get(ctx, recPK(id), "rec")
	if err != nil {
		return model.ProjectionRecord{}, store.Op(backend, store.OpGetProjection, err)
	}
	if _, deleted := item["deleted_at"]; deleted {
		return model.ProjectionRecord{}, store.Op(backend, store.OpGetProjection, store.ErrNotFound)
	}
	rec, err := s.decodeRecord(item)
	if err != nil {
		return model.ProjectionRecord{}, store.Op(backend, store.OpGetProjection, err)
	}
	return rec, nil
}

// ListProjections queries the sparse config index in ascending id order.
// Index reads are eventually consistent.
func (s *Store) ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(ConfigIndex),
		KeyConditionExpression: aws.String(keyConditionList),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: cfgPK(configID)},
		},
		ScanIndexForward: aws.Bool(true),
	})

	var out []model.ProjectionRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, store.Op(backend, store.OpListProjections, classify(err))
		}
		for _, item := range page.Items {
			rec, err := s.decodeRecord(item)
			if err != nil {
				return nil, store.Op(backend, store.OpListProjections, err)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// CountProjections counts live records through the config index.
func (s *Store) CountProjections(ctx context.Context, configID model.ConfigID) (int, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(ConfigIndex),
		KeyConditionExpression: aws.String(keyConditionList),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: cfgPK(configID)},
		},
		Select: types.SelectCount,
	})

	total := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, store.Op(backend, store.OpCountProjections, classify(err))
		}
		total += int(page.Count)
	}
	return total, nil
}

// MaxProjectionID reads the last entry of the config index.
func (s *Store) MaxProjectionID(ctx context.Context, configID model.ConfigID) (model.RecordID, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(ConfigIndex),
		KeyConditionExpression: aws.String(keyConditionList),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: cfgPK(configID)},
		},
		ProjectionExpression: aws.String("gsi_sk"),
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
	})
	if err != nil {
		return 0, store.Op(backend, store.OpMaxProjectionID, classify(err))
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	top, err := readUint(out.Items[0], "gsi_sk")
	if err != nil {
		return 0, store.Op(backend, store.OpMaxProjectionID, err)
	}
	return model.RecordID(top), nil
}

// FindProjection returns the live record id for a natural key.
func (s *Store) FindProjection(ctx context.Context, key model.NaturalKey) (model.RecordID, error) {
	id, err := s.lookup(ctx, key)
	if err != nil {
		return 0, store.Op(backend, store.OpFindProjection, err)
	}
	return id, nil
}

// Delete tombstones a record and releases its natural-key lock atomically.
func (s *Store) Delete(ctx context.Context, id model.RecordID) error {
	item, err := s.get(ctx, recPK(id), "rec")
	if err != nil {
		return store.Op(backend, store.OpDelete, err)
	}
	if _, deleted := item["deleted_at"]; deleted {
		return store.Op(backend, store.OpDelete, store.ErrNotFound)
	}
	rec, err := s.decodeRecord(item)
	if err != nil {
		return store.Op(backend, store.OpDelete, err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:           aws.String(s.table),
				Key:                 itemKey(recPK(id), "rec"),
				UpdateExpression:    aws.String(updateTombstone),
				ConditionExpression: aws.String(condLiveRecord),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now": num(uint64(time.Now().UnixNano())),
				},
			}},
			{Delete: &types.Delete{
				TableName:           aws.String(s.table),
				Key:                 itemKey(lockPK(rec.NaturalKey()), "key"),
				ConditionExpression: aws.String(condLockHoldsID),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": num(uint64(id)),
				},
			}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return store.Op(backend, store.OpDelete, store.ErrNotFound)
		}
		return store.Op(backend, store.OpDelete, classify(err))
	}
	return nil
}

// Close is a no-op; the SDK client owns no per-store resources.
func (s *Store) Close() error { return nil }

func (s *Store) lookup(ctx context.Context, key model.NaturalKey) (model.RecordID, error) {
	item, err := s.get(ctx, lockPK(key), "key")
	if err != nil {
		return 0, err
	}
	id, err := readUint(item, "record_id")
	if err != nil {
		return 0, err
	}
	return model.RecordID(id), nil
}

func (s *Store) get(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}
	return out.Item, nil
}

func (s *Store) decodeRecord(item map[string]types.AttributeValue) (model.ProjectionRecord, error) {
	pk, ok := item["pk"].(*types.AttributeValueMemberS)
	if !ok || len(pk.Value) < 5 {
		return model.ProjectionRecord{}, errors.New("record item has no pk")
	}
	id, err := strconv.ParseUint(pk.Value[len("rec#"):], 10, 64)
	if err != nil {
		return model.ProjectionRecord{}, fmt.Errorf("parse record id: %w", err)
	}
	src, err := readUint(item, "source_id")
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	cfg, ok := item["config_id"].(*types.AttributeValueMemberS)
	if !ok {
		return model.ProjectionRecord{}, errors.New("record item has no config_id")
	}
	vec, err := readVector(item)
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	meta, err := s.readMeta(item)
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	created, _ := readUint(item, "created_at")
	return model.ProjectionRecord{
		ID:        model.RecordID(id),
		SourceID:  model.RawID(src),
		ConfigID:  model.ConfigID(cfg.Value),
		Vector:    vec,
		Metadata:  meta,
		CreatedAt: time.Unix(0, int64(created)),
	}, nil
}

func (s *Store) putMeta(item map[string]types.AttributeValue, m model.Metadata) error {
	if len(m) == 0 {
		return nil
	}
	b, err := s.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	item["metadata"] = &types.AttributeValueMemberS{Value: string(b)}
	return nil
}

func (s *Store) readMeta(item map[string]types.AttributeValue) (model.Metadata, error) {
	attr, ok := item["metadata"].(*types.AttributeValueMemberS)
	if !ok || attr.Value == "" {
		return nil, nil
	}
	var m model.Metadata
	if err := s.codec.Unmarshal([]byte(attr.Value), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func readUint(item map[string]types.AttributeValue, name string) (uint64, error) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("invalid %s attribute in DynamoDB", name)
	}
	v, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func readVector(item map[string]types.AttributeValue) (model.Vector, error) {
	attr, ok := item["vector"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New("invalid vector attribute in DynamoDB")
	}
	return decodeVector(attr.Value)
}

func conditionFailed(err error) bool {
	var cce *types.ConditionalCheckFailedException
	if errors.As(err, &cce) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// classify maps throttling and server faults onto ErrStorageUnavailable.
func classify(err error) error {
	var (
		throttled *types.ProvisionedThroughputExceededException
		limited   *types.RequestLimitExceeded
		internal  *types.InternalServerError
		conflict  *types.TransactionConflictException
		missing   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &limited), errors.As(err, &internal),
		errors.As(err, &conflict), errors.Is(err, context.DeadlineExceeded):
		return store.Unavailable(err)
	case errors.As(err, &missing):
		return store.Unavailable(fmt.Errorf("table missing: %w", err))
	}
	return err
}
