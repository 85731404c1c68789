package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/tillsync/internal/shard"
	"github.com/jacentio/tillsync/remote"
)

// Client is the subset of the DynamoDB API used by the Store.
// *dynamodb.Client satisfies it.
type Client interface {
	dynamodb.QueryAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store provides tenant-scoped DynamoDB operations for the sync engine.
type Store struct {
	client   Client
	config   Config
	registry *Registry
}

var _ remote.DocumentStore = (*Store)(nil)

// New creates a new Store instance.
func New(client Client, config Config) *Store {
	config.validate()
	return &Store{
		client:   client,
		config:   config,
		registry: NewRegistry(),
	}
}

// NewWithRegistry creates a new Store instance with a collection registry.
func NewWithRegistry(client Client, config Config, registry *Registry) *Store {
	config.validate()
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{
		client:   client,
		config:   config,
		registry: registry,
	}
}

// Registry returns the collection registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// TableName resolves the DynamoDB table for a collection.
func (s *Store) TableName(collection string) string {
	if t, ok := s.registry.Table(collection); ok {
		return t
	}
	return s.config.TablePrefix + collection
}

// key builds the primary key of a record.
func (s *Store) key(id string) PK {
	return PK{
		"pk": &types.AttributeValueMemberS{Value: shard.TenantPK(s.config.TenantID, id, s.config.NumShards)},
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// Create creates a new record. An id carried in data is used, otherwise a
// UUIDv7 is generated. Creating over a deleted record is allowed.
func (s *Store) Create(ctx context.Context, collection string, data remote.Record) (string, error) {
	if s.config.TenantID == "" {
		return "", ErrMissingTenant
	}
	id := data.ID()
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	item, err := s.buildItem(id, data, time.Now())
	if err != nil {
		return "", err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.TableName(collection)),
		Item:                      item,
		ConditionExpression:       aws.String(CreateCondition()),
		ExpressionAttributeNames:  TTLFilterNames(),
		ExpressionAttributeValues: TTLFilterValues(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", ErrAlreadyExists
		}
		return "", err
	}
	return id, nil
}

// Set writes the full record under id, replacing whatever was stored.
// A previously deleted record is resurrected.
func (s *Store) Set(ctx context.Context, collection, id string, data remote.Record) error {
	if s.config.TenantID == "" {
		return ErrMissingTenant
	}
	item, err := s.buildItem(id, data, time.Now())
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.TableName(collection)),
		Item:      item,
	})
	return err
}

// buildItem sets the key and store-managed attributes on a marshalled record.
func (s *Store) buildItem(id string, data remote.Record, now time.Time) (map[string]types.AttributeValue, error) {
	item, err := marshalRecord(data)
	if err != nil {
		return nil, err
	}
	nowISO := now.UTC().Format(time.RFC3339)
	for k, v := range s.key(id) {
		item[k] = v
	}
	item["version"] = &types.AttributeValueMemberN{Value: "1"}
	item["created_at"] = &types.AttributeValueMemberS{Value: nowISO}
	item["updated_at"] = &types.AttributeValueMemberS{Value: nowISO}
	return item, nil
}

// Get retrieves a record by id, returning ErrNotFound if deleted or missing.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Record, error) {
	item, err := s.Item(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	return item.Record, nil
}

// Item retrieves a record with its store metadata.
func (s *Store) Item(ctx context.Context, collection, id string) (*Item, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName(collection)),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	// Check if record is deleted (has expired TTL)
	if IsDeleted(result.Item) {
		return nil, ErrNotFound
	}

	return unmarshalItem(result.Item)
}

// List returns every live record of the tenant matching filter, ordered by id.
func (s *Store) List(ctx context.Context, collection string, filter remote.Filter) ([]remote.Record, error) {
	numShards := s.config.NumShards

	// Fast path for single shard (default)
	if numShards == 1 {
		return s.listShard(ctx, collection, filter, 0)
	}

	// Multi-shard fan-out
	var mu sync.Mutex
	var all []remote.Record
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()

			records, err := s.listShard(ctx, collection, filter, shardNum)
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}

			mu.Lock()
			all = append(all, records...)
			mu.Unlock()
		}(shardNum)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	return all, nil
}

func (s *Store) listShard(ctx context.Context, collection string, filter remote.Filter, shardNum int) ([]remote.Record, error) {
	var records []remote.Record
	paginator := dynamodb.NewQueryPaginator(s.client, s.queryInput(collection, filter, shardNum))
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			item, err := unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			records = append(records, item.Record)
		}
	}
	return records, nil
}

// ListPage returns up to limit records starting at cursor. Shards are walked
// in order; the cursor records the shard and the last evaluated key.
// Because the TTL and equality filters run after DynamoDB applies the limit,
// a page may hold fewer records than limit while HasMore is still true.
func (s *Store) ListPage(ctx context.Context, collection string, filter remote.Filter, cursor string, limit int) (remote.Page, error) {
	if limit < 1 {
		limit = s.config.PageSize
	}
	pos, err := decodeCursor(cursor)
	if err != nil {
		return remote.Page{}, err
	}
	if pos.Shard >= s.config.NumShards {
		return remote.Page{}, ErrInvalidCursor
	}

	input := s.queryInput(collection, filter, pos.Shard)
	input.Limit = aws.Int32(int32(limit))
	if len(pos.Key) > 0 {
		startKey, err := attributevalue.MarshalMap(pos.Key)
		if err != nil {
			return remote.Page{}, fmt.Errorf("marshal cursor key: %w", err)
		}
		input.ExclusiveStartKey = startKey
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return remote.Page{}, err
	}

	page := remote.Page{}
	for _, raw := range out.Items {
		item, err := unmarshalItem(raw)
		if err != nil {
			return remote.Page{}, err
		}
		page.Records = append(page.Records, item.Record)
	}

	next := pageCursor{Shard: pos.Shard}
	switch {
	case len(out.LastEvaluatedKey) > 0:
		next.Key = map[string]string{}
		if err := attributevalue.UnmarshalMap(out.LastEvaluatedKey, &next.Key); err != nil {
			return remote.Page{}, fmt.Errorf("unmarshal last evaluated key: %w", err)
		}
	case pos.Shard+1 < s.config.NumShards:
		next.Shard = pos.Shard + 1
	default:
		return page, nil
	}

	page.HasMore = true
	page.Cursor = next.encode()
	return page, nil
}

// queryInput builds a shard query with the TTL filter merged with filter.
func (s *Store) queryInput(collection string, filter remote.Filter, shardNum int) *dynamodb.QueryInput {
	filterExpr, names, values := filterExpression(filter)
	keyValues := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: shard.ShardPK(s.config.TenantID, shardNum)},
	}
	return &dynamodb.QueryInput{
		TableName:                 aws.String(s.TableName(collection)),
		KeyConditionExpression:    aws.String("pk = :pk"),
		FilterExpression:          aws.String(filterExpr),
		ExpressionAttributeNames:  mergeExpr(TTLFilterNames(), names),
		ExpressionAttributeValues: mergeExpr(TTLFilterValues(), values, keyValues),
		ConsistentRead:            aws.Bool(true),
	}
}

// filterExpression merges the TTL filter with an equality filter.
// Keys are sorted so identical filters produce identical expressions.
func filterExpression(filter remote.Filter) (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	clauses := []string{"(" + TTLFilterExpr() + ")"}

	fields := make([]string, 0, len(filter))
	for k := range filter {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	for i, field := range fields {
		nameKey := fmt.Sprintf("#f%d", i)
		valueKey := fmt.Sprintf(":f%d", i)
		names[nameKey] = field

		v := filter[field]
		if v == nil {
			values[valueKey] = &types.AttributeValueMemberS{Value: "NULL"}
			clauses = append(clauses, fmt.Sprintf("(attribute_not_exists(%s) OR attribute_type(%s, %s))", nameKey, nameKey, valueKey))
			continue
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			av = &types.AttributeValueMemberS{Value: fmt.Sprint(v)}
		}
		values[valueKey] = av
		clauses = append(clauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}

	return strings.Join(clauses, " AND "), names, values
}

// Update applies a partial update to a live record.
func (s *Store) Update(ctx context.Context, collection, id string, partial remote.Record) error {
	now := time.Now().UTC().Format(time.RFC3339)

	// Build SET expression from record attributes
	var setClauses []string
	exprNames := map[string]string{
		"#updated_at": "updated_at",
		"#version":    "version",
		"#ttl":        ttlAttr,
	}
	exprValues := map[string]types.AttributeValue{
		":updated_at": &types.AttributeValueMemberS{Value: now},
		":one":        &types.AttributeValueMemberN{Value: "1"},
	}

	fields := make([]string, 0, len(partial))
	for k := range partial {
		// Skip managed fields and the key
		if k == "id" || isManaged(k) {
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)

	for i, k := range fields {
		av, err := attributevalue.Marshal(partial[k])
		if err != nil {
			return fmt.Errorf("marshal %s: %w", k, err)
		}
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		exprNames[nameKey] = k
		exprValues[valueKey] = av
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}

	// Add managed field updates
	setClauses = append(setClauses, "#updated_at = :updated_at", "#version = #version + :one")

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.TableName(collection)),
		Key:                       s.key(id),
		UpdateExpression:          aws.String("SET " + strings.Join(setClauses, ", ")),
		ConditionExpression:       aws.String(LiveCondition()),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Delete marks a record for deletion by setting its TTL to now.
// This also increments the version so the stream carries the change.
// Deleting a missing or already-deleted record is a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.SetTTL(ctx, collection, id, time.Now().Unix())
}

// SetTTL sets the TTL of a live record.
func (s *Store) SetTTL(ctx context.Context, collection, id string, ttl int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName(collection)),
		Key:                 s.key(id),
		UpdateExpression:    aws.String("SET #ttl = :ttl, #version = #version + :one"),
		ConditionExpression: aws.String(LiveCondition()),
		ExpressionAttributeNames: map[string]string{
			"#ttl":     ttlAttr,
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(ttl, 10),
			},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})

	// Ignore condition failure - missing or already has TTL (already deleted)
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// pageCursor is the decoded form of a ListPage cursor.
type pageCursor struct {
	Shard int               `json:"s"`
	Key   map[string]string `json:"k,omitempty"`
}

func (c pageCursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (pageCursor, error) {
	var c pageCursor
	if cursor == "" {
		return c, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.Shard < 0 {
		return c, ErrInvalidCursor
	}
	return c, nil
}
