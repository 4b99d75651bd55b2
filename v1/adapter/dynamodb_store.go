package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// DynamoDBStore implements Store on an Amazon DynamoDB table. Key.Table is
// the table name and Key.Field its string partition key.
//
// DeleteItem cannot tell a missing item from a token mismatch, so
// DeleteIfMatch reports both as ErrConditionFailed.
type DynamoDBStore struct {
	client dynamodbiface.DynamoDBAPI
	o      options
}

// NewDynamoDBStore returns a new DynamoDBStore using the provided client.
func NewDynamoDBStore(client dynamodbiface.DynamoDBAPI, opts ...Option) *DynamoDBStore {
	return &DynamoDBStore{client: client, o: buildOptions(opts)}
}

func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

func dynamoKey(key Key) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		key.Field: {S: aws.String(key.Value)},
	}
}

// CreateIfAbsent implements Store.CreateIfAbsent with a conditional PutItem.
func (s *DynamoDBStore) CreateIfAbsent(ctx context.Context, key Key, item Item) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	stored := item.Clone()
	stored[key.Field] = key.Value
	av, err := dynamodbattribute.MarshalMap(map[string]any(stored))
	if err != nil {
		return fmt.Errorf("dynamodb create %s: marshal: %w", key, err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	_, err = s.client.PutItemWithContext(cctx, &dynamodb.PutItemInput{
		TableName:                aws.String(key.Table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]*string{"#pk": aws.String(key.Field)},
	})
	if isConditionalCheckFailed(err) {
		return ErrConflict
	}
	if err != nil {
		return wrap("dynamodb put item", err)
	}
	return nil
}

// UpdateIfMatch implements Store.UpdateIfMatch with a conditional
// UpdateItem returning ALL_NEW attributes.
func (s *DynamoDBStore) UpdateIfMatch(ctx context.Context, key Key, cond Condition, item Item) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(item))
	for k := range item {
		if k != key.Field {
			fields = append(fields, k)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dynamodb update %s: no fields to set", key)
	}
	sort.Strings(fields)

	names := map[string]*string{
		"#pk": aws.String(key.Field),
		"#c":  aws.String(cond.Field),
	}
	values := map[string]*dynamodb.AttributeValue{
		":c": {S: aws.String(cond.Value)},
	}
	sets := make([]string, 0, len(fields))
	for i, f := range fields {
		av, err := dynamodbattribute.Marshal(item[f])
		if err != nil {
			return nil, fmt.Errorf("dynamodb update %s: marshal %s: %w", key, f, err)
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":v%d", i)
		names[n] = aws.String(f)
		values[v] = av
		sets = append(sets, n+" = "+v)
	}
	condition := "attribute_exists(#pk) AND #c = :c"
	if cond.Value == "" {
		condition = "attribute_exists(#pk) AND (attribute_not_exists(#c) OR #c = :c)"
	}

	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	out, err := s.client.UpdateItemWithContext(cctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(key.Table),
		Key:                       dynamoKey(key),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              aws.String(dynamodb.ReturnValueAllNew),
	})
	if isConditionalCheckFailed(err) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, wrap("dynamodb update item", err)
	}
	updated := Item{}
	if len(out.Attributes) > 0 {
		if err := dynamodbattribute.UnmarshalMap(out.Attributes, &updated); err != nil {
			return nil, fmt.Errorf("dynamodb update %s: unmarshal: %w", key, err)
		}
	}
	return updated, nil
}

// Read implements Store.Read with a strongly consistent GetItem. A
// conditional-check failure surfaced by the service is ErrConditionFailed.
func (s *DynamoDBStore) Read(ctx context.Context, key Key) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	out, err := s.client.GetItemWithContext(cctx, &dynamodb.GetItemInput{
		TableName:      aws.String(key.Table),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if isConditionalCheckFailed(err) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, wrap("dynamodb get item", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	item := Item{}
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamodb read %s: unmarshal: %w", key, err)
	}
	return item, nil
}

// DeleteIfMatch implements Store.DeleteIfMatch with a conditional DeleteItem.
func (s *DynamoDBStore) DeleteIfMatch(ctx context.Context, key Key, cond Condition) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	_, err := s.client.DeleteItemWithContext(cctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(key.Table),
		Key:                 dynamoKey(key),
		ConditionExpression: aws.String("attribute_exists(#pk) AND #c = :c"),
		ExpressionAttributeNames: map[string]*string{
			"#pk": aws.String(key.Field),
			"#c":  aws.String(cond.Field),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":c": {S: aws.String(cond.Value)},
		},
	})
	if isConditionalCheckFailed(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return wrap("dynamodb delete item", err)
	}
	return nil
}

// CreateTable creates an on-demand table keyed by a string partition key.
// An existing table is not an error.
func (s *DynamoDBStore) CreateTable(ctx context.Context, table, field string) error {
	_, err := s.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(field), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(field), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
		return nil
	}
	if err != nil {
		return wrap("dynamodb create table", err)
	}
	return nil
}
