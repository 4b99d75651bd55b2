package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

type fakeDynamoDB struct {
	dynamodbiface.DynamoDBAPI

	put    *dynamodb.PutItemInput
	update *dynamodb.UpdateItemInput
	del    *dynamodb.DeleteItemInput
	create *dynamodb.CreateTableInput

	getOut    map[string]*dynamodb.AttributeValue
	updateOut map[string]*dynamodb.AttributeValue
	err       error
}

func (f *fakeDynamoDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.put = in
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeDynamoDB) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	return &dynamodb.UpdateItemOutput{Attributes: f.updateOut}, f.err
}

func (f *fakeDynamoDB) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getOut}, f.err
}

func (f *fakeDynamoDB) DeleteItemWithContext(_ aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	f.del = in
	return &dynamodb.DeleteItemOutput{}, f.err
}

func (f *fakeDynamoDB) CreateTableWithContext(_ aws.Context, in *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	f.create = in
	return &dynamodb.CreateTableOutput{}, f.err
}

var dynamoTestKey = Key{Table: "test_lock_table", Field: "lock_id", Value: "singleton"}

func TestDynamoDBStoreCreate(t *testing.T) {
	fake := &fakeDynamoDB{}
	s := NewDynamoDBStore(fake)
	if err := s.CreateIfAbsent(context.Background(), dynamoTestKey, Item{"rvn": "a", "duration": int64(1000)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if aws.StringValue(fake.put.TableName) != "test_lock_table" {
		t.Fatalf("unexpected table %q", aws.StringValue(fake.put.TableName))
	}
	if aws.StringValue(fake.put.ConditionExpression) != "attribute_not_exists(#pk)" {
		t.Fatalf("unexpected condition %q", aws.StringValue(fake.put.ConditionExpression))
	}
	if aws.StringValue(fake.put.Item["lock_id"].S) != "singleton" {
		t.Fatalf("partition key missing from item: %v", fake.put.Item)
	}
	if aws.StringValue(fake.put.Item["duration"].N) != "1000" {
		t.Fatalf("duration not stored as number: %v", fake.put.Item["duration"])
	}

	fake.err = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "exists", nil)
	if err := s.CreateIfAbsent(context.Background(), dynamoTestKey, Item{"rvn": "b"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDynamoDBStoreUpdate(t *testing.T) {
	fake := &fakeDynamoDB{updateOut: map[string]*dynamodb.AttributeValue{
		"lock_id":  {S: aws.String("singleton")},
		"rvn":      {S: aws.String("b")},
		"duration": {N: aws.String("2000")},
	}}
	s := NewDynamoDBStore(fake)
	item, err := s.UpdateIfMatch(context.Background(), dynamoTestKey,
		Condition{Field: "rvn", Value: "a"}, Item{"rvn": "b", "duration": int64(2000), "lock_id": "ignored"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := aws.StringValue(fake.update.UpdateExpression); got != "SET #f0 = :v0, #f1 = :v1" {
		t.Fatalf("unexpected update expression %q", got)
	}
	if aws.StringValue(fake.update.ExpressionAttributeNames["#f0"]) != "duration" {
		t.Fatalf("fields not sorted: %v", fake.update.ExpressionAttributeNames)
	}
	if got := aws.StringValue(fake.update.ConditionExpression); got != "attribute_exists(#pk) AND #c = :c" {
		t.Fatalf("unexpected condition %q", got)
	}
	if aws.StringValue(fake.update.ReturnValues) != dynamodb.ReturnValueAllNew {
		t.Fatalf("expected ALL_NEW, got %q", aws.StringValue(fake.update.ReturnValues))
	}
	if tok, _ := item.StringField("rvn"); tok != "b" {
		t.Fatalf("expected returned token b, got %v", item)
	}
	if item["duration"] != float64(2000) {
		t.Fatalf("expected numeric duration, got %#v", item["duration"])
	}

	if _, err := s.UpdateIfMatch(context.Background(), dynamoTestKey, Condition{Field: "rvn"}, Item{"rvn": "c"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := aws.StringValue(fake.update.ConditionExpression); got != "attribute_exists(#pk) AND (attribute_not_exists(#c) OR #c = :c)" {
		t.Fatalf("unexpected empty-token condition %q", got)
	}

	fake.err = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "mismatch", nil)
	if _, err := s.UpdateIfMatch(context.Background(), dynamoTestKey, Condition{Field: "rvn", Value: "a"}, Item{"rvn": "b"}); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestDynamoDBStoreRead(t *testing.T) {
	fake := &fakeDynamoDB{}
	s := NewDynamoDBStore(fake)
	if _, err := s.Read(context.Background(), dynamoTestKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	fake.getOut = map[string]*dynamodb.AttributeValue{"rvn": {S: aws.String("a")}}
	item, err := s.Read(context.Background(), dynamoTestKey)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if item["rvn"] != "a" {
		t.Fatalf("unexpected item %v", item)
	}
	fake.err = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	if _, err := s.Read(context.Background(), dynamoTestKey); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestDynamoDBStoreDelete(t *testing.T) {
	fake := &fakeDynamoDB{}
	s := NewDynamoDBStore(fake)
	if err := s.DeleteIfMatch(context.Background(), dynamoTestKey, Condition{Field: "rvn", Value: "a"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if aws.StringValue(fake.del.ExpressionAttributeValues[":c"].S) != "a" {
		t.Fatalf("unexpected delete guard %v", fake.del.ExpressionAttributeValues)
	}
	fake.err = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "mismatch", nil)
	if err := s.DeleteIfMatch(context.Background(), dynamoTestKey, Condition{Field: "rvn", Value: "a"}); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestDynamoDBStoreBackendError(t *testing.T) {
	fake := &fakeDynamoDB{err: awserr.New(dynamodb.ErrCodeInternalServerError, "boom", nil)}
	s := NewDynamoDBStore(fake)
	err := s.CreateIfAbsent(context.Background(), dynamoTestKey, Item{"rvn": "a"})
	if err == nil || errors.Is(err, ErrConflict) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeInternalServerError {
		t.Fatalf("expected aws error in chain, got %v", err)
	}
}

func TestDynamoDBStoreCreateTable(t *testing.T) {
	fake := &fakeDynamoDB{}
	s := NewDynamoDBStore(fake)
	if err := s.CreateTable(context.Background(), "test_lock_table", "lock_id"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if aws.StringValue(fake.create.KeySchema[0].AttributeName) != "lock_id" {
		t.Fatalf("unexpected key schema %v", fake.create.KeySchema)
	}
	fake.err = awserr.New(dynamodb.ErrCodeResourceInUseException, "exists", nil)
	if err := s.CreateTable(context.Background(), "test_lock_table", "lock_id"); err != nil {
		t.Fatalf("existing table should not be an error: %v", err)
	}
}
