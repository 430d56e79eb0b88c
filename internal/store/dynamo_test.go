package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory table that understands the exact key and
// condition expressions DynamoStore issues. Query pages two items at a
// time so pagination is exercised.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue
	queries  int
	pageSize int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]map[string]types.AttributeValue),
		pageSize: 2,
	}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) lookup(key map[string]types.AttributeValue) (map[string]types.AttributeValue, bool) {
	item, ok := f.items[attrS(key, "PK")][attrS(key, "SK")]
	return item, ok
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) check(cond *string, existing map[string]types.AttributeValue, exists bool) error {
	switch aws.ToString(cond) {
	case "":
		return nil
	case condNotExists:
		if exists {
			return conditionFailed()
		}
	case condExists:
		if !exists {
			return conditionFailed()
		}
	case condUnresolved:
		if !exists {
			return conditionFailed()
		}
		if b, ok := existing["resolved"].(*types.AttributeValueMemberBOOL); ok && b.Value {
			return conditionFailed()
		}
	default:
		return fmt.Errorf("fakeDynamo: unsupported condition %q", aws.ToString(cond))
	}
	return nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, exists := f.lookup(in.Item)
	if err := f.check(in.ConditionExpression, existing, exists); err != nil {
		return nil, err
	}
	pk, sk := attrS(in.Item, "PK"), attrS(in.Item, "SK")
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, _ := f.lookup(in.Key)
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, exists := f.lookup(in.Key)
	if err := f.check(in.ConditionExpression, existing, exists); err != nil {
		return nil, err
	}
	delete(f.items[attrS(in.Key, "PK")], attrS(in.Key, "SK"))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.UpdateExpression) != exprNextSeq {
		return nil, fmt.Errorf("fakeDynamo: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	pk, sk := attrS(in.Key, "PK"), attrS(in.Key, "SK")
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	item := f.items[pk][sk]
	var seq int64
	if item != nil {
		seq, _ = strconv.ParseInt(item["seq"].(*types.AttributeValueMemberN).Value, 10, 64)
	}
	seq++
	n := &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)}
	f.items[pk][sk] = map[string]types.AttributeValue{"PK": in.Key["PK"], "SK": in.Key["SK"], "seq": n}
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"seq": n}}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	pk := attrS(in.ExpressionAttributeValues, ":pk")
	part := f.items[pk]
	sks := make([]string, 0, len(part))
	for sk := range part {
		sks = append(sks, sk)
	}
	slices.Sort(sks)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := attrS(in.ExclusiveStartKey, "SK")
		for start < len(sks) && sks[start] <= after {
			start++
		}
	}
	end := min(start+f.pageSize, len(sks))

	out := &dynamodb.QueryOutput{}
	for _, sk := range sks[start:end] {
		out.Items = append(out.Items, part[sk])
	}
	if end < len(sks) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sks[end-1]},
		}
	}
	return out, nil
}

func TestDynamoStore_KeyLayout(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "ward-test")
	ctx := context.Background()

	room := &Room{Name: "101"}
	mustNoErr(t, s.CreateRoom(ctx, room))

	item, ok := fake.items[entityRoom][idSK(room.ID)]
	if !ok {
		t.Fatalf("expected room under PK=%s SK=%s", entityRoom, idSK(room.ID))
	}
	if got := attrS(item, "name"); got != "101" {
		t.Errorf("expected name attribute 101, got %q", got)
	}
	if idSK(42) != "000000000042" {
		t.Errorf("unexpected sort key format %q", idSK(42))
	}
}

func TestDynamoStore_PaginatesQueries(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "ward-test")
	ctx := context.Background()

	for i := range 5 {
		mustNoErr(t, s.CreateRoom(ctx, &Room{Name: fmt.Sprintf("R%d", i)}))
	}
	fake.queries = 0
	rooms, err := s.ListRooms(ctx)
	mustNoErr(t, err)
	if len(rooms) != 5 {
		t.Fatalf("expected 5 rooms, got %d", len(rooms))
	}
	if fake.queries != 3 {
		t.Errorf("expected 3 query pages, got %d", fake.queries)
	}
	for i := 1; i < len(rooms); i++ {
		if rooms[i-1].ID >= rooms[i].ID {
			t.Errorf("rooms not in ID order: %d then %d", rooms[i-1].ID, rooms[i].ID)
		}
	}
}

func TestDynamoStore_PasswordHashPersisted(t *testing.T) {
	// PasswordHash is hidden from JSON but must survive a store round trip.
	s := NewDynamoStore(newFakeDynamo(), "ward-test")
	ctx := context.Background()
	mustNoErr(t, s.CreateUser(ctx, &User{Username: "dr.lee", PasswordHash: "$2a$10$abc", Role: RoleDoctor}))

	u, err := s.GetUserByUsername(ctx, "dr.lee")
	mustNoErr(t, err)
	if u.PasswordHash != "$2a$10$abc" {
		t.Errorf("expected hash to be stored, got %q", u.PasswordHash)
	}
}
