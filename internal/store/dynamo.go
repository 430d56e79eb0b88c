package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// Partition keys for the single-table design. Every record of one type
// shares a partition; the sort key is the zero-padded ID so Query returns
// records in ID order.
const (
	entityUser       = "USER"
	entityRoom       = "ROOM"
	entityPatient    = "PATIENT"
	entityAccident   = "ACCIDENT"
	entityMessage    = "MESSAGE"
	entityMonitoring = "MONITORING"

	// pkUsername holds one item per username pointing at the user ID.
	pkUsername = "USERNAME"
	// pkCounter holds one atomic sequence item per entity type.
	pkCounter = "COUNTER"

	condNotExists  = "attribute_not_exists(PK)"
	condExists     = "attribute_exists(PK)"
	condUnresolved = "attribute_exists(PK) AND resolved = :false"
	exprNextSeq    = "ADD seq :one"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table with string
// keys PK and SK.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// TableName returns the backing table.
func (s *DynamoStore) TableName() string { return s.tableName }

// --- Internal helpers ---

func idSK(id int64) string {
	return fmt.Sprintf("%012d", id)
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// nextID atomically increments and returns the entity's sequence.
func (s *DynamoStore) nextID(ctx context.Context, entity string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              keyOf(pkCounter, entity),
		UpdateExpression: aws.String(exprNextSeq),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("UpdateItem counter %s: %w", entity, err)
	}
	n, ok := out.Attributes["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("counter %s: missing seq attribute", entity)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

// putItem marshals data and writes it under PK/SK. condition is an
// optional ConditionExpression; a failed condition maps to failErr.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data any, condition string, values map[string]types.AttributeValue, failErr error) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	in := &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}
	if condition != "" {
		in.ConditionExpression = aws.String(condition)
		in.ExpressionAttributeValues = values
	}
	if _, err := s.client.PutItem(ctx, in); err != nil {
		if isConditionFailed(err) && failErr != nil {
			return failErr
		}
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads one item into out, returning ErrNotFound if absent.
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out any) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// deleteItem removes one item, returning ErrNotFound if it did not exist.
func (s *DynamoStore) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(pk, sk),
		ConditionExpression: aws.String(condExists),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// queryAll returns every item in a partition, following pagination.
func queryAll[T any](ctx context.Context, s *DynamoStore, pk string, keep func(*T) bool) ([]T, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}

	var out []T
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		for _, item := range result.Items {
			var v T
			if err := attributevalue.UnmarshalMap(item, &v); err != nil {
				return nil, fmt.Errorf("unmarshal PK=%s: %w", pk, err)
			}
			if keep == nil || keep(&v) {
				out = append(out, v)
			}
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return out, nil
}

// --- Users ---

type usernameRef struct {
	UserID int64 `dynamodbav:"userId"`
}

func (s *DynamoStore) CreateUser(ctx context.Context, u *User) error {
	id, err := s.nextID(ctx, entityUser)
	if err != nil {
		return err
	}
	conflict := fmt.Errorf("username %q: %w", u.Username, ErrConflict)
	if err := s.putItem(ctx, pkUsername, u.Username, usernameRef{UserID: id}, condNotExists, nil, conflict); err != nil {
		return err
	}
	u.ID = id
	stamp(&u.CreatedAt)
	if err := s.putItem(ctx, entityUser, idSK(id), u, "", nil, nil); err != nil {
		return err
	}
	log.Debug().Int64("userId", id).Str("role", string(u.Role)).Msg("User created")
	return nil
}

func (s *DynamoStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.getItem(ctx, entityUser, idSK(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *DynamoStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var ref usernameRef
	if err := s.getItem(ctx, pkUsername, username, &ref); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, ref.UserID)
}

func (s *DynamoStore) ListUsers(ctx context.Context) ([]User, error) {
	return queryAll[User](ctx, s, entityUser, nil)
}

func (s *DynamoStore) UpdateUser(ctx context.Context, u *User) error {
	prev, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	if prev.Username != u.Username {
		conflict := fmt.Errorf("username %q: %w", u.Username, ErrConflict)
		if err := s.putItem(ctx, pkUsername, u.Username, usernameRef{UserID: u.ID}, condNotExists, nil, conflict); err != nil {
			return err
		}
		if err := s.deleteItem(ctx, pkUsername, prev.Username); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	u.CreatedAt = prev.CreatedAt
	return s.putItem(ctx, entityUser, idSK(u.ID), u, condExists, nil, ErrNotFound)
}

func (s *DynamoStore) DeleteUser(ctx context.Context, id int64) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := s.deleteItem(ctx, entityUser, idSK(id)); err != nil {
		return err
	}
	if err := s.deleteItem(ctx, pkUsername, u.Username); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// --- Rooms ---

func (s *DynamoStore) CreateRoom(ctx context.Context, r *Room) error {
	id, err := s.nextID(ctx, entityRoom)
	if err != nil {
		return err
	}
	r.ID = id
	stamp(&r.CreatedAt)
	return s.putItem(ctx, entityRoom, idSK(id), r, "", nil, nil)
}

func (s *DynamoStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	var r Room
	if err := s.getItem(ctx, entityRoom, idSK(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *DynamoStore) ListRooms(ctx context.Context) ([]Room, error) {
	return queryAll[Room](ctx, s, entityRoom, nil)
}

func (s *DynamoStore) UpdateRoom(ctx context.Context, r *Room) error {
	prev, err := s.GetRoom(ctx, r.ID)
	if err != nil {
		return err
	}
	r.CreatedAt = prev.CreatedAt
	return s.putItem(ctx, entityRoom, idSK(r.ID), r, condExists, nil, ErrNotFound)
}

func (s *DynamoStore) DeleteRoom(ctx context.Context, id int64) error {
	patients, err := s.ListPatientsByRoom(ctx, id)
	if err != nil {
		return err
	}
	if len(patients) > 0 {
		return fmt.Errorf("room %d has patients: %w", id, ErrConflict)
	}
	if err := s.deleteItem(ctx, entityRoom, idSK(id)); err != nil {
		return err
	}
	if err := s.deleteItem(ctx, entityMonitoring, idSK(id)); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// --- Patients ---

func (s *DynamoStore) CreatePatient(ctx context.Context, p *Patient) error {
	id, err := s.nextID(ctx, entityPatient)
	if err != nil {
		return err
	}
	p.ID = id
	stamp(&p.CreatedAt)
	return s.putItem(ctx, entityPatient, idSK(id), p, "", nil, nil)
}

func (s *DynamoStore) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	if err := s.getItem(ctx, entityPatient, idSK(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *DynamoStore) ListPatients(ctx context.Context) ([]Patient, error) {
	return queryAll[Patient](ctx, s, entityPatient, nil)
}

func (s *DynamoStore) ListPatientsByRoom(ctx context.Context, roomID int64) ([]Patient, error) {
	return queryAll(ctx, s, entityPatient, func(p *Patient) bool { return p.RoomID == roomID })
}

func (s *DynamoStore) UpdatePatient(ctx context.Context, p *Patient) error {
	prev, err := s.GetPatient(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = prev.CreatedAt
	return s.putItem(ctx, entityPatient, idSK(p.ID), p, condExists, nil, ErrNotFound)
}

func (s *DynamoStore) DeletePatient(ctx context.Context, id int64) error {
	return s.deleteItem(ctx, entityPatient, idSK(id))
}

// --- Accidents ---

func (s *DynamoStore) CreateAccident(ctx context.Context, a *Accident) error {
	id, err := s.nextID(ctx, entityAccident)
	if err != nil {
		return err
	}
	a.ID = id
	stamp(&a.Date)
	if err := s.putItem(ctx, entityAccident, idSK(id), a, "", nil, nil); err != nil {
		return err
	}
	log.Debug().Int64("accidentId", id).Int64("roomId", a.RoomID).Str("source", string(a.Source)).Msg("Accident recorded")
	return nil
}

func (s *DynamoStore) GetAccident(ctx context.Context, id int64) (*Accident, error) {
	var a Accident
	if err := s.getItem(ctx, entityAccident, idSK(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *DynamoStore) ListAccidents(ctx context.Context, f AccidentFilter) ([]Accident, error) {
	return queryAll(ctx, s, entityAccident, f.match)
}

func (s *DynamoStore) ResolveAccident(ctx context.Context, id, resolvedBy int64, at time.Time) (*Accident, error) {
	a, err := s.GetAccident(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Resolved {
		return nil, fmt.Errorf("accident %d already resolved: %w", id, ErrConflict)
	}
	a.Resolved = true
	a.ResolvedBy = &resolvedBy
	a.ResolvedAt = &at

	// The condition guards against a concurrent resolve between the read
	// and the write.
	values := map[string]types.AttributeValue{":false": &types.AttributeValueMemberBOOL{Value: false}}
	conflict := fmt.Errorf("accident %d already resolved: %w", id, ErrConflict)
	if err := s.putItem(ctx, entityAccident, idSK(id), a, condUnresolved, values, conflict); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *DynamoStore) MarkAccidentNotified(ctx context.Context, id int64) (*Accident, error) {
	a, err := s.GetAccident(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Notified = true
	if err := s.putItem(ctx, entityAccident, idSK(id), a, condExists, nil, ErrNotFound); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *DynamoStore) SetAccidentEvidence(ctx context.Context, id int64, key string) error {
	a, err := s.GetAccident(ctx, id)
	if err != nil {
		return err
	}
	a.EvidenceKey = key
	return s.putItem(ctx, entityAccident, idSK(id), a, condExists, nil, ErrNotFound)
}

// --- Messages ---

func (s *DynamoStore) CreateMessage(ctx context.Context, m *Message) error {
	id, err := s.nextID(ctx, entityMessage)
	if err != nil {
		return err
	}
	m.ID = id
	stamp(&m.SentAt)
	return s.putItem(ctx, entityMessage, idSK(id), m, "", nil, nil)
}

func (s *DynamoStore) ListMessagesForUser(ctx context.Context, userID int64) ([]Message, error) {
	return queryAll(ctx, s, entityMessage, func(m *Message) bool {
		return m.SenderID == userID || m.RecipientID == userID
	})
}

func (s *DynamoStore) MarkMessageRead(ctx context.Context, id, userID int64) (*Message, error) {
	var m Message
	if err := s.getItem(ctx, entityMessage, idSK(id), &m); err != nil {
		return nil, err
	}
	if m.RecipientID != userID {
		return nil, ErrNotFound
	}
	m.Read = true
	if err := s.putItem(ctx, entityMessage, idSK(id), &m, condExists, nil, ErrNotFound); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Monitoring settings ---

func (s *DynamoStore) GetMonitoringSettings(ctx context.Context, roomID int64) (*MonitoringSettings, error) {
	var m MonitoringSettings
	if err := s.getItem(ctx, entityMonitoring, idSK(roomID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *DynamoStore) PutMonitoringSettings(ctx context.Context, m *MonitoringSettings) error {
	if _, err := s.GetRoom(ctx, m.RoomID); err != nil {
		return err
	}
	stamp(&m.UpdatedAt)
	return s.putItem(ctx, entityMonitoring, idSK(m.RoomID), m, "", nil, nil)
}
