// Package events publishes accident lifecycle events to Amazon EventBridge
// so downstream paging and audit consumers can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/store"
)

// Source is the EventBridge source for all ward-safety events.
const Source = "ward-safety"

// Detail types.
const (
	DetailAccidentReported = "AccidentReported"
	DetailAccidentResolved = "AccidentResolved"
)

// PutEventsAPI is the subset of the EventBridge client used here.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// AccidentDetail is the event detail for accident events.
type AccidentDetail struct {
	AccidentID  int64                `json:"accidentId"`
	PatientID   int64                `json:"patientId"`
	RoomID      int64                `json:"roomId"`
	Date        time.Time            `json:"date"`
	Source      store.AccidentSource `json:"source"`
	Confidence  *float64             `json:"confidence,omitempty"`
	EvidenceKey string               `json:"evidenceKey,omitempty"`
	ResolvedBy  *int64               `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time           `json:"resolvedAt,omitempty"`
}

func detailFor(a store.Accident) AccidentDetail {
	return AccidentDetail{
		AccidentID:  a.ID,
		PatientID:   a.PatientID,
		RoomID:      a.RoomID,
		Date:        a.Date,
		Source:      a.Source,
		Confidence:  a.Confidence,
		EvidenceKey: a.EvidenceKey,
		ResolvedBy:  a.ResolvedBy,
		ResolvedAt:  a.ResolvedAt,
	}
}

// Emitter puts events on one bus.
type Emitter struct {
	client PutEventsAPI
	bus    string
}

// NewEmitter creates an emitter. An empty bus uses the account default.
func NewEmitter(client PutEventsAPI, bus string) *Emitter {
	return &Emitter{client: client, bus: bus}
}

// AccidentReported publishes a newly created accident.
func (e *Emitter) AccidentReported(ctx context.Context, a store.Accident) error {
	return e.put(ctx, DetailAccidentReported, a)
}

// AccidentResolved publishes a resolved accident.
func (e *Emitter) AccidentResolved(ctx context.Context, a store.Accident) error {
	return e.put(ctx, DetailAccidentResolved, a)
}

func (e *Emitter) put(ctx context.Context, detailType string, a store.Accident) error {
	detail, err := json.Marshal(detailFor(a))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType, err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailType),
		Detail:     aws.String(string(detail)),
		Time:       aws.Time(time.Now().UTC()),
	}
	if e.bus != "" {
		entry.EventBusName = aws.String(e.bus)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Int64("accidentId", a.ID).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Int64("accidentId", a.ID).
					Str("detailType", detailType).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Int64("accidentId", a.ID).Str("detailType", detailType).Msg("Accident event emitted to EventBridge")
	return nil
}
