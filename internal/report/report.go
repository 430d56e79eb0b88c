// Package report defines the fall-report wire format and a client that
// posts locally detected falls to the server's /api/fall-detection
// endpoint.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/store"
)

// Path is the fall-report endpoint.
const Path = "/api/fall-detection"

// FallReport is the request body for a detected fall.
type FallReport struct {
	RoomID     int64           `json:"roomId"`
	Confidence *float64        `json:"confidence,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	PoseData   json.RawMessage `json:"poseData,omitempty"`
}

// Response is the server's reply to an accepted report.
type Response struct {
	Success  bool           `json:"success"`
	Accident store.Accident `json:"accident"`
	Message  string         `json:"message"`
}

// FromEvent builds a report for roomID from a fired detection.
func FromEvent(roomID int64, ev detector.FallEvent) (FallReport, error) {
	data, err := json.Marshal(struct {
		Pose    any     `json:"pose"`
		Verdict any     `json:"verdict"`
		Frame   uint64  `json:"frame"`
		Width   float64 `json:"frameWidth"`
		Height  float64 `json:"frameHeight"`
	}{ev.Pose, ev.Verdict, ev.Frame.Seq, ev.Frame.Width, ev.Frame.Height})
	if err != nil {
		return FallReport{}, fmt.Errorf("marshal pose data: %w", err)
	}
	ts := ev.Timestamp.UTC()
	conf := ev.Verdict.Confidence
	return FallReport{RoomID: roomID, Confidence: &conf, Timestamp: &ts, PoseData: data}, nil
}

// StatusError is returned for a non-201 reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fall report rejected with status %d: %s", e.Code, e.Body)
}

// Client posts fall reports.
type Client struct {
	url    string
	secret string
	http   *http.Client
}

// NewClient creates a client for the server at baseURL. A non-empty
// secret signs each body with the device signature header.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		url:    strings.TrimRight(baseURL, "/") + Path,
		secret: secret,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Report sends r and returns the created accident.
func (c *Client) Report(ctx context.Context, r FallReport) (*Response, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fall report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(auth.SignatureHeader, auth.Sign(c.secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send fall report: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	log.Info().
		Int64("roomId", r.RoomID).
		Int64("accidentId", out.Accident.ID).
		Int64("patientId", out.Accident.PatientID).
		Msg("Fall reported to server")
	return &out, nil
}
