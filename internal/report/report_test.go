package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/pose"
	"github.com/fpang/ward-safety/internal/store"
)

func TestFromEvent(t *testing.T) {
	at := time.Date(2026, 5, 1, 3, 0, 0, 0, time.FixedZone("x", 3600))
	ev := detector.FallEvent{
		Timestamp: at,
		Frame:     detector.Frame{Seq: 9, Width: 640, Height: 480},
		Pose:      pose.Pose{Keypoints: []pose.Keypoint{{Name: pose.Nose, X: 1, Y: 2, Score: 0.8}}},
		Verdict:   pose.Verdict{Fall: true, Rule: pose.RuleHeadBelowAnkles, Confidence: 0.8},
	}
	r, err := FromEvent(3, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.RoomID != 3 || *r.Confidence != 0.8 || r.Timestamp.Location() != time.UTC {
		t.Errorf("unexpected report: %+v", r)
	}
	var data map[string]any
	if err := json.Unmarshal(r.PoseData, &data); err != nil {
		t.Fatalf("invalid pose data: %v", err)
	}
	if data["frame"] != float64(9) {
		t.Errorf("unexpected pose data: %v", data)
	}
}

func TestClientReportSigned(t *testing.T) {
	const secret = "device-secret"
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(auth.SignatureHeader)
		if !auth.VerifySignature(secret, body, gotSig) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Response{
			Success:  true,
			Accident: store.Accident{ID: 11, PatientID: 2, RoomID: 3, Source: store.SourceAI},
			Message:  "Fall detected",
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL+"/", secret).Report(context.Background(), FallReport{RoomID: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Accident.ID != 11 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if gotSig == "" {
		t.Error("expected signature header")
	}
}

func TestClientReportRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.SignatureHeader) != "" {
			t.Error("unsigned client should not send a signature")
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"room not found"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Report(context.Background(), FallReport{RoomID: 99})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if se.Body != `{"error":"room not found"}` {
		t.Errorf("unexpected body %q", se.Body)
	}
}
