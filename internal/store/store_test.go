package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Both implementations run the same behavioural checks.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("dynamo", func(t *testing.T) { fn(t, NewDynamoStore(newFakeDynamo(), "ward-test")) })
}

func TestStore_FirstPatientIsLowestID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		room := &Room{Name: "101"}
		other := &Room{Name: "102"}
		mustNoErr(t, s.CreateRoom(ctx, room))
		mustNoErr(t, s.CreateRoom(ctx, other))

		if _, err := FirstPatient(ctx, s, room.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for empty room, got %v", err)
		}

		a := &Patient{Name: "Ada", RoomID: room.ID}
		b := &Patient{Name: "Ben", RoomID: other.ID}
		c := &Patient{Name: "Cy", RoomID: room.ID}
		for _, p := range []*Patient{a, b, c} {
			mustNoErr(t, s.CreatePatient(ctx, p))
		}

		first, err := FirstPatient(ctx, s, room.ID)
		mustNoErr(t, err)
		if first.ID != a.ID {
			t.Errorf("expected patient %d, got %d", a.ID, first.ID)
		}

		inRoom, err := s.ListPatientsByRoom(ctx, room.ID)
		mustNoErr(t, err)
		if len(inRoom) != 2 {
			t.Errorf("expected 2 patients in room, got %d", len(inRoom))
		}
	})
}

func TestStore_AccidentLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conf := 0.82
		acc := &Accident{PatientID: 1, RoomID: 7, Source: SourceAI, Confidence: &conf}
		mustNoErr(t, s.CreateAccident(ctx, acc))
		if acc.ID == 0 || acc.Date.IsZero() {
			t.Fatalf("expected ID and date to be assigned, got %+v", acc)
		}

		got, err := s.GetAccident(ctx, acc.ID)
		mustNoErr(t, err)
		if got.Resolved || got.Notified || got.ResolvedBy != nil {
			t.Errorf("expected open accident, got %+v", got)
		}
		if got.Confidence == nil || *got.Confidence != conf {
			t.Errorf("expected confidence %v, got %v", conf, got.Confidence)
		}

		at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		resolved, err := s.ResolveAccident(ctx, acc.ID, 42, at)
		mustNoErr(t, err)
		if !resolved.Resolved || resolved.ResolvedBy == nil || *resolved.ResolvedBy != 42 {
			t.Errorf("expected resolved by 42, got %+v", resolved)
		}

		if _, err := s.ResolveAccident(ctx, acc.ID, 43, at); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict on second resolve, got %v", err)
		}
		if _, err := s.ResolveAccident(ctx, 999, 43, at); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown accident, got %v", err)
		}

		open := false
		list, err := s.ListAccidents(ctx, AccidentFilter{Resolved: &open})
		mustNoErr(t, err)
		if len(list) != 0 {
			t.Errorf("expected no open accidents, got %d", len(list))
		}
	})
}

func TestStore_UsernameUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustNoErr(t, s.CreateUser(ctx, &User{Username: "nina", Role: RoleNurse}))
		err := s.CreateUser(ctx, &User{Username: "nina", Role: RoleDoctor})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		u, err := s.GetUserByUsername(ctx, "nina")
		mustNoErr(t, err)
		if u.Role != RoleNurse {
			t.Errorf("expected original user to survive, got role %s", u.Role)
		}

		u.Username = "nina.r"
		mustNoErr(t, s.UpdateUser(ctx, u))
		if _, err := s.GetUserByUsername(ctx, "nina"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected old username to be released, got %v", err)
		}
		mustNoErr(t, s.DeleteUser(ctx, u.ID))
		if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected deleted user to be gone, got %v", err)
		}
	})
}

func TestStore_RoomDeleteBlockedByPatients(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		room := &Room{Name: "ICU-1"}
		mustNoErr(t, s.CreateRoom(ctx, room))
		p := &Patient{Name: "Ada", RoomID: room.ID}
		mustNoErr(t, s.CreatePatient(ctx, p))

		if err := s.DeleteRoom(ctx, room.ID); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		mustNoErr(t, s.DeletePatient(ctx, p.ID))
		mustNoErr(t, s.DeleteRoom(ctx, room.ID))
		if _, err := s.GetRoom(ctx, room.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected room gone, got %v", err)
		}
	})
}

func TestStore_MessagesVisibleToParticipants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := &Message{SenderID: 1, RecipientID: 2, Content: "bed 4 needs a check"}
		mustNoErr(t, s.CreateMessage(ctx, m))
		mustNoErr(t, s.CreateMessage(ctx, &Message{SenderID: 3, RecipientID: 4, Content: "other"}))

		for _, uid := range []int64{1, 2} {
			msgs, err := s.ListMessagesForUser(ctx, uid)
			mustNoErr(t, err)
			if len(msgs) != 1 || msgs[0].ID != m.ID {
				t.Errorf("user %d: expected 1 message, got %+v", uid, msgs)
			}
		}

		if _, err := s.MarkMessageRead(ctx, m.ID, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected sender to be unable to mark read, got %v", err)
		}
		read, err := s.MarkMessageRead(ctx, m.ID, 2)
		mustNoErr(t, err)
		if !read.Read {
			t.Error("expected message marked read")
		}
	})
}

func TestStore_MonitoringSettingsRequireRoom(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.PutMonitoringSettings(ctx, &MonitoringSettings{RoomID: 5}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown room, got %v", err)
		}
		room := &Room{Name: "201"}
		mustNoErr(t, s.CreateRoom(ctx, room))
		mustNoErr(t, s.PutMonitoringSettings(ctx, &MonitoringSettings{RoomID: room.ID, FallDetection: true, TemperatureMax: 26}))

		got, err := s.GetMonitoringSettings(ctx, room.ID)
		mustNoErr(t, err)
		if !got.FallDetection || got.TemperatureMax != 26 {
			t.Errorf("unexpected settings: %+v", got)
		}
	})
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
