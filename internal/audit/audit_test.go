// -------------------------------------------------------------------------------
// Audit Package Tests
//
// Author: Alex Freidah
//
// Validates ID generation, context propagation, detaching, and structured audit
// log output.
// -------------------------------------------------------------------------------

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestNewID_UniqueAndCorrectLength(t *testing.T) {
	ids := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 32 {
			t.Fatalf("expected 32-char ID, got %d: %q", len(id), id)
		}
		if ids[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		ids[id] = true
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Fatalf("expected empty string from bare context, got %q", got)
	}
	if got := UserID(ctx); got != "" {
		t.Fatalf("expected empty user id from bare context, got %q", got)
	}

	ctx = WithRequestID(ctx, "test-id-123")
	ctx = WithUserID(ctx, "user-7")
	if got := RequestID(ctx); got != "test-id-123" {
		t.Fatalf("expected test-id-123, got %q", got)
	}
	if got := UserID(ctx); got != "user-7" {
		t.Fatalf("expected user-7, got %q", got)
	}
}

func TestDetach_KeepsIDsDropsCancellation(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithRequestID(parent, "req-1")
	parent = WithUserID(parent, "user-1")
	cancel()

	detached := Detach(parent)
	if detached.Err() != nil {
		t.Fatalf("detached context should not be canceled: %v", detached.Err())
	}
	if _, ok := detached.Deadline(); ok {
		t.Error("detached context should have no deadline")
	}
	if RequestID(detached) != "req-1" || UserID(detached) != "user-1" {
		t.Errorf("ids not carried: request=%q user=%q", RequestID(detached), UserID(detached))
	}
}

func TestLog_StructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	defer slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	ctx := WithRequestID(context.Background(), "req-abc")
	ctx = WithUserID(ctx, "user-42")
	Log(ctx, "lists.Reconcile",
		slog.String("place_id", "ChIJ123"),
		slog.Int("added", 2),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v\nraw: %s", err, buf.String())
	}

	if entry["audit"] != true {
		t.Errorf("expected audit=true, got %v", entry["audit"])
	}
	if entry["event"] != "lists.Reconcile" {
		t.Errorf("expected event=lists.Reconcile, got %v", entry["event"])
	}
	if entry["request_id"] != "req-abc" {
		t.Errorf("expected request_id=req-abc, got %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Errorf("expected user_id=user-42, got %v", entry["user_id"])
	}
	if added, ok := entry["added"].(float64); !ok || int(added) != 2 {
		t.Errorf("expected added=2, got %v", entry["added"])
	}
}

func TestLog_WithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	defer slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	Log(context.Background(), "photos.BackfillStart")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["event"] != "photos.BackfillStart" {
		t.Errorf("expected event=photos.BackfillStart, got %v", entry["event"])
	}
	if _, ok := entry["request_id"]; ok {
		t.Errorf("expected no request_id field, but got %v", entry["request_id"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Errorf("expected no user_id field, but got %v", entry["user_id"])
	}
}
