package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jacklau/repocache/internal/pubsub"
	"github.com/jacklau/repocache/internal/repocache"
	"github.com/jacklau/repocache/internal/store"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"sure\n", false},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		if got := confirm(strings.NewReader(tt.input), &out, "Proceed?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if out.String() != "Proceed? [y/N]: " {
			t.Errorf("unexpected prompt %q", out.String())
		}
	}
}

func TestPrintOutcome(t *testing.T) {
	key := store.Key{URL: "https://github.com/acme/api.git", CommitID: "c1"}

	var buf bytes.Buffer
	printOutcome(&buf, &repocache.DeletionOutcome{Key: key})
	if got := buf.String(); got != "Not found: https://github.com/acme/api.git@c1\n" {
		t.Errorf("unexpected not-found output %q", got)
	}

	buf.Reset()
	printOutcome(&buf, &repocache.DeletionOutcome{
		Key:       key,
		Found:     true,
		Workspace: repocache.PhaseResult{OK: true, Absent: true},
		Graph:     repocache.PhaseResult{Err: errors.New("disk full")},
		Metadata:  repocache.PhaseResult{OK: true},
	})
	for _, want := range []string{"Workspace:  already gone", "Graph:      FAILED (disk full)", "Metadata:   removed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestToExportRecord(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	latest := toExportRecord(store.Repository{URL: "u", GraphRootID: 7, CreatedAt: created}, true)
	if latest.CommitID != nil {
		t.Errorf("latest version has commit %q", *latest.CommitID)
	}
	if latest.CreatedAt == nil || !latest.CreatedAt.Equal(created) {
		t.Errorf("unexpected created_at %v", latest.CreatedAt)
	}

	pinned := toExportRecord(store.Repository{URL: "u", CommitID: "abc"}, false)
	if pinned.CommitID == nil || *pinned.CommitID != "abc" || pinned.PathExists {
		t.Errorf("unexpected pinned record %+v", pinned)
	}
	if pinned.CreatedAt != nil {
		t.Error("zero creation time should be omitted")
	}

	var buf bytes.Buffer
	if err := writeExport(&buf, "json", []exportRecord{pinned}); err != nil {
		t.Fatalf("writeExport: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if _, ok := decoded[0]["created_at"]; ok {
		t.Error("created_at should be omitted when unknown")
	}
}

func TestWarnDroppedEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	broker := pubsub.NewBroker[repocache.Event]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker.Subscribe(ctx) // never read

	publish := func() {
		broker.Publish(pubsub.Deleted, repocache.Event{Key: store.Key{URL: "u"}})
	}
	for i := 0; broker.Dropped() == 0; i++ {
		if i > 10000 {
			t.Fatal("broker never dropped an event")
		}
		publish()
	}

	before := broker.Dropped()
	warnDroppedEvents(logger, broker, before)
	if buf.Len() != 0 {
		t.Fatalf("nothing was dropped since %d, got log %q", before, buf.String())
	}

	for range 3 {
		publish()
	}
	warnDroppedEvents(logger, broker, before)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "progress events dropped" || entry["dropped"] != float64(3) {
		t.Errorf("unexpected log entry %v", entry)
	}
}
