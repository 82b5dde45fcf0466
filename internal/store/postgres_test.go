package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"impersonation-detector/internal/models"
)

func TestBuildFindByTargetDefaults(t *testing.T) {
	query, args := buildFindByTarget("acct-1", models.DetectionFilter{})
	if !strings.HasSuffix(query, "WHERE target_account_id = $1 ORDER BY created_at DESC LIMIT $2") {
		t.Fatalf("unexpected query: %s", query)
	}
	if len(args) != 2 || args[0] != "acct-1" || args[1] != defaultFindLimit {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildFindByTargetFilters(t *testing.T) {
	reviewed := false
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildFindByTarget("acct-1", models.DetectionFilter{
		Action:   models.ActionFlagHigh,
		Reviewed: &reviewed,
		Since:    since,
		MinScore: 0.6,
		Limit:    25,
	})

	want := "WHERE target_account_id = $1 AND action = $2 AND reviewed = $3 AND created_at >= $4 AND score >= $5 ORDER BY created_at DESC LIMIT $6"
	if !strings.HasSuffix(query, want) {
		t.Fatalf("unexpected query:\n%s\nwant suffix:\n%s", query, want)
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %v", args)
	}
	if args[1] != "flag_high" || args[2] != false || args[3] != since || args[4] != 0.6 || args[5] != 25 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildFindByTargetCapsLimit(t *testing.T) {
	_, args := buildFindByTarget("acct-1", models.DetectionFilter{Limit: 50_000})
	if args[len(args)-1] != defaultFindLimit {
		t.Fatalf("expected oversized limit to fall back to default, got %v", args[len(args)-1])
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name() >= entries[i].Name() {
			t.Fatalf("migrations not ordered: %s before %s", entries[i-1].Name(), entries[i].Name())
		}
	}
	content, _ := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	if !strings.Contains(string(content), "detection_events") {
		t.Fatalf("first migration should create detection_events")
	}
}

func TestMalformedDetectionIDIsNotFound(t *testing.T) {
	s := &Store{}
	if err := s.MarkReviewed(context.Background(), "not-a-uuid", models.ActionIgnore, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkReviewed: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetDetection(context.Background(), "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDetection: expected ErrNotFound, got %v", err)
	}
}
