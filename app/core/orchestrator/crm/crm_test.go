package crm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"advisor0/app/core/orchestrator/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func TestFindContactByFragment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveContact(ctx, Contact{UserID: "user-1", ContactID: "c1", Name: "Dana Whitfield", Email: "dana@acme.com"}); err != nil {
		t.Fatalf("save contact: %v", err)
	}
	got, err := store.FindContact(ctx, "user-1", "dana")
	if err != nil {
		t.Fatalf("find contact: %v", err)
	}
	if got.ContactID != "c1" {
		t.Fatalf("contact = %+v", got)
	}
	if _, err := store.FindContact(ctx, "user-2", "dana"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user find err = %v, want ErrNotFound", err)
	}
}

func TestRecordEmailBumpsLastInteraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveContact(ctx, Contact{UserID: "user-1", ContactID: "c1", Name: "Dana", Email: "dana@acme.com"}); err != nil {
		t.Fatalf("save contact: %v", err)
	}
	now := time.Now()
	if err := store.RecordEmail(ctx, "user-1", "c1", "Q3 review", "Can we meet", now); err != nil {
		t.Fatalf("record email: %v", err)
	}

	emails, err := store.RecentEmails(ctx, "user-1", "c1", 5)
	if err != nil {
		t.Fatalf("recent emails: %v", err)
	}
	if len(emails) != 1 || emails[0].Subject != "Q3 review" {
		t.Fatalf("emails = %+v", emails)
	}

	inactive, err := store.InactiveContacts(ctx, "user-1", now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("inactive contacts: %v", err)
	}
	if len(inactive) != 0 {
		t.Fatalf("contact with fresh interaction listed as inactive: %+v", inactive)
	}
}

func TestFreeSlotDetectsOverlap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	if _, err := store.SaveCalendarEvent(ctx, CalendarEvent{
		UserID:    "user-1",
		Title:     "Portfolio review",
		StartTime: start.Unix(),
		EndTime:   start.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("save event: %v", err)
	}

	free, err := store.FreeSlot(ctx, "user-1", start.Add(30*time.Minute), start.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("free slot: %v", err)
	}
	if free {
		t.Fatal("overlapping slot reported free")
	}
	free, err = store.FreeSlot(ctx, "user-1", start.Add(2*time.Hour), start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("free slot: %v", err)
	}
	if !free {
		t.Fatal("clear slot reported busy")
	}
}

func TestUpcomingEventsSkipsCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(time.Hour)
	if _, err := store.SaveCalendarEvent(ctx, CalendarEvent{
		UserID: "user-1", Title: "Kept", StartTime: base.Unix(), EndTime: base.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("save event: %v", err)
	}
	if _, err := store.SaveCalendarEvent(ctx, CalendarEvent{
		UserID: "user-1", Title: "Dropped", Status: "cancelled",
		StartTime: base.Add(2 * time.Hour).Unix(), EndTime: base.Add(3 * time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("save cancelled event: %v", err)
	}

	events, err := store.UpcomingEvents(ctx, "user-1", time.Now(), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("upcoming events: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Kept" {
		t.Fatalf("events = %+v", events)
	}
}
