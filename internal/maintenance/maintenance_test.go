package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperjump/kaiwa/internal/storage"
)

// fakeStore records the orphan operations Service drives. Only the methods
// maintenance uses are implemented; the backfill SQL itself is covered by the
// storage tests.
type fakeStore struct {
	storage.Storage

	orphans    int64
	backfills  int64
	expired    int64
	deleted    int64
	deleteErr  error
	deleteRuns int
}

func (f *fakeStore) BackfillOrphanBindings(ctx context.Context) (int64, error) {
	n := f.backfills
	f.orphans -= n
	f.backfills = 0
	return n, nil
}

func (f *fakeStore) CountOrphans(ctx context.Context) (int64, error) {
	return f.orphans, nil
}

func (f *fakeStore) CountOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.expired, nil
}

func (f *fakeStore) DeleteOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.deleteRuns++
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	n := f.expired
	f.deleted += n
	f.expired = 0
	f.orphans -= n
	return n, nil
}

func TestMigrateReportsBackfilledAndRemaining(t *testing.T) {
	store := &fakeStore{orphans: 5, backfills: 3}
	svc := NewService(store, time.Hour)

	report, err := svc.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if report.Backfilled != 3 {
		t.Errorf("Backfilled = %d, want 3", report.Backfilled)
	}
	if report.StillOrphan != 2 {
		t.Errorf("StillOrphan = %d, want 2", report.StillOrphan)
	}
}

func TestCleanupDryRunDeletesNothing(t *testing.T) {
	store := &fakeStore{expired: 4}
	svc := NewService(store, time.Hour)

	report, err := svc.Cleanup(context.Background(), true)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !report.DryRun || report.Candidates != 4 || report.Deleted != 0 {
		t.Errorf("dry run report = %+v", report)
	}
	if store.deleteRuns != 0 {
		t.Errorf("dry run invoked delete %d times", store.deleteRuns)
	}
}

func TestCleanupDeletesExpiredOrphans(t *testing.T) {
	store := &fakeStore{expired: 4, orphans: 6}
	svc := NewService(store, time.Hour)

	report, err := svc.Cleanup(context.Background(), false)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if report.Candidates != 4 || report.Deleted != 4 {
		t.Errorf("report = %+v, want 4 candidates and 4 deleted", report)
	}
	if store.orphans != 2 {
		t.Errorf("orphans remaining = %d, want the 2 inside retention", store.orphans)
	}
}

func TestCleanupSkipsDeleteWhenNoCandidates(t *testing.T) {
	store := &fakeStore{expired: 0}
	svc := NewService(store, time.Hour)

	report, err := svc.Cleanup(context.Background(), false)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if report.Candidates != 0 || report.Deleted != 0 {
		t.Errorf("report = %+v", report)
	}
	if store.deleteRuns != 0 {
		t.Errorf("delete invoked with zero candidates")
	}
}

func TestCleanupPropagatesDeleteError(t *testing.T) {
	store := &fakeStore{expired: 2, deleteErr: errors.New("disk full")}
	svc := NewService(store, time.Hour)

	if _, err := svc.Cleanup(context.Background(), false); err == nil {
		t.Fatal("expected delete error to propagate")
	}
}

func TestRetentionCutoff(t *testing.T) {
	store := &cutoffStore{}
	svc := NewService(store, 30*24*time.Hour)

	if _, err := svc.Cleanup(context.Background(), false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if diff := store.cutoff.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", store.cutoff, wantCutoff)
	}
}

type cutoffStore struct {
	storage.Storage
	cutoff time.Time
}

func (c *cutoffStore) CountOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	c.cutoff = cutoff
	return 0, nil
}
