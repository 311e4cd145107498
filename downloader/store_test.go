package downloader

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "state", "test.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func storeEntry(id, name string, size int64) internal.ManifestEntry {
	return internal.ManifestEntry{ID: id, DisplayName: name, RelPath: name, Size: size}
}

func TestEnsureJobIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureJob(ctx, "list.wabbajack", "/downloads")
	if err != nil {
		t.Fatalf("EnsureJob() error = %v", err)
	}
	second, err := store.EnsureJob(ctx, "list.wabbajack", "/downloads")
	if err != nil {
		t.Fatalf("EnsureJob() error = %v", err)
	}
	if first != second {
		t.Errorf("same inputs produced different jobs: %s vs %s", first, second)
	}

	other, err := store.EnsureJob(ctx, "list.wabbajack", "/elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("different destination shares a job id")
	}
}

func TestEnsureRecordCreatesPendingOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID, _ := store.EnsureJob(ctx, "list.wabbajack", "/downloads")

	rec, err := store.EnsureRecord(ctx, jobID, storeEntry("skyrim/1", "a.7z", 100))
	if err != nil {
		t.Fatalf("EnsureRecord() error = %v", err)
	}
	if rec.State != internal.StatePending || rec.BytesWritten != 0 || rec.AttemptCount != 0 {
		t.Errorf("fresh record = %+v", rec)
	}

	rec.State = internal.StateDownloading
	rec.BytesWritten = 42
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}

	again, err := store.EnsureRecord(ctx, jobID, storeEntry("skyrim/1", "a.7z", 100))
	if err != nil {
		t.Fatal(err)
	}
	if again.State != internal.StateDownloading || again.BytesWritten != 42 {
		t.Errorf("existing record not returned: %+v", again)
	}
}

func TestSaveRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID, _ := store.EnsureJob(ctx, "list.wabbajack", "/downloads")

	rec, _ := store.EnsureRecord(ctx, jobID, storeEntry("skyrim/1", "a.7z", 100))
	rec.State = internal.StateFailed
	rec.BytesWritten = 77
	rec.AttemptCount = 3
	rec.LastError = "entry_not_found: gone"
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := store.ListRecords(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	got := records[0]
	if got.State != internal.StateFailed || got.BytesWritten != 77 ||
		got.AttemptCount != 3 || got.LastError != "entry_not_found: gone" {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestSaveRecordUnknownEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID, _ := store.EnsureJob(ctx, "list.wabbajack", "/downloads")

	err := store.SaveRecord(ctx, &internal.DownloadRecord{
		JobID:   jobID,
		EntryID: "skyrim/404",
		State:   internal.StatePending,
	})
	if err == nil {
		t.Error("SaveRecord() = nil for unknown record")
	}
}

func TestListRecordsPreservesInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID, _ := store.EnsureJob(ctx, "list.wabbajack", "/downloads")

	ids := []string{"skyrim/3", "skyrim/1", "skyrim/2"}
	for _, id := range ids {
		if _, err := store.EnsureRecord(ctx, jobID, storeEntry(id, id+".7z", 10)); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.ListRecords(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range records {
		if rec.EntryID != ids[i] {
			t.Errorf("record %d = %s, want %s", i, rec.EntryID, ids[i])
		}
	}
}

func TestDiscardJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID, _ := store.EnsureJob(ctx, "list.wabbajack", "/downloads")
	store.EnsureRecord(ctx, jobID, storeEntry("skyrim/1", "a.7z", 100))

	if err := store.DiscardJob(ctx, jobID); err != nil {
		t.Fatalf("DiscardJob() error = %v", err)
	}

	records, err := store.ListRecords(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("records survived discard: %d", len(records))
	}

	fresh, err := store.EnsureJob(ctx, "list.wabbajack", "/downloads")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == jobID {
		t.Error("discarded job id reused")
	}
}
