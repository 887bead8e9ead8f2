package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "kolabcache-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestFolder creates a folder metadata row and returns it.
func createTestFolder(t *testing.T, db *DB, resource, typ string) *Folder {
	t.Helper()

	folder, err := db.GetOrCreateFolder(resource, typ)
	if err != nil {
		t.Fatalf("failed to create test folder: %v", err)
	}
	return folder
}

func TestCacheTable(t *testing.T) {
	tests := []struct {
		typ  string
		dav  bool
		want string
	}{
		{"event", false, "kolab_cache_event"},
		{"event", true, "kolab_cache_dav_event"},
		{"contact", false, "kolab_cache_contact"},
		{"group", false, "kolab_cache_contact"},
		{"group", true, "kolab_cache_dav_contact"},
		{"task", true, "kolab_cache_dav_task"},
	}
	for _, tt := range tests {
		if got := CacheTable(tt.typ, tt.dav); got != tt.want {
			t.Errorf("CacheTable(%q, %v) = %q, want %q", tt.typ, tt.dav, got, tt.want)
		}
	}
}

func TestGetOrCreateFolder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("creates new folder", func(t *testing.T) {
		f, err := db.GetOrCreateFolder("imap://user@host/Calendar", "event")
		if err != nil {
			t.Fatalf("GetOrCreateFolder failed: %v", err)
		}
		if f.ID == 0 {
			t.Error("expected non-zero folder id")
		}
		if f.SyncLock != 0 {
			t.Errorf("new folder should be unlocked, got synclock=%d", f.SyncLock)
		}
		if f.CTag != "" || f.SyncToken != "" {
			t.Error("new folder should have empty change tokens")
		}
	})

	t.Run("returns existing folder", func(t *testing.T) {
		first, err := db.GetOrCreateFolder("imap://user@host/Tasks", "task")
		if err != nil {
			t.Fatalf("GetOrCreateFolder failed: %v", err)
		}
		second, err := db.GetOrCreateFolder("imap://user@host/Tasks", "task")
		if err != nil {
			t.Fatalf("GetOrCreateFolder failed: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("expected same folder id, got %d and %d", first.ID, second.ID)
		}
	})

	t.Run("same resource different type gets own row", func(t *testing.T) {
		a := createTestFolder(t, db, "imap://user@host/Shared", "event")
		b := createTestFolder(t, db, "imap://user@host/Shared", "task")
		if a.ID == b.ID {
			t.Error("expected distinct folder ids per type")
		}
	})
}

func TestSyncLock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "imap://user@host/Calendar", "event")
	now := time.Now().Unix()

	t.Run("acquire from unlocked", func(t *testing.T) {
		ok, err := db.TryAcquireSyncLock(folder.ID, 0, now)
		if err != nil {
			t.Fatalf("TryAcquireSyncLock failed: %v", err)
		}
		if !ok {
			t.Fatal("expected to acquire lock")
		}
		lock, err := db.ReadSyncLock(folder.ID)
		if err != nil {
			t.Fatalf("ReadSyncLock failed: %v", err)
		}
		if lock != now {
			t.Errorf("expected synclock=%d, got %d", now, lock)
		}
	})

	t.Run("second acquire fails while held", func(t *testing.T) {
		ok, err := db.TryAcquireSyncLock(folder.ID, 0, now+1)
		if err != nil {
			t.Fatalf("TryAcquireSyncLock failed: %v", err)
		}
		if ok {
			t.Error("expected acquisition to fail while lock is held")
		}
	})

	t.Run("stale lock reclaim uses observed value", func(t *testing.T) {
		// Reclaiming must name the stale value it observed so two
		// reclaimers cannot both succeed.
		ok, err := db.TryAcquireSyncLock(folder.ID, now, now+600)
		if err != nil {
			t.Fatalf("TryAcquireSyncLock failed: %v", err)
		}
		if !ok {
			t.Fatal("expected reclaim to succeed")
		}
		ok, err = db.TryAcquireSyncLock(folder.ID, now, now+601)
		if err != nil {
			t.Fatalf("TryAcquireSyncLock failed: %v", err)
		}
		if ok {
			t.Error("second reclaim of the same stale value must fail")
		}
	})

	t.Run("release persists tokens and unlocks", func(t *testing.T) {
		changed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		if err := db.ReleaseSyncLock(folder.ID, "9-100-101", "token-1", changed); err != nil {
			t.Fatalf("ReleaseSyncLock failed: %v", err)
		}
		f, err := db.GetFolderByID(folder.ID)
		if err != nil {
			t.Fatalf("GetFolderByID failed: %v", err)
		}
		if f.SyncLock != 0 {
			t.Errorf("expected unlocked, got synclock=%d", f.SyncLock)
		}
		if f.CTag != "9-100-101" {
			t.Errorf("expected ctag persisted, got %q", f.CTag)
		}
		if f.SyncToken != "token-1" {
			t.Errorf("expected synctoken persisted, got %q", f.SyncToken)
		}
		if !f.Changed.Equal(changed) {
			t.Errorf("expected changed=%v, got %v", changed, f.Changed)
		}
	})

	t.Run("unlock only keeps tokens", func(t *testing.T) {
		ok, err := db.TryAcquireSyncLock(folder.ID, 0, now+700)
		if err != nil || !ok {
			t.Fatalf("reacquire failed: ok=%v err=%v", ok, err)
		}
		if err := db.UnlockOnly(folder.ID); err != nil {
			t.Fatalf("UnlockOnly failed: %v", err)
		}
		f, err := db.GetFolderByID(folder.ID)
		if err != nil {
			t.Fatalf("GetFolderByID failed: %v", err)
		}
		if f.SyncLock != 0 {
			t.Error("expected unlocked")
		}
		if f.CTag != "9-100-101" {
			t.Errorf("tokens must survive an abort unlock, got ctag=%q", f.CTag)
		}
	})
}

func TestRenameFolder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "imap://user@host/Old", "event")
	if err := db.InsertRow("event", false, &Row{FolderID: folder.ID, Msguid: 5, UID: "ev-1", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	if err := db.RenameFolder("imap://user@host/Old", "imap://user@host/New"); err != nil {
		t.Fatalf("RenameFolder failed: %v", err)
	}

	f, err := db.GetOrCreateFolder("imap://user@host/New", "event")
	if err != nil {
		t.Fatalf("GetOrCreateFolder failed: %v", err)
	}
	if f.ID != folder.ID {
		t.Errorf("rename must keep folder id %d, got %d", folder.ID, f.ID)
	}
	if _, err := db.GetRowByMsguid("event", f.ID, 5); err != nil {
		t.Errorf("cached rows must survive a rename: %v", err)
	}

	if err := db.RenameFolder("imap://user@host/Missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown resource, got %v", err)
	}
}

func TestRowRoundtrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "imap://user@host/Calendar", "event")
	changed := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	row := &Row{
		FolderID: folder.ID,
		Msguid:   42,
		UID:      "ev-abc",
		Changed:  changed,
		Data:     []byte(`{"uid":"ev-abc"}`),
		Tags:     " x-has-alarms ",
		Words:    " team meeting ",
		Extra:    map[string]string{"dtstart": "2025-03-10 10:00:00", "dtend": "2025-03-10 11:00:00"},
	}
	if err := db.InsertRow("event", false, row); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	t.Run("get by msguid", func(t *testing.T) {
		got, err := db.GetRowByMsguid("event", folder.ID, 42)
		if err != nil {
			t.Fatalf("GetRowByMsguid failed: %v", err)
		}
		if got.UID != "ev-abc" || string(got.Data) != `{"uid":"ev-abc"}` {
			t.Errorf("unexpected row: %+v", got)
		}
		if !got.Changed.Equal(changed) {
			t.Errorf("expected changed=%v, got %v", changed, got.Changed)
		}
	})

	t.Run("replace on same key", func(t *testing.T) {
		row.Data = []byte(`{"uid":"ev-abc","v":2}`)
		if err := db.InsertRow("event", false, row); err != nil {
			t.Fatalf("InsertRow failed: %v", err)
		}
		got, err := db.GetRowByMsguid("event", folder.ID, 42)
		if err != nil {
			t.Fatalf("GetRowByMsguid failed: %v", err)
		}
		if string(got.Data) != `{"uid":"ev-abc","v":2}` {
			t.Errorf("expected replaced data, got %s", got.Data)
		}
		n, err := db.CountRows("event", false, folder.ID, nil)
		if err != nil {
			t.Fatalf("CountRows failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 row after replace, got %d", n)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := db.GetRowByMsguid("event", folder.ID, 999); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := db.DeleteRowByMsguid("event", folder.ID, 42); err != nil {
			t.Fatalf("DeleteRowByMsguid failed: %v", err)
		}
		if _, err := db.GetRowByMsguid("event", folder.ID, 42); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestGetRowsByUID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "imap://user@host/Calendar", "event")
	for _, msguid := range []uint64{10, 30, 20} {
		err := db.InsertRow("event", false, &Row{FolderID: folder.ID, Msguid: msguid, UID: "dup", Data: []byte(`{}`)})
		if err != nil {
			t.Fatalf("InsertRow failed: %v", err)
		}
	}

	rows, err := db.GetRowsByUID("event", folder.ID, "dup")
	if err != nil {
		t.Fatalf("GetRowsByUID failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Msguid != 30 {
		t.Errorf("expected newest message first, got msguid=%d", rows[0].Msguid)
	}

	msguid, err := db.UIDToMsguid("event", folder.ID, "dup")
	if err != nil {
		t.Fatalf("UIDToMsguid failed: %v", err)
	}
	if msguid != 30 {
		t.Errorf("expected highest msguid 30, got %d", msguid)
	}

	if _, err := db.UIDToMsguid("event", folder.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDavRows(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "https://host/dav/calendars/user/work/", "event")

	rows := []*Row{
		{FolderID: folder.ID, UID: "a", ETag: `"1"`, Data: []byte(`{}`)},
		{FolderID: folder.ID, UID: "b", ETag: `"2"`, Data: []byte(`{}`)},
	}
	for _, r := range rows {
		if err := db.InsertRow("event", true, r); err != nil {
			t.Fatalf("InsertRow failed: %v", err)
		}
	}

	index, err := db.ListDavIndex("event", folder.ID)
	if err != nil {
		t.Fatalf("ListDavIndex failed: %v", err)
	}
	if len(index) != 2 || index["a"] != `"1"` || index["b"] != `"2"` {
		t.Errorf("unexpected index: %v", index)
	}

	got, err := db.GetDavRow("event", folder.ID, "a")
	if err != nil {
		t.Fatalf("GetDavRow failed: %v", err)
	}
	if got.ETag != `"1"` {
		t.Errorf("expected etag %q, got %q", `"1"`, got.ETag)
	}

	if err := db.DeleteDavRow("event", folder.ID, "a"); err != nil {
		t.Fatalf("DeleteDavRow failed: %v", err)
	}
	if _, err := db.GetDavRow("event", folder.ID, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMoveRow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	src := createTestFolder(t, db, "imap://user@host/Calendar", "event")
	dst := createTestFolder(t, db, "imap://user@host/Archive", "event")

	if err := db.InsertRow("event", false, &Row{FolderID: src.ID, Msguid: 7, UID: "ev-1", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	if err := db.MoveRow("event", src.ID, 7, dst.ID, 101); err != nil {
		t.Fatalf("MoveRow failed: %v", err)
	}

	if _, err := db.GetRowByMsguid("event", src.ID, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected row gone from source, got %v", err)
	}
	got, err := db.GetRowByMsguid("event", dst.ID, 101)
	if err != nil {
		t.Fatalf("GetRowByMsguid failed: %v", err)
	}
	if got.UID != "ev-1" {
		t.Errorf("expected uid preserved, got %q", got.UID)
	}

	if err := db.MoveRow("event", src.ID, 7, dst.ID, 102); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing row, got %v", err)
	}
}

func TestBatchInserter(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "imap://user@host/Calendar", "event")

	t.Run("flush writes all buffered rows", func(t *testing.T) {
		b := NewBatchInserter(db, "event", false, 1<<20)
		for i := uint64(1); i <= 10; i++ {
			err := b.Add(&Row{FolderID: folder.ID, Msguid: i, UID: "ev", Data: []byte(`{"n":1}`)})
			if err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
		if err := b.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		n, err := db.CountRows("event", false, folder.ID, nil)
		if err != nil {
			t.Fatalf("CountRows failed: %v", err)
		}
		if n != 10 {
			t.Errorf("expected 10 rows, got %d", n)
		}
	})

	t.Run("byte budget triggers intermediate flush", func(t *testing.T) {
		big := make([]byte, 256)
		for i := range big {
			big[i] = 'x'
		}
		b := NewBatchInserter(db, "event", false, 400)
		for i := uint64(100); i < 110; i++ {
			if err := b.Add(&Row{FolderID: folder.ID, Msguid: i, UID: "big", Data: big}); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
		// Budget forces earlier rows to be written before the final flush.
		n, err := db.CountRows("event", false, folder.ID, Where{}.And("uid", "=", "big"))
		if err != nil {
			t.Fatalf("CountRows failed: %v", err)
		}
		if n == 0 {
			t.Error("expected intermediate flushes before final Flush")
		}
		if err := b.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		n, err = db.CountRows("event", false, folder.ID, Where{}.And("uid", "=", "big"))
		if err != nil {
			t.Fatalf("CountRows failed: %v", err)
		}
		if n != 10 {
			t.Errorf("expected 10 rows, got %d", n)
		}
	})

	t.Run("empty flush is a no-op", func(t *testing.T) {
		b := NewBatchInserter(db, "event", false, 0)
		if err := b.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	})
}

func TestPurgeRows(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	folder := createTestFolder(t, db, "imap://user@host/Calendar", "event")
	other := createTestFolder(t, db, "imap://user@host/Other", "event")

	for i := uint64(1); i <= 3; i++ {
		if err := db.InsertRow("event", false, &Row{FolderID: folder.ID, Msguid: i, UID: "a", Data: []byte(`{}`)}); err != nil {
			t.Fatalf("InsertRow failed: %v", err)
		}
	}
	if err := db.InsertRow("event", false, &Row{FolderID: other.ID, Msguid: 1, UID: "b", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	if err := db.PurgeRows("event", false, folder.ID); err != nil {
		t.Fatalf("PurgeRows failed: %v", err)
	}

	n, err := db.CountRows("event", false, folder.ID, nil)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected purged folder empty, got %d rows", n)
	}
	n, err = db.CountRows("event", false, other.ID, nil)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purge must not touch other folders, got %d rows", n)
	}
}
