package litedelta_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/internal"
	"github.com/superfly/litedelta/internal/testingutil"
	"github.com/superfly/litedelta/mock"
	"golang.org/x/sync/errgroup"
)

func TestBackupManager_BeginBackup(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		path := testingutil.CreateDB(t, 4096)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
		for pgno := uint32(1); pgno <= 3; pgno++ {
			testingutil.MustWritePage(t, db, pgno, 'a')
		}

		if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}

		status := mustStatus(t, db)
		if got, want := status.State, litedelta.BackupStateStalled; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if got, want := status.SCN, uint32(1); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		} else if got, want := status.DeltaPath, path+litedelta.DeltaFileSuffix; got != want {
			t.Fatalf("delta=%s, want %s", got, want)
		} else if got, want := status.PageCount, uint32(4); got != want {
			t.Fatalf("page count=%d, want %d", got, want)
		} else if _, err := uuid.Parse(status.SessionID); err != nil {
			t.Fatalf("invalid session id: %q", status.SessionID)
		}

		// Writes made before the backup began are in the primary file.
		if got, want := readRawPage(t, path, 4096, 3)[4], byte('a'); got != want {
			t.Fatalf("primary=%c, want %c", got, want)
		}

		// Writes are redirected while stalled.
		testingutil.MustWritePage(t, db, 2, 'b')
		if err := db.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}

		if idx, err := db.FindPageIndex(context.Background(), 2); err != nil {
			t.Fatal(err)
		} else if idx == 0 {
			t.Fatal("expected page to be redirected")
		}
		if got, want := readRawPage(t, path, 4096, 2)[4], byte('a'); got != want {
			t.Fatalf("primary=%c, want %c", got, want)
		}
		if got, want := testingutil.MustReadPageByte(t, db, 2), byte('b'); got != want {
			t.Fatalf("page=%c, want %c", got, want)
		}
		if got, want := mustStatus(t, db).RedirectedN, 1; got != want {
			t.Fatalf("redirected=%d, want %d", got, want)
		}
	})

	t.Run("AlreadyStalled", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)

		for i := 0; i < 2; i++ {
			if err := db.BeginBackup(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		if got, want := mustStatus(t, db).SCN, uint32(1); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
	})

	// Only one of several concurrent attachments performs the transition.
	t.Run("Concurrent", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		lt := litedelta.NewLockTable()

		dbs := make([]*litedelta.DB, 4)
		for i := range dbs {
			dbs[i] = testingutil.OpenDB(t, lt, "s"+string(rune('0'+i)), path, noCache)
		}

		var g errgroup.Group
		for _, db := range dbs {
			db := db
			g.Go(func() error { return db.BeginBackup(context.Background()) })
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		for _, db := range dbs {
			status := mustStatus(t, db)
			if got, want := status.State, litedelta.BackupStateStalled; got != want {
				t.Fatalf("state=%s, want %s", got, want)
			} else if got, want := status.SCN, uint32(1); got != want {
				t.Fatalf("scn=%d, want %d", got, want)
			}
		}
	})

	t.Run("ErrRawDeviceNoDelta", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)

		fsys := mock.NewOS()
		fsys.StatFunc = func(op, name string) (os.FileInfo, error) {
			fi, err := fsys.Underlying.Stat(op, name)
			if err != nil || name != path {
				return fi, err
			}
			return &mock.FileInfo{FileInfo: fi, ModeValue: fi.Mode() | os.ModeDevice}, nil
		}

		db := openDBWithOS(t, litedelta.NewLockTable().Session("s0"), path, fsys, nil)
		if err := db.BeginBackup(context.Background()); err != litedelta.ErrRawDeviceNoDelta {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := mustStatus(t, db).State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected no delta file: %v", err)
		}

		// An explicit delta file allows a backup of a raw device.
		deltaPath := filepath.Join(t.TempDir(), "explicit.delta")
		if err := db.SetDeltaFile(context.Background(), deltaPath); err != nil {
			t.Fatal(err)
		} else if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		} else if _, err := os.Stat(deltaPath); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrCryptInProgress", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
		db.BackupManager().CryptRunning = func() bool { return true }

		if err := db.BeginBackup(context.Background()); err != litedelta.ErrCryptInProgress {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := mustStatus(t, db).SCN, uint32(0); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
	})

	t.Run("ErrDeltaCreate", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		fsys := mock.NewOS()
		fsys.OpenFileFunc = func(op, name string, flag int, perm os.FileMode) (*os.File, error) {
			if op == "CREATEDELTA" {
				return nil, errors.New("marker")
			}
			return fsys.Underlying.OpenFile(op, name, flag, perm)
		}

		db := openDBWithOS(t, litedelta.NewLockTable().Session("s0"), path, fsys, nil)
		if err := db.BeginBackup(context.Background()); err == nil || err.Error() != "create delta file: marker" {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := mustStatus(t, db).State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
	})

	t.Run("ErrFlush", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		mgr := litedelta.NewBackupManager("db", path, &internal.SystemOS{}, litedelta.NewLockTable().Session("s0"), nil)
		if err := mgr.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer func() { _ = mgr.Close(context.Background()) }()

		var scope litedelta.FlushScope
		mgr.SetPageCache(&mock.PageCache{
			FlushFunc: func(ctx context.Context, s litedelta.FlushScope) error {
				scope = s
				return errors.New("marker")
			},
		})

		if err := mgr.BeginBackup(context.Background()); err == nil || err.Error() != "flush: marker" {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := scope, litedelta.FlushAll; got != want {
			t.Fatalf("scope=%v, want %v", got, want)
		}

		if status, err := mgr.Status(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
		if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected no delta file: %v", err)
		}
	})

	t.Run("ErrLockAcquire", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		sess := litedelta.NewLockTable().Session("s0")
		lm := newLockManager(sess)
		lm.AcquireFunc = func(ctx context.Context, key string, mode litedelta.LockMode, wait bool) error {
			if mode == litedelta.LockModeExclusive && key == "db/backup-state" {
				return errors.New("marker")
			}
			return sess.Acquire(ctx, key, mode, wait)
		}

		mgr := litedelta.NewBackupManager("db", path, &internal.SystemOS{}, lm, nil)
		if err := mgr.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer func() { _ = mgr.Close(context.Background()) }()

		if err := mgr.BeginBackup(context.Background()); err == nil || err.Error() != "marker" {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := mgr.SCN(), uint32(0); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
	})

	// A failed publish rolls the header back so the database stays usable.
	t.Run("ErrPublish", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		sess := litedelta.NewLockTable().Session("s0")

		var fail atomic.Bool
		fail.Store(true)
		lm := newLockManager(sess)
		lm.WriteValueFunc = func(ctx context.Context, key string, value uint32) error {
			if key == "db/backup-state" && fail.Load() {
				return errors.New("marker")
			}
			return sess.WriteValue(ctx, key, value)
		}

		db := openDBWithOS(t, lm, path, &internal.SystemOS{}, nil)
		if err := db.BeginBackup(context.Background()); err == nil || err.Error() != "publish sequence number: marker" {
			t.Fatalf("unexpected error: %v", err)
		} else if err := db.Damaged(); err != nil {
			t.Fatal(err)
		}

		hdr := readRawHeader(t, path)
		if got, want := hdr.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("on-disk state=%s, want %s", got, want)
		} else if got, want := hdr.SCN, uint32(0); got != want {
			t.Fatalf("on-disk scn=%d, want %d", got, want)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected no delta file: %v", err)
		}

		// Another attachment opens the database normally.
		other := testingutil.OpenDB(t, litedelta.NewLockTable(), "s1", path, nil)
		if got, want := mustStatus(t, other).State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}

		// The backup can be retried once publishing works.
		fail.Store(false)
		if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := mustStatus(t, db).SCN, uint32(1); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
	})
}

func TestBackupManager_EndBackup(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
		for pgno := uint32(1); pgno <= 5; pgno++ {
			testingutil.MustWritePage(t, db, pgno, 'a')
		}

		if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}
		testingutil.MustWritePage(t, db, 2, 'b')
		testingutil.MustWritePage(t, db, 8, 'c') // past end of primary
		if err := db.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}

		chksum, err := db.Checksum(context.Background())
		if err != nil {
			t.Fatal(err)
		}

		if err := db.EndBackup(context.Background(), false); err != nil {
			t.Fatal(err)
		}

		status := mustStatus(t, db)
		if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if got, want := status.SCN, uint32(3); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		} else if got, want := status.SessionID, ""; got != want {
			t.Fatalf("session=%q, want %q", got, want)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected delta file removed: %v", err)
		}

		// Redirected pages are now in the primary file.
		if got, want := readRawPage(t, path, 512, 2)[4], byte('b'); got != want {
			t.Fatalf("primary=%c, want %c", got, want)
		} else if got, want := readRawPage(t, path, 512, 8)[4], byte('c'); got != want {
			t.Fatalf("primary=%c, want %c", got, want)
		} else if got, want := readRawPage(t, path, 512, 1)[4], byte('a'); got != want {
			t.Fatalf("primary=%c, want %c", got, want)
		}

		if other, err := db.Checksum(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := other, chksum; got != want {
			t.Fatalf("checksum=%016x, want %016x", got, want)
		}
	})

	t.Run("Normal", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
		if err := db.EndBackup(context.Background(), false); err != nil {
			t.Fatal(err)
		} else if got, want := mustStatus(t, db).SCN, uint32(0); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
	})

	t.Run("RecoverRemovesStrayDelta", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
		if err := os.WriteFile(path+litedelta.DeltaFileSuffix, []byte("stray"), 0o666); err != nil {
			t.Fatal(err)
		}

		if err := db.EndBackup(context.Background(), true); err != nil {
			t.Fatal(err)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected delta file removed: %v", err)
		}
	})

	// Only one of several concurrent attachments merges.
	t.Run("Concurrent", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		lt := litedelta.NewLockTable()

		dbs := make([]*litedelta.DB, 3)
		for i := range dbs {
			dbs[i] = testingutil.OpenDB(t, lt, "s"+string(rune('0'+i)), path, noCache)
		}
		if err := dbs[0].BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}
		for i, db := range dbs {
			testingutil.MustWritePage(t, db, uint32(i+1), 'x')
			if err := db.Flush(context.Background()); err != nil {
				t.Fatal(err)
			}
		}

		var g errgroup.Group
		for _, db := range dbs {
			db := db
			g.Go(func() error { return db.EndBackup(context.Background(), false) })
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		for _, db := range dbs {
			status := mustStatus(t, db)
			if got, want := status.State, litedelta.BackupStateNormal; got != want {
				t.Fatalf("state=%s, want %s", got, want)
			} else if got, want := status.SCN, uint32(3); got != want {
				t.Fatalf("scn=%d, want %d", got, want)
			}
		}
		for pgno := uint32(1); pgno <= 3; pgno++ {
			if got, want := readRawPage(t, path, 512, pgno)[4], byte('x'); got != want {
				t.Fatalf("primary[%d]=%c, want %c", pgno, got, want)
			}
		}
	})

	// Calls made while a merge is running return without waiting for it.
	t.Run("ConcurrentNoWait", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		lt := litedelta.NewLockTable()
		mgr0 := openBackupManager(t, lt.Session("s0"), path)
		mgr1 := openBackupManager(t, lt.Session("s1"), path)

		if err := mgr0.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		} else if _, err := mgr0.AllocateDifferencePage(context.Background(), 1); err != nil {
			t.Fatal(err)
		}

		// Hold the merge inside its first page fetch.
		fetched, release := make(chan struct{}), make(chan struct{})
		mgr0.SetPageCache(&mock.PageCache{
			FetchPageFunc: func(ctx context.Context, pgno uint32, mode litedelta.LockMode) (*litedelta.Page, error) {
				close(fetched)
				<-release
				return &litedelta.Page{Pgno: pgno, Data: make([]byte, 512)}, nil
			},
			ReleasePageFunc:     func(p *litedelta.Page) {},
			MarkMustRewriteFunc: func(p *litedelta.Page) {},
			FlushFunc:           func(ctx context.Context, scope litedelta.FlushScope) error { return nil },
		})

		errCh := make(chan error, 1)
		go func() { errCh <- mgr0.EndBackup(context.Background(), false) }()
		select {
		case <-fetched:
		case err := <-errCh:
			t.Fatalf("merge finished without fetching: %v", err)
		}

		var g errgroup.Group
		for _, mgr := range []*litedelta.BackupManager{mgr0, mgr1} {
			mgr := mgr
			g.Go(func() error { return mgr.EndBackup(context.Background(), false) })
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				close(release)
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			close(release)
			t.Fatal("end backup waited for the running merge")
		}

		// The merge is still running.
		if status, err := mgr1.Status(context.Background()); err != nil {
			close(release)
			t.Fatal(err)
		} else if got, want := status.State, litedelta.BackupStateMerge; got != want {
			close(release)
			t.Fatalf("state=%s, want %s", got, want)
		}

		close(release)
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
		if status, err := mgr0.Status(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if got, want := status.SCN, uint32(3); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
	})

	// A failed publish of the final transition leaves the merge resumable.
	t.Run("ErrPublish", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		sess := litedelta.NewLockTable().Session("s0")

		var fail atomic.Bool
		fail.Store(true)
		lm := newLockManager(sess)
		lm.WriteValueFunc = func(ctx context.Context, key string, value uint32) error {
			if key == "db/backup-state" && value == 3 && fail.Load() {
				return errors.New("marker")
			}
			return sess.WriteValue(ctx, key, value)
		}

		db := openDBWithOS(t, lm, path, &internal.SystemOS{}, nil)
		if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}
		testingutil.MustWritePage(t, db, 2, 'b')
		if err := db.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}

		if err := db.EndBackup(context.Background(), false); err == nil || err.Error() != "publish sequence number: marker" {
			t.Fatalf("unexpected error: %v", err)
		} else if err := db.Damaged(); err != nil {
			t.Fatal(err)
		}

		hdr := readRawHeader(t, path)
		if got, want := hdr.State, litedelta.BackupStateMerge; got != want {
			t.Fatalf("on-disk state=%s, want %s", got, want)
		} else if got, want := hdr.SCN, uint32(2); got != want {
			t.Fatalf("on-disk scn=%d, want %d", got, want)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); err != nil {
			t.Fatalf("expected delta file: %v", err)
		} else if got, want := mustStatus(t, db).State, litedelta.BackupStateMerge; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}

		fail.Store(false)
		if err := db.EndBackup(context.Background(), false); err != nil {
			t.Fatal(err)
		}

		status := mustStatus(t, db)
		if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if got, want := status.SCN, uint32(3); got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		} else if got, want := readRawPage(t, path, 512, 2)[4], byte('b'); got != want {
			t.Fatalf("primary=%c, want %c", got, want)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected delta file removed: %v", err)
		}
	})

	// Every cycle advances the sequence number once per transition.
	t.Run("Cycles", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, func(db *litedelta.DB) {
			db.MergeBatchSize = 2
		})

		for i := 0; i < 3; i++ {
			if err := db.BeginBackup(context.Background()); err != nil {
				t.Fatal(err)
			}
			for pgno := uint32(1); pgno <= 5; pgno++ {
				testingutil.MustWritePage(t, db, pgno, byte('a'+i))
			}
			if err := db.Flush(context.Background()); err != nil {
				t.Fatal(err)
			} else if err := db.EndBackup(context.Background(), false); err != nil {
				t.Fatal(err)
			}

			if got, want := mustStatus(t, db).SCN, uint32(3*(i+1)); got != want {
				t.Fatalf("scn=%d, want %d", got, want)
			}
			if got, want := readRawPage(t, path, 512, 5)[4], byte('a'+i); got != want {
				t.Fatalf("primary=%c, want %c", got, want)
			}
		}
	})
}

// Ensure ordinary reads & writes during a merge see the newest copy of a page.
func TestBackupManager_MergeState(t *testing.T) {
	path := testingutil.CreateDB(t, 512)

	crashed := openAbandonedDB(t, path)
	for pgno := uint32(1); pgno <= 6; pgno++ {
		testingutil.MustWritePage(t, crashed, pgno, 'a')
	}
	if err := crashed.BeginBackup(context.Background()); err != nil {
		t.Fatal(err)
	}
	for pgno := uint32(1); pgno <= 4; pgno++ {
		testingutil.MustWritePage(t, crashed, pgno, 'm')
	}
	if err := crashed.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	scn := forceMergeState(t, path)

	db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s1", path, noCache)
	if got, want := mustStatus(t, db).State, litedelta.BackupStateMerge; got != want {
		t.Fatalf("state=%s, want %s", got, want)
	}

	// Writes go to the primary file stamped with the merge sequence number.
	testingutil.MustWritePage(t, db, 2, 'z')
	testingutil.MustWritePage(t, db, 5, 'y')
	if err := db.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if page := readRawPage(t, path, 512, 2); page[4] != 'z' || litedelta.PageSCN(page) != scn {
		t.Fatalf("primary=%c scn=%d, want z scn=%d", page[4], litedelta.PageSCN(page), scn)
	} else if got, want := readRawPage(t, path, 512, 1)[4], byte('a'); got != want {
		t.Fatalf("primary=%c, want %c", got, want)
	}

	// Repeat reads so misses are answered from the validated table.
	for i := 0; i < 2; i++ {
		for pgno, want := range map[uint32]byte{1: 'm', 2: 'z', 3: 'm', 4: 'm', 5: 'y', 6: 'a'} {
			if got := testingutil.MustReadPageByte(t, db, pgno); got != want {
				t.Fatalf("page[%d]=%c, want %c", pgno, got, want)
			}
		}
	}
	if idx, err := db.FindPageIndex(context.Background(), 6); err != nil {
		t.Fatal(err)
	} else if idx != 0 {
		t.Fatalf("idx=%d, want 0", idx)
	}
	if idx, err := db.FindPageIndex(context.Background(), 1); err != nil {
		t.Fatal(err)
	} else if idx == 0 {
		t.Fatal("expected page to be redirected")
	}

	if err := db.EndBackup(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if got, want := mustStatus(t, db).SCN, scn+1; got != want {
		t.Fatalf("scn=%d, want %d", got, want)
	}
	for pgno, want := range map[uint32]byte{1: 'm', 2: 'z', 3: 'm', 4: 'm', 5: 'y', 6: 'a'} {
		if got := readRawPage(t, path, 512, pgno)[4]; got != want {
			t.Fatalf("primary[%d]=%c, want %c", pgno, got, want)
		}
	}
}

// Ensure a backup abandoned by a crashed process is completed by a new attachment.
func TestBackupManager_Recover(t *testing.T) {
	t.Run("Stalled", func(t *testing.T) {
		path := testingutil.CreateDB(t, 4096)

		crashed := openAbandonedDB(t, path)
		for pgno := uint32(1); pgno < 100; pgno++ {
			testingutil.MustWritePage(t, crashed, pgno, 'a')
		}
		if err := crashed.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}
		for pgno := uint32(10); pgno < 20; pgno++ {
			testingutil.MustWritePage(t, crashed, pgno, 'b')
		}
		if err := crashed.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
		prevSCN := mustStatus(t, crashed).SCN

		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s1", path, nil)
		if got, want := mustStatus(t, db).State, litedelta.BackupStateStalled; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if got, want := testingutil.MustReadPageByte(t, db, 15), byte('b'); got != want {
			t.Fatalf("page=%c, want %c", got, want)
		}

		if err := db.EndBackup(context.Background(), true); err != nil {
			t.Fatal(err)
		}

		status := mustStatus(t, db)
		if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if status.SCN <= prevSCN {
			t.Fatalf("scn=%d, want greater than %d", status.SCN, prevSCN)
		} else if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
			t.Fatalf("expected delta file removed: %v", err)
		}

		for pgno := uint32(1); pgno < 100; pgno++ {
			want := byte('a')
			if pgno >= 10 && pgno < 20 {
				want = 'b'
			}
			if got := readRawPage(t, path, 4096, pgno)[4]; got != want {
				t.Fatalf("primary[%d]=%c, want %c", pgno, got, want)
			}
		}
	})

	t.Run("Merge", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)

		crashed := openAbandonedDB(t, path)
		if err := crashed.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}
		for pgno := uint32(1); pgno <= 4; pgno++ {
			testingutil.MustWritePage(t, crashed, pgno, 'm')
		}
		if err := crashed.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}

		// Simulate a crash after the merge began & one page was rewritten.
		scn := forceMergeState(t, path)
		page := testingutil.PageData(512, 'm')
		litedelta.SetPageSCN(page, scn)
		writeRawPage(t, path, 2, page)

		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s1", path, nil)
		if got, want := mustStatus(t, db).State, litedelta.BackupStateMerge; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
		if err := db.EndBackup(context.Background(), true); err != nil {
			t.Fatal(err)
		}

		status := mustStatus(t, db)
		if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		} else if got, want := status.SCN, scn+1; got != want {
			t.Fatalf("scn=%d, want %d", got, want)
		}
		for pgno := uint32(1); pgno <= 4; pgno++ {
			if got, want := readRawPage(t, path, 512, pgno)[4], byte('m'); got != want {
				t.Fatalf("primary[%d]=%c, want %c", pgno, got, want)
			}
		}
	})

	t.Run("ShadowHeader", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		shadowPath := filepath.Join(t.TempDir(), "shadow")
		setShadow := func(db *litedelta.DB) { db.ShadowPath = shadowPath }

		db0 := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, setShadow)
		if err := db0.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}

		// Destroy the header in the primary file.
		if f, err := os.OpenFile(path, os.O_RDWR, 0o666); err != nil {
			t.Fatal(err)
		} else if _, err := f.WriteAt(make([]byte, 512), 0); err != nil {
			t.Fatal(err)
		} else if err := f.Close(); err != nil {
			t.Fatal(err)
		}

		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s1", path, setShadow)
		if got, want := mustStatus(t, db).State, litedelta.BackupStateStalled; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
	})
}

// Ensure attachments sharing a lock table observe each other's redirected writes.
func TestBackupManager_MultipleAttachments(t *testing.T) {
	path := testingutil.CreateDB(t, 512)
	lt := litedelta.NewLockTable()
	db0 := testingutil.OpenDB(t, lt, "s0", path, noCache)
	db1 := testingutil.OpenDB(t, lt, "s1", path, noCache)

	if err := db0.BeginBackup(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Both attachments redirect distinct pages concurrently.
	var g errgroup.Group
	for i, db := range []*litedelta.DB{db0, db1} {
		i, db := i, db
		g.Go(func() error {
			for pgno := uint32(1 + i); pgno <= 200; pgno += 2 {
				if err := db.WritePage(context.Background(), pgno, testingutil.PageData(512, byte('a'+i))); err != nil {
					return err
				} else if err := db.Flush(context.Background()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for _, db := range []*litedelta.DB{db0, db1} {
		for pgno := uint32(1); pgno <= 200; pgno++ {
			want := byte('a' + (pgno-1)%2)
			if got := testingutil.MustReadPageByte(t, db, pgno); got != want {
				t.Fatalf("page[%d]=%c, want %c", pgno, got, want)
			}
		}
	}
	if got, want := mustStatus(t, db1).RedirectedN, 200; got != want {
		t.Fatalf("redirected=%d, want %d", got, want)
	}

	if err := db1.EndBackup(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if got, want := mustStatus(t, db0).State, litedelta.BackupStateNormal; got != want {
		t.Fatalf("state=%s, want %s", got, want)
	}
	for pgno := uint32(1); pgno <= 200; pgno++ {
		if got, want := readRawPage(t, path, 512, pgno)[4], byte('a'+(pgno-1)%2); got != want {
			t.Fatalf("primary[%d]=%c, want %c", pgno, got, want)
		}
	}
}

func TestBackupManager_SetDeltaFile(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)

		deltaPath := filepath.Join(t.TempDir(), "other.delta")
		if err := db.SetDeltaFile(context.Background(), deltaPath); err != nil {
			t.Fatal(err)
		} else if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := mustStatus(t, db).DeltaPath, deltaPath; got != want {
			t.Fatalf("delta=%s, want %s", got, want)
		}

		// The path is persisted in the header.
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if hdr, err := litedelta.ReadHeader(f); err != nil {
			t.Fatal(err)
		} else if got, want := hdr.DeltaPath, deltaPath; got != want {
			t.Fatalf("header delta=%s, want %s", got, want)
		}
	})

	t.Run("ErrBackupActive", func(t *testing.T) {
		path := testingutil.CreateDB(t, 512)
		db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
		if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		} else if err := db.SetDeltaFile(context.Background(), "x"); err != litedelta.ErrBackupActive {
			t.Fatalf("unexpected error: %v", err)
		} else if err := db.ClearDeltaFile(context.Background()); err != litedelta.ErrBackupActive {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestBackupManager_AllocateDifferencePage(t *testing.T) {
	path := testingutil.CreateDB(t, 512)
	db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
	mgr := db.BackupManager()

	if _, err := mgr.AllocateDifferencePage(context.Background(), 1); err == nil {
		t.Fatal("expected error in normal state")
	}

	if err := db.BeginBackup(context.Background()); err != nil {
		t.Fatal(err)
	}
	idx, err := mgr.AllocateDifferencePage(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	} else if got, want := idx, uint32(1); got != want {
		t.Fatalf("idx=%d, want %d", got, want)
	}

	// Allocating the same page returns the existing difference page.
	if other, err := mgr.AllocateDifferencePage(context.Background(), 7); err != nil {
		t.Fatal(err)
	} else if got, want := other, idx; got != want {
		t.Fatalf("idx=%d, want %d", got, want)
	}
}

// Ensure an inconsistent allocation index marks the database as damaged.
func TestBackupManager_Damaged(t *testing.T) {
	path := testingutil.CreateDB(t, 512)
	lt := litedelta.NewLockTable()
	db0 := testingutil.OpenDB(t, lt, "s0", path, noCache)
	if err := db0.BeginBackup(context.Background()); err != nil {
		t.Fatal(err)
	}

	d, err := litedelta.OpenDeltaFile(&internal.SystemOS{}, path+litedelta.DeltaFileSuffix, 512, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Extend(3); err != nil {
		t.Fatal(err)
	} else if err := d.WritePointerPage(0, []uint32{4, 4}); err != nil {
		t.Fatal(err)
	}

	db1 := testingutil.OpenDB(t, lt, "s1", path, noCache)
	if _, err := db1.ReadPage(context.Background(), 4); !errors.Is(err, litedelta.ErrDatabaseDamaged) {
		t.Fatalf("unexpected error: %v", err)
	} else if err := db1.Damaged(); !errors.Is(err, litedelta.ErrDatabaseDamaged) {
		t.Fatalf("unexpected error: %v", err)
	} else if err := db1.EndBackup(context.Background(), false); !errors.Is(err, litedelta.ErrDatabaseDamaged) {
		t.Fatalf("unexpected error: %v", err)
	}
	if status := mustStatus(t, db1); !status.Damaged {
		t.Fatal("expected damaged status")
	}
}

func TestBackupManager_Rekey(t *testing.T) {
	path := testingutil.CreateDB(t, 512)
	db := testingutil.OpenDB(t, litedelta.NewLockTable(), "s0", path, nil)
	for pgno := uint32(1); pgno <= 3; pgno++ {
		testingutil.MustWritePage(t, db, pgno, 'k')
	}
	if err := db.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	transform, err := litedelta.NewChaChaTransform(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	} else if err := db.Rekey(context.Background(), transform); err != nil {
		t.Fatal(err)
	}

	// Pages are encoded on disk but decode through the new transform.
	if raw := readRawPage(t, path, 512, 2); bytes.Equal(raw[litedelta.PageSCNSize:], testingutil.PageData(512, 'k')[litedelta.PageSCNSize:]) {
		t.Fatal("expected encoded page")
	}
	if err := db.BeginBackup(context.Background()); err != nil {
		t.Fatal(err)
	}
	testingutil.MustWritePage(t, db, 2, 'z')
	if err := db.Flush(context.Background()); err != nil {
		t.Fatal(err)
	} else if err := db.EndBackup(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 512)
	if err := transform.DecodePage(2, buf, readRawPage(t, path, 512, 2)); err != nil {
		t.Fatal(err)
	} else if got, want := buf[4], byte('z'); got != want {
		t.Fatalf("page=%c, want %c", got, want)
	}
}

func noCache(db *litedelta.DB) { db.CacheSize = 0 }

// newLockManager returns a mock that passes every call through to sess so
// tests can replace individual calls.
func newLockManager(sess *litedelta.LockTableSession) *mock.LockManager {
	return &mock.LockManager{
		CloseFunc:      sess.Close,
		AcquireFunc:    sess.Acquire,
		ReleaseFunc:    sess.Release,
		ReadValueFunc:  sess.ReadValue,
		WriteValueFunc: sess.WriteValue,
		WatchFunc:      sess.Watch,
	}
}

// readRawHeader reads the header directly from the primary file.
func readRawHeader(tb testing.TB, path string) *litedelta.Header {
	tb.Helper()

	f, err := os.Open(path)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	hdr, err := litedelta.ReadHeader(f)
	if err != nil {
		tb.Fatal(err)
	}
	return hdr
}

func mustStatus(tb testing.TB, db *litedelta.DB) *litedelta.BackupStatus {
	tb.Helper()
	status, err := db.Status(context.Background())
	if err != nil {
		tb.Fatal(err)
	}
	return status
}

// openAbandonedDB opens an attachment that is never closed, as if its
// process crashed.
func openAbandonedDB(tb testing.TB, path string) *litedelta.DB {
	tb.Helper()
	db := litedelta.NewDB("db", path, &internal.SystemOS{}, litedelta.NewLockTable().Session("crashed"))
	if err := db.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}
	return db
}

func openBackupManager(tb testing.TB, lm litedelta.LockManager, path string) *litedelta.BackupManager {
	tb.Helper()
	mgr := litedelta.NewBackupManager("db", path, &internal.SystemOS{}, lm, nil)
	if err := mgr.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

func openDBWithOS(tb testing.TB, lm litedelta.LockManager, path string, fsys litedelta.OS, fn func(*litedelta.DB)) *litedelta.DB {
	tb.Helper()
	db := litedelta.NewDB("db", path, fsys, lm)
	if fn != nil {
		fn(db)
	}
	if err := db.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

// forceMergeState rewrites the header as if a merge began and the process
// crashed. Returns the merge sequence number.
func forceMergeState(tb testing.TB, path string) uint32 {
	tb.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	hdr, err := litedelta.ReadHeader(f)
	if err != nil {
		tb.Fatal(err)
	}
	hdr.State, hdr.SCN = litedelta.BackupStateMerge, hdr.SCN+1
	if err := litedelta.WriteHeader(f, hdr); err != nil {
		tb.Fatal(err)
	} else if err := f.Sync(); err != nil {
		tb.Fatal(err)
	}
	return hdr.SCN
}

// writeRawPage writes a page directly to a file without encoding.
func writeRawPage(tb testing.TB, path string, pgno uint32, data []byte) {
	tb.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(pgno)*int64(len(data))); err != nil {
		tb.Fatal(err)
	}
}

// readRawPage reads a page directly from a file without decoding.
func readRawPage(tb testing.TB, path string, pageSize, pgno uint32) []byte {
	tb.Helper()

	f, err := os.Open(path)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, pageSize)
	if _, err := internal.ReadFullAt(f, buf, int64(pgno)*int64(pageSize)); err != nil {
		tb.Fatal(err)
	}
	return buf
}
