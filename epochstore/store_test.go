package epochstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glycerine/flease"
	"github.com/pkg/errors"

	cv "github.com/glycerine/goconvey/convey"
)

func store(t *testing.T, s *FileStore, cellID string, epoch int64) error {
	done := make(chan error, 1)
	s.StoreMasterEpoch(&flease.Message{Type: flease.LEARN, CellID: cellID, MasterEpoch: epoch}, func(err error) {
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("store of cell '%v' never completed", cellID)
	}
	return nil
}

func fetch(t *testing.T, s *FileStore, cellID string) (int64, error) {
	var e int64
	var err error
	called := false
	s.SendMasterEpoch(&flease.Message{Type: flease.LEARN, CellID: cellID}, func(epoch int64, err2 error) {
		e, err, called = epoch, err2, true
	})
	if !called {
		t.Fatalf("SendMasterEpoch did not answer")
	}
	return e, err
}

func Test001_epochs_survive_reopen(t *testing.T) {

	cv.Convey("stored epochs are on disk after the FileStore is closed and reopened, and never go down", t, func() {
		dir := t.TempDir()
		s, err := NewFileStoreInDir(dir)
		panicOn(err)

		e, err := fetch(t, s, "x")
		panicOn(err)
		cv.So(e, cv.ShouldEqual, int64(0))

		panicOn(store(t, s, "x", 3))
		panicOn(store(t, s, "y", 1))
		panicOn(store(t, s, "x", 2)) // lower: ignored, but fine.
		cv.So(s.Epoch("x"), cv.ShouldEqual, int64(3))
		cv.So(s.Saves.Load(), cv.ShouldEqual, int64(2))
		panicOn(s.Close())

		s2, err := NewFileStore(filepath.Join(dir, DefaultFileName))
		panicOn(err)
		defer s2.Close()
		cv.So(s2.Epochs(), cv.ShouldResemble, map[string]int64{"x": 3, "y": 1})
		e, err = fetch(t, s2, "x")
		panicOn(err)
		cv.So(e, cv.ShouldEqual, int64(3))

		// no temp files left behind.
		matches, _ := filepath.Glob(s2.Path() + ".pre_rename.*")
		cv.So(len(matches), cv.ShouldEqual, 0)
	})
}

func Test002_corrupt_file_is_refused(t *testing.T) {

	cv.Convey("a flipped byte fails the blake3 check and NewFileStore returns ErrCorrupt", t, func() {
		dir := t.TempDir()
		s, err := NewFileStoreInDir(dir)
		panicOn(err)
		panicOn(store(t, s, "cell-with-a-long-enough-name", 42))
		panicOn(s.Close())

		path := filepath.Join(dir, DefaultFileName)
		by, err := os.ReadFile(path)
		panicOn(err)
		by[10] ^= 0xff
		panicOn(os.WriteFile(path, by, 0600))

		_, err = NewFileStore(path)
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(errors.Is(err, ErrCorrupt), cv.ShouldBeTrue)

		// truncation too.
		panicOn(os.WriteFile(path, by[:len(by)/2], 0600))
		_, err = NewFileStore(path)
		cv.So(errors.Is(err, ErrCorrupt), cv.ShouldBeTrue)
	})
}

func Test003_record_bytes_are_deterministic(t *testing.T) {

	cv.Convey("the same epochs marshal to the same bytes and read back", t, func() {
		r := &record{SavedAtUnixNano: 77, Epochs: map[string]int64{"b": 2, "a": 1, "c": 3}}
		b1 := r.marshal()
		b2 := r.marshal()
		cv.So(b1, cv.ShouldResemble, b2)

		back, err := unmarshalRecord(b1)
		panicOn(err)
		cv.So(back.SavedAtUnixNano, cv.ShouldEqual, int64(77))
		cv.So(back.Epochs, cv.ShouldResemble, r.Epochs)

		_, err = unmarshalRecord(append(b1, 0xc0))
		cv.So(errors.Is(err, ErrCorrupt), cv.ShouldBeTrue)
	})
}

func Test004_closed_store_refuses(t *testing.T) {

	cv.Convey("after Close, fetches and stores fail with ErrClosed", t, func() {
		s, err := NewFileStoreInDir(t.TempDir())
		panicOn(err)
		panicOn(s.Close())

		cv.So(store(t, s, "x", 1), cv.ShouldEqual, ErrClosed)
		_, err = fetch(t, s, "x")
		cv.So(err, cv.ShouldEqual, ErrClosed)
	})
}

func Test005_stage_epochs_continue_after_restart(t *testing.T) {

	cv.Convey("a Stage backed by a FileStore hands out a higher master epoch after a full restart", t, func() {
		dir := t.TempDir()
		nobody := flease.CommFunc(func(*flease.Message, flease.Identity) {})

		grant := func() int64 {
			meh, err := NewFileStoreInDir(dir)
			panicOn(err)
			defer meh.Close()
			stage, err := flease.NewStage(flease.NewConfig("solo"), nobody, nil, nil, meh)
			panicOn(err)
			stage.Start()
			defer stage.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			lease, err := stage.OpenCell("x", nil, true).Get(ctx)
			panicOn(err)
			cv.So(lease.LeaseHolder, cv.ShouldEqual, flease.Identity("solo"))
			cv.So(meh.Epoch("x"), cv.ShouldEqual, lease.MasterEpoch)
			return lease.MasterEpoch
		}
		// a fresh Stage has no acceptor memory: only
		// the file keeps the epoch from repeating.
		e1 := grant()
		e2 := grant()
		e3 := grant()
		cv.So(e1, cv.ShouldEqual, int64(1))
		cv.So(e2, cv.ShouldEqual, int64(2))
		cv.So(e3, cv.ShouldEqual, int64(3))
	})
}

func Test006_every_store_answers_exactly_once_across_close(t *testing.T) {

	cv.Convey("stores never block the caller, and each continuation runs exactly once even when Close races them", t, func() {
		s, err := NewFileStoreInDir(t.TempDir())
		panicOn(err)

		const n = 5000
		var calls [n]atomic.Int32
		var answered atomic.Int64
		var closedErrs atomic.Int64

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := g; i < n; i += 4 {
					cellID := fmt.Sprintf("c%v", i%17)
					s.StoreMasterEpoch(&flease.Message{Type: flease.LEARN, CellID: cellID, MasterEpoch: int64(i + 1)}, func(err error) {
						calls[i].Add(1)
						if err == ErrClosed {
							closedErrs.Add(1)
						} else {
							panicOn(err)
						}
						answered.Add(1)
					})
				}
			}(g)
		}
		time.Sleep(time.Millisecond)
		panicOn(s.Close())
		wg.Wait()

		deadline := time.Now().Add(10 * time.Second)
		for answered.Load() < n && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		cv.So(answered.Load(), cv.ShouldEqual, int64(n))
		for i := range calls {
			if calls[i].Load() != 1 {
				t.Fatalf("store %v answered %v times", i, calls[i].Load())
			}
		}
		// after Close everything is refused.
		cv.So(store(t, s, "late", 1), cv.ShouldEqual, ErrClosed)
		pp("%v of %v stores refused by Close", closedErrs.Load(), n)
	})
}
