// Package epochstore keeps flease master epochs on disk.
//
// FileStore is a flease.MasterEpochHandler. All cells
// share one small file that is rewritten, crash-safely,
// on every store: write to a temp file, fsync it, rename
// it over the old one, then fsync the parent directory.
// Stores that arrive while a write is in progress are
// committed together by the next write.
package epochstore

import (
	cryrand "crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/flease"
	"github.com/glycerine/idem"
	"github.com/pkg/errors"
)

// ErrClosed is given to continuations after Close.
var ErrClosed = errors.New("epochstore: closed")

// DefaultFileName is used inside the directory given
// to NewFileStoreInDir.
const DefaultFileName = "flease.epochs.msgp"

type storeReq struct {
	cellID string
	epoch  int64
	cont   func(err error)
}

// FileStore persists the highest stored master epoch of
// each cell. Epochs never go down: storing a lower epoch
// than the one on disk is a no-op that succeeds.
type FileStore struct {
	path string

	mut sync.Mutex
	// only what is durably on disk.
	epochs map[string]int64

	// qmut guards pending and closed. A store is either
	// queued before closed is set, or refused.
	qmut    sync.Mutex
	pending []*storeReq
	closed  bool
	wake    chan struct{}

	// Saves counts completed (fsynced) file writes.
	Saves atomic.Int64

	Halt *idem.Halter
}

// NewFileStoreInDir opens (or creates) DefaultFileName
// inside dir.
func NewFileStoreInDir(dir string) (*FileStore, error) {
	return NewFileStore(filepath.Join(dir, DefaultFileName))
}

// NewFileStore loads path, if it exists, and starts the
// writer goroutine. A corrupt file is an error: starting
// over from zero could hand out an epoch twice.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrapf(err, "epochstore: making directory for '%v'", path)
	}
	s := &FileStore{
		path:   path,
		epochs: make(map[string]int64),
		wake:   make(chan struct{}, 1),
		Halt:   idem.NewHalterNamed("epochstore.FileStore(" + path + ")"),
	}
	s.removeLeftovers()

	by, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, "epochstore: reading '%v'", path)
	case len(by) > 0:
		r, err := unmarshalRecord(by)
		if err != nil {
			return nil, errors.Wrapf(err, "epochstore: loading '%v'", path)
		}
		s.epochs = r.Epochs
		pp("epochstore loaded %v cells from '%v', saved %v", len(r.Epochs), path, time.Unix(0, r.SavedAtUnixNano))
	}
	go s.run()
	return s, nil
}

// Path is the epoch file.
func (s *FileStore) Path() string {
	return s.path
}

// Epoch returns the durable epoch for cellID, 0 if none.
func (s *FileStore) Epoch(cellID string) int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.epochs[cellID]
}

// Epochs returns a copy of every durable epoch.
func (s *FileStore) Epochs() map[string]int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	r := make(map[string]int64, len(s.epochs))
	for k, v := range s.epochs {
		r[k] = v
	}
	return r
}

// SendMasterEpoch answers from memory, which always
// matches the disk.
func (s *FileStore) SendMasterEpoch(req *flease.Message, cont func(epoch int64, err error)) {
	s.qmut.Lock()
	closed := s.closed
	s.qmut.Unlock()
	if closed {
		cont(0, ErrClosed)
		return
	}
	cont(s.Epoch(req.CellID), nil)
}

// StoreMasterEpoch queues req.MasterEpoch for cellID and
// returns at once. cont runs on the writer goroutine once
// the write is durable, or with ErrClosed.
func (s *FileStore) StoreMasterEpoch(req *flease.Message, cont func(err error)) {
	r := &storeReq{cellID: req.CellID, epoch: req.MasterEpoch, cont: cont}
	s.qmut.Lock()
	if s.closed {
		s.qmut.Unlock()
		cont(ErrClosed)
		return
	}
	s.pending = append(s.pending, r)
	s.qmut.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the writer. Queued stores fail with ErrClosed.
func (s *FileStore) Close() error {
	s.qmut.Lock()
	s.closed = true
	s.qmut.Unlock()
	s.Halt.ReqStop.Close()
	<-s.Halt.Done.Chan
	return nil
}

// takePending empties the queue. With last, the queue
// is also closed to further stores.
func (s *FileStore) takePending(last bool) (batch []*storeReq) {
	s.qmut.Lock()
	batch = s.pending
	s.pending = nil
	if last {
		s.closed = true
	}
	s.qmut.Unlock()
	return
}

func (s *FileStore) run() {
	defer s.Halt.Done.Close()
	for {
		select {
		case <-s.wake:
			if batch := s.takePending(false); len(batch) > 0 {
				s.commit(batch)
			}

		case <-s.Halt.ReqStop.Chan:
			for _, r := range s.takePending(true) {
				r.cont(ErrClosed)
			}
			return
		}
	}
}

// commit writes the batch in one file update.
func (s *FileStore) commit(batch []*storeReq) {
	s.mut.Lock()
	next := make(map[string]int64, len(s.epochs)+len(batch))
	for k, v := range s.epochs {
		next[k] = v
	}
	s.mut.Unlock()

	changed := false
	for _, r := range batch {
		if r.epoch > next[r.cellID] {
			next[r.cellID] = r.epoch
			changed = true
		}
	}
	var err error
	if changed {
		err = s.save(&record{SavedAtUnixNano: time.Now().UnixNano(), Epochs: next})
	}
	if err == nil {
		s.mut.Lock()
		s.epochs = next
		s.mut.Unlock()
	} else {
		alwaysPrintf("epochstore: save of %v stores to '%v' failed: %v", len(batch), s.path, err)
	}
	for _, r := range batch {
		r.cont(err)
	}
}

func (s *FileStore) save(r *record) (err error) {
	tmppath := s.path + ".pre_rename." + cryRand15B()
	fd, err := os.Create(tmppath)
	if err != nil {
		return errors.Wrap(err, "epochstore: create temp")
	}
	defer func() {
		if err != nil {
			os.Remove(tmppath)
		}
	}()
	if _, err = fd.Write(r.marshal()); err != nil {
		fd.Close()
		return errors.Wrap(err, "epochstore: write temp")
	}
	if err = fd.Sync(); err != nil {
		fd.Close()
		return errors.Wrap(err, "epochstore: fsync temp")
	}
	if err = fd.Close(); err != nil {
		return errors.Wrap(err, "epochstore: close temp")
	}
	if err = os.Rename(tmppath, s.path); err != nil {
		return errors.Wrap(err, "epochstore: rename")
	}

	// parent directory metadata must also be synced
	// to disk for the rename to be durable.
	dir, err := getActualParentDirForFsync(s.path)
	if err != nil {
		return err
	}
	dirfd, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "epochstore: open parent dir")
	}
	err = dirfd.Sync()
	dirfd.Close()
	if err != nil {
		return errors.Wrap(err, "epochstore: fsync parent dir")
	}
	s.Saves.Add(1)
	pp("epochstore saved %v cells to '%v'", len(r.Epochs), s.path)
	return nil
}

// removeLeftovers deletes temp files from writes
// that crashed before their rename.
func (s *FileStore) removeLeftovers() {
	matches, _ := filepath.Glob(s.path + ".pre_rename.*")
	for _, m := range matches {
		os.Remove(m)
	}
}

// getActualParentDirForFsync resolves symlinks, so that
// we fsync the directory that really holds the file.
func getActualParentDirForFsync(path string) (actualParentPath string, err error) {
	absPath, err1 := filepath.Abs(path)
	if err1 != nil {
		return "", fmt.Errorf("getActualParentDirForFsync: filepath.Abs(path='%v') error: '%v'", path, err1)
	}
	absParent := filepath.Dir(absPath)
	actualParentPath, err = filepath.EvalSymlinks(absParent)
	if err != nil {
		return "", fmt.Errorf("getActualParentDirForFsync: filepath.EvalSymlinks(absParent='%v') error: '%v'", absParent, err)
	}
	return
}

func cryRand15B() string {
	var by [15]byte // 16 and 17 get = signs.
	_, err := cryrand.Read(by[:])
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by[:])
}
