package store

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/utils"
)

type Options struct {
	Name      string
	Logger    utils.Logger
	CacheSize int
	// TerminateOnIOFailure exits the process on a storage failure instead
	// of returning the error; for deployments where a full disk must not
	// be papered over.
	TerminateOnIOFailure bool
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "store"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.CacheSize == 0 {
		o.CacheSize = 1024
	}
}

var (
	defaultExit = os.Exit
	osExit      = defaultExit
)

// The directory is two-level: the root points to an index of objects and
// every object has its own record listing its blocks. A commit rewrites
// only the objects it touched; the index changes when objects come or go.
type rootRecord struct {
	Dir    uint64 `msgpack:"d"`
	Object []byte `msgpack:"o"`
}

type indexEntry struct {
	URI []byte `msgpack:"u"`
	Rec uint64 `msgpack:"r"`
}

type dirEntry struct {
	Peer []byte `msgpack:"p"`
	Time uint64 `msgpack:"t"`
	Rec  uint64 `msgpack:"r"`
}

type op struct {
	name  string
	write bool
	fn    func() error
	err   error
	done  chan error
}

// Store is the actor owning one Adapter. Calls enqueue without blocking;
// a single goroutine runs queued operations in order and commits all
// writes of one drained batch together.
type Store struct {
	opts    Options
	adapter Adapter
	cache   *lru.Cache[RecordID, []byte]

	// owned by the actor goroutine
	dir     map[schema.URIHash]map[clock.Stamp]RecordID
	dirRecs map[schema.URIHash]RecordID
	dirty   mapset.Set[schema.URIHash]
	rootID  RecordID
	root    rootRecord

	lock    sync.Mutex
	queue   []*op
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func Open(adapter Adapter, opts Options) (*Store, error) {
	opts.SetDefaults()
	cache, err := lru.New[RecordID, []byte](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		opts:    opts,
		adapter: adapter,
		cache:   cache,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	if err = s.load(); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Store) Name() string {
	return s.opts.Name
}

func (s *Store) Adapter() Adapter {
	return s.adapter
}

func (s *Store) load() error {
	s.dir = make(map[schema.URIHash]map[clock.Stamp]RecordID)
	s.dirRecs = make(map[schema.URIHash]RecordID)
	s.dirty = mapset.NewThreadUnsafeSet[schema.URIHash]()
	s.root = rootRecord{}
	id, err := s.adapter.Root()
	if err != nil {
		return err
	}
	s.rootID = id
	if id == 0 {
		return nil
	}
	if err = s.fetchMsgpack(id, &s.root); err != nil {
		return err
	}
	if s.root.Dir == 0 {
		return nil
	}
	var index []indexEntry
	if err = s.fetchMsgpack(RecordID(s.root.Dir), &index); err != nil {
		return err
	}
	for _, ie := range index {
		var uri schema.URIHash
		if len(ie.URI) != len(uri) {
			return errors.Wrap(fabric_errors.ErrCorruptedBlock, "store index")
		}
		copy(uri[:], ie.URI)
		var entries []dirEntry
		if err = s.fetchMsgpack(RecordID(ie.Rec), &entries); err != nil {
			return err
		}
		s.dirRecs[uri] = RecordID(ie.Rec)
		stamps := s.entry(uri)
		for _, e := range entries {
			var stamp clock.Stamp
			if len(e.Peer) != len(stamp.Peer) {
				return errors.Wrapf(fabric_errors.ErrCorruptedBlock, "store directory of %s", uri)
			}
			copy(stamp.Peer[:], e.Peer)
			stamp.Time = e.Time
			stamps[stamp] = RecordID(e.Rec)
		}
	}
	return nil
}

func (s *Store) fetchMsgpack(id RecordID, into any) error {
	data, err := s.adapter.Fetch(id)
	if err != nil {
		return err
	}
	if data == nil {
		return errors.Wrapf(fabric_errors.ErrCorruptedBlock, "store record %d missing", id)
	}
	if err = msgpack.Unmarshal(data, into); err != nil {
		return errors.Wrap(fabric_errors.ErrCorruptedBlock, err.Error())
	}
	return nil
}

func (s *Store) entry(uri schema.URIHash) map[clock.Stamp]RecordID {
	m := s.dir[uri]
	if m == nil {
		m = make(map[clock.Stamp]RecordID)
		s.dir[uri] = m
	}
	return m
}

// submit never blocks.
func (s *Store) submit(name string, write bool, fn func() error) <-chan error {
	o := &op{name: name, write: write, fn: fn, done: make(chan error, 1)}
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		o.done <- fabric_errors.ErrClosed
		return o.done
	}
	s.queue = append(s.queue, o)
	s.lock.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return o.done
}

func (s *Store) do(ctx context.Context, name string, write bool, fn func() error) error {
	select {
	case err := <-s.submit(name, write, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) take() (ops []*op, closed bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ops, s.queue = s.queue, nil
	return ops, s.closed
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		ops, closed := s.take()
		if len(ops) > 0 {
			s.process(ops)
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *Store) process(ops []*op) {
	dirty := false
	var failure error
	for _, o := range ops {
		start := time.Now()
		o.err = o.fn()
		StoreOpDuration.WithLabelValues(o.name).Observe(time.Since(start).Seconds())
		if o.write {
			dirty = true
		}
		if errors.Is(o.err, fabric_errors.ErrStoreIO) && failure == nil {
			failure = o.err
		}
	}
	if dirty && failure == nil {
		failure = s.commit()
	}
	if failure != nil {
		s.fail(failure)
		for _, o := range ops {
			if o.write {
				o.err = failure
			}
		}
	}
	StoreBatchSize.Observe(float64(len(ops)))
	for _, o := range ops {
		o.done <- o.err
	}
}

func (s *Store) commit() error {
	if s.dirty.Cardinality() > 0 {
		if err := s.saveDirectory(); err != nil {
			return err
		}
	}
	return s.adapter.Commit()
}

func (s *Store) saveDirectory() error {
	reindex := false
	for _, uri := range s.dirty.ToSlice() {
		rec, has := s.dirRecs[uri]
		stamps := s.dir[uri]
		if len(stamps) == 0 {
			if has {
				if err := s.adapter.Delete(rec); err != nil {
					return err
				}
				delete(s.dirRecs, uri)
				reindex = true
			}
			continue
		}
		entries := make([]dirEntry, 0, len(stamps))
		for stamp, brec := range stamps {
			entries = append(entries, dirEntry{
				Peer: append([]byte{}, stamp.Peer[:]...),
				Time: stamp.Time,
				Rec:  uint64(brec),
			})
		}
		data, err := msgpack.Marshal(entries)
		if err != nil {
			return err
		}
		if has {
			err = s.adapter.Update(rec, data)
		} else if rec, err = s.adapter.Insert(data); err == nil {
			s.dirRecs[uri] = rec
			reindex = true
		}
		if err != nil {
			return err
		}
	}
	s.dirty.Clear()
	if !reindex {
		return nil
	}
	return s.saveIndex()
}

func (s *Store) saveIndex() (err error) {
	index := make([]indexEntry, 0, len(s.dirRecs))
	for uri, rec := range s.dirRecs {
		index = append(index, indexEntry{URI: append([]byte{}, uri[:]...), Rec: uint64(rec)})
	}
	data, err := msgpack.Marshal(index)
	if err != nil {
		return err
	}
	if s.root.Dir != 0 {
		return s.adapter.Update(RecordID(s.root.Dir), data)
	}
	id, err := s.adapter.Insert(data)
	if err != nil {
		return err
	}
	s.root.Dir = uint64(id)
	return s.saveRoot()
}

func (s *Store) saveRoot() error {
	data, err := msgpack.Marshal(&s.root)
	if err != nil {
		return err
	}
	if s.rootID != 0 {
		return s.adapter.Update(s.rootID, data)
	}
	if s.rootID, err = s.adapter.Insert(data); err != nil {
		return err
	}
	return s.adapter.SetRoot(s.rootID)
}

// fail drops everything staged and reloads the committed state.
func (s *Store) fail(err error) {
	StoreFailures.Inc()
	s.opts.Logger.Error("store failure", "store", s.opts.Name, "err", err)
	if s.opts.TerminateOnIOFailure && errors.Is(err, fabric_errors.ErrStoreIO) {
		s.opts.Logger.Error("terminating on store failure", "store", s.opts.Name)
		osExit(1)
	}
	_ = s.adapter.Rollback()
	s.cache.Purge()
	if lerr := s.load(); lerr != nil {
		s.opts.Logger.Error("store reload failed", "store", s.opts.Name, "err", lerr)
	}
}

func (s *Store) fetch(id RecordID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}
	data, err := s.adapter.Fetch(id)
	if err == nil && data != nil {
		s.cache.Add(id, data)
	}
	return data, err
}

func (s *Store) remove(uri schema.URIHash, stamp clock.Stamp) error {
	stamps := s.dir[uri]
	rec, ok := stamps[stamp]
	if !ok {
		return nil
	}
	if err := s.adapter.Delete(rec); err != nil {
		return err
	}
	s.cache.Remove(rec)
	delete(stamps, stamp)
	if len(stamps) == 0 {
		delete(s.dir, uri)
	}
	s.dirty.Add(uri)
	return nil
}

// Put stores a block and deletes the blocks it supersedes, in one commit.
func (s *Store) Put(ctx context.Context, uri schema.URIHash, stamp clock.Stamp, data []byte, removals []clock.Stamp) error {
	data = append([]byte{}, data...)
	return s.do(ctx, "put", true, func() error {
		stamps := s.entry(uri)
		if rec, ok := stamps[stamp]; ok {
			if err := s.adapter.Update(rec, data); err != nil {
				return err
			}
			s.cache.Add(rec, data)
		} else {
			rec, err := s.adapter.Insert(data)
			if err != nil {
				return err
			}
			stamps[stamp] = rec
			s.dirty.Add(uri)
		}
		for _, r := range removals {
			if r == stamp {
				continue
			}
			if err := s.remove(uri, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns nil for a block the store does not have.
func (s *Store) Get(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get", false, func() (err error) {
		if rec, ok := s.dir[uri][stamp]; ok {
			data, err = s.fetch(rec)
		}
		return
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the stamps stored for an object in stamp order.
func (s *Store) List(ctx context.Context, uri schema.URIHash) ([]clock.Stamp, error) {
	var stamps []clock.Stamp
	err := s.do(ctx, "list", false, func() error {
		for stamp := range s.dir[uri] {
			stamps = append(stamps, stamp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clock.SortStamps(stamps), nil
}

func (s *Store) Delete(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) error {
	return s.do(ctx, "delete", true, func() error {
		return s.remove(uri, stamp)
	})
}

func (s *Store) URIs(ctx context.Context) ([]schema.URIHash, error) {
	var uris []schema.URIHash
	err := s.do(ctx, "uris", false, func() error {
		for uri := range s.dir {
			uris = append(uris, uri)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(uris, func(a, b schema.URIHash) int {
		return slices.Compare(a[:], b[:])
	})
	return uris, nil
}

func (s *Store) SetRoot(ctx context.Context, id schema.ObjectID) error {
	return s.do(ctx, "setroot", true, func() error {
		s.root.Object = id.Bytes()
		return s.saveRoot()
	})
}

// Root returns the zero id when no root was set.
func (s *Store) Root(ctx context.Context) (schema.ObjectID, error) {
	var raw []byte
	err := s.do(ctx, "root", false, func() error {
		raw = s.root.Object
		return nil
	})
	if err != nil || len(raw) == 0 {
		return schema.ObjectID{}, err
	}
	return schema.ObjectIDFromBytes(raw)
}

// Sync waits until everything enqueued before it is committed.
func (s *Store) Sync(ctx context.Context) error {
	return s.do(ctx, "sync", false, func() error { return nil })
}

// Fetch is Get for the resolver: a missing block is an error there.
func (s *Store) Fetch(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) ([]byte, error) {
	data, err := s.Get(ctx, uri, stamp)
	if err == nil && data == nil {
		err = errors.Wrapf(fabric_errors.ErrBlockMissing, "%s %s", uri, stamp)
	}
	return data, err
}

// Ack is a no-op: a store keeps no replay log.
func (s *Store) Ack(context.Context, schema.URIHash, clock.Stamp) error {
	return nil
}

// Close runs what is queued, then closes the adapter.
func (s *Store) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return fabric_errors.ErrClosed
	}
	s.closed = true
	s.lock.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.stopped
	return s.adapter.Close()
}
