// Package files tracks every file tasks consume or produce: where it is materialized, who still
// needs it, and how to move it to the worker that needs it next.
package files

import (
	"os"
	"sort"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// recencyCapacity bounds the per-worker recency index, which orders eviction candidates from
// least to most recently used. No worker caches this many files.
const recencyCapacity = 1 << 20

var (
	// ErrUnknownFile is returned for names that were never declared.
	ErrUnknownFile = errors.New("unknown file")
	// ErrProducerConflict is returned when two tasks declare the same output.
	ErrProducerConflict = errors.New("file already has a producing task")
	// ErrNoSource is returned when no replica or origin can supply a file.
	ErrNoSource = errors.New("no source for file")
)

// File is a declared data object. Fields other than Size are immutable after declaration.
type File struct {
	Name   string
	Kind   model.FileKind
	Scope  model.CacheScope
	Source string
	Data   []byte
	// Size is zero until known.
	Size int64
	// Producer is the task that lists the file as an output, or zero.
	Producer model.TaskID

	refs     int
	replicas map[model.WorkerID]*replica
	// placeholder marks entries created from a worker's cache report before any declaration.
	placeholder bool
}

// Spec returns a declaration that recreates f under the same name.
func (f *File) Spec() Spec {
	return Spec{Kind: f.Kind, Source: f.Source, Data: f.Data, Scope: f.Scope, Name: f.Name}
}

// HasOrigin returns true if the file can be fetched without any worker holding it.
func (f *File) HasOrigin() bool {
	return f.Kind != model.TempFile
}

type replica struct {
	state    model.ReplicaState
	size     int64
	offset   int64
	attempts int
	source   vproto.TransferSource
	badPeers set.Set[model.WorkerID]
}

// Options configures transfer planning.
type Options struct {
	PeerTransfers    bool
	MaxPeerTransfers int
}

// Catalog is the coordinator-owned index of files and their replicas. It is not safe for
// concurrent use.
type Catalog struct {
	log      *logrus.Entry
	opts     Options
	store    *Store
	files    map[string]*File
	recency  map[model.WorkerID]*simplelru.LRU[string, struct{}]
	outgoing map[model.WorkerID]int
}

// NewCatalog returns an empty catalog that registers file origins with store.
func NewCatalog(store *Store, opts Options) *Catalog {
	return &Catalog{
		log:      logrus.WithField("component", "file-catalog"),
		opts:     opts,
		store:    store,
		files:    make(map[string]*File),
		recency:  make(map[model.WorkerID]*simplelru.LRU[string, struct{}]),
		outgoing: make(map[model.WorkerID]int),
	}
}

// Declare registers a file and returns it. Declaring identical content twice returns the same
// file.
func (c *Catalog) Declare(s Spec) (*File, error) {
	if errs := s.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}
	s, err := s.withDefaults()
	if err != nil {
		return nil, err
	}
	name, size, err := cachedName(s)
	if err != nil {
		return nil, err
	}

	f, ok := c.files[name]
	switch {
	case ok && !f.placeholder:
		return f, nil
	case !ok:
		f = &File{Name: name, replicas: make(map[model.WorkerID]*replica)}
		c.files[name] = f
	}
	f.placeholder = false
	f.Kind, f.Scope, f.Source, f.Data = s.Kind, s.Scope, s.Source, s.Data
	if size > 0 {
		f.Size = size
	}
	if c.store != nil && f.HasOrigin() && f.Kind != model.URLFile {
		c.store.Register(name, Origin{Kind: f.Kind, Path: f.Source, Data: f.Data})
	}
	c.log.WithField("file", name).Tracef("declared %s file", f.Kind)
	return f, nil
}

// ExpectUpload lets a worker upload name to the manager until UploadSettled is called.
func (c *Catalog) ExpectUpload(name string) {
	if c.store != nil {
		c.store.ExpectUpload(name)
	}
}

// UploadSettled closes the upload window opened by ExpectUpload.
func (c *Catalog) UploadSettled(name string) {
	if c.store != nil {
		c.store.UploadSettled(name)
	}
}

// Get looks up a declared file.
func (c *Catalog) Get(name string) (*File, bool) {
	f, ok := c.files[name]
	if !ok || f.placeholder {
		return nil, false
	}
	return f, true
}

// Files returns every declared file ordered by name.
func (c *Catalog) Files() []*File {
	out := make([]*File, 0, len(c.files))
	for _, f := range c.files {
		if !f.placeholder {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetProducer records that task id generates name.
func (c *Catalog) SetProducer(name string, id model.TaskID) error {
	f, ok := c.Get(name)
	if !ok {
		return errors.Wrap(ErrUnknownFile, name)
	}
	if f.Producer != 0 && f.Producer != id {
		return errors.Wrapf(ErrProducerConflict, "%s is produced by task %d", name, f.Producer)
	}
	f.Producer = id
	return nil
}

// ClearProducer forgets the producer of name if it is id.
func (c *Catalog) ClearProducer(name string, id model.TaskID) {
	if f, ok := c.files[name]; ok && f.Producer == id {
		f.Producer = 0
	}
}

// Acquire takes a reference on each name for a non-terminal task.
func (c *Catalog) Acquire(names ...string) {
	for _, name := range names {
		if f, ok := c.files[name]; ok {
			f.refs++
		}
	}
}

// Release drops a reference on each name and returns the files that are no longer referenced.
func (c *Catalog) Release(names ...string) []*File {
	var freed []*File
	for _, name := range names {
		f, ok := c.files[name]
		if !ok || f.refs == 0 {
			continue
		}
		f.refs--
		if f.refs == 0 {
			freed = append(freed, f)
		}
	}
	return freed
}

// Refs returns the number of non-terminal tasks referencing name.
func (c *Catalog) Refs(name string) int {
	if f, ok := c.files[name]; ok {
		return f.refs
	}
	return 0
}

// Unlink deletes the manager-side source of an unreferenced unlink-scoped file.
func (c *Catalog) Unlink(f *File) error {
	if f.Scope != model.CacheUnlink || f.refs > 0 || f.Source == "" {
		return nil
	}
	c.log.WithField("file", f.Name).Infof("unlinking %s", f.Source)
	if err := os.RemoveAll(f.Source); err != nil {
		return errors.Wrapf(err, "unlinking %s", f.Source)
	}
	if c.store != nil {
		c.store.Forget(f.Name)
	}
	return nil
}

// ErrFileInUse is returned when undeclaring a file that tasks still reference.
var ErrFileInUse = errors.New("file is referenced by tasks")

// Undeclare forgets an unreferenced file and returns the workers that still hold or are receiving
// it, so they can be told to evict it.
func (c *Catalog) Undeclare(name string) ([]model.WorkerID, error) {
	f, ok := c.Get(name)
	switch {
	case !ok:
		return nil, errors.Wrap(ErrUnknownFile, name)
	case f.refs > 0:
		return nil, errors.Wrapf(ErrFileInUse, "%s has %d references", name, f.refs)
	}
	var holders []model.WorkerID
	for w, r := range f.replicas {
		c.settle(r)
		holders = append(holders, w)
		if lru, ok := c.recency[w]; ok {
			lru.Remove(name)
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
	delete(c.files, name)
	if c.store != nil {
		c.store.Forget(name)
	}
	return holders, nil
}

// State returns the materialization state of name on w.
func (c *Catalog) State(name string, w model.WorkerID) model.ReplicaState {
	if f, ok := c.files[name]; ok {
		if r, ok := f.replicas[w]; ok {
			return r.state
		}
	}
	return model.ReplicaAbsent
}

// Holders returns the workers holding a complete copy of name, sorted.
func (c *Catalog) Holders(name string) []model.WorkerID {
	f, ok := c.files[name]
	if !ok {
		return nil
	}
	var out []model.WorkerID
	for w, r := range f.replicas {
		if r.state == model.ReplicaPresent {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Available returns true if name can currently be supplied to a worker.
func (c *Catalog) Available(name string) bool {
	f, ok := c.Get(name)
	if !ok {
		return false
	}
	return f.HasOrigin() || len(c.Holders(name)) > 0
}

// MarkPresent records that w holds a complete copy of name. A worker-persistent replica is
// immutable: a second report with a different size is ignored and false is returned.
func (c *Catalog) MarkPresent(name string, w model.WorkerID, size int64) bool {
	f, ok := c.files[name]
	if !ok {
		f = &File{
			Name: name, Kind: model.TempFile, Scope: model.CacheWorker, placeholder: true,
			replicas: make(map[model.WorkerID]*replica),
		}
		c.files[name] = f
	}
	r := c.replicaOf(f, w)
	if r.state == model.ReplicaPresent && f.Scope.Persistent() {
		if size != 0 && r.size != 0 && size != r.size {
			c.log.WithFields(logrus.Fields{"file": name, "worker-id": w}).Warnf(
				"ignoring size change %d -> %d of a worker-persistent file", r.size, size)
			return false
		}
		c.touch(name, w)
		return true
	}
	c.settle(r)
	r.state = model.ReplicaPresent
	r.size = size
	r.offset = 0
	r.attempts = 0
	if f.Size == 0 {
		f.Size = size
	}
	c.touch(name, w)
	return true
}

// TransferFailed records a failed transfer of name to w, remembering the offset reached so the
// next attempt can resume. It returns how many attempts have failed.
func (c *Catalog) TransferFailed(name string, w model.WorkerID, offset int64) int {
	f, ok := c.files[name]
	if !ok {
		return 0
	}
	r, ok := f.replicas[w]
	if !ok || r.state != model.ReplicaTransferring {
		return 0
	}
	c.settle(r)
	if r.source.Type == vproto.SourcePeer {
		r.badPeers.Insert(r.source.Peer)
	}
	r.state = model.ReplicaAbsent
	r.offset = offset
	r.attempts++
	return r.attempts
}

// Evicted records an explicit eviction of name from w. It returns false if w did not hold it.
func (c *Catalog) Evicted(name string, w model.WorkerID) bool {
	f, ok := c.files[name]
	if !ok {
		return false
	}
	r, ok := f.replicas[w]
	if !ok {
		return false
	}
	c.settle(r)
	delete(f.replicas, w)
	if lru, ok := c.recency[w]; ok {
		lru.Remove(name)
	}
	return r.state == model.ReplicaPresent
}

// Touch marks name as just used on w.
func (c *Catalog) Touch(name string, w model.WorkerID) {
	if f, ok := c.files[name]; ok {
		if r, ok := f.replicas[w]; ok && r.state == model.ReplicaPresent {
			c.touch(name, w)
		}
	}
}

// RemoveWorker drops every replica on w and returns the names it held or was receiving.
func (c *Catalog) RemoveWorker(w model.WorkerID) []string {
	var names []string
	for name, f := range c.files {
		if r, ok := f.replicas[w]; ok {
			c.settle(r)
			delete(f.replicas, w)
			names = append(names, name)
		}
	}
	delete(c.recency, w)
	delete(c.outgoing, w)
	sort.Strings(names)
	return names
}

// CachedBytes returns the bytes of names already present on w.
func (c *Catalog) CachedBytes(w model.WorkerID, names []string) int64 {
	var total int64
	for _, name := range names {
		if f, ok := c.files[name]; ok {
			if r, ok := f.replicas[w]; ok && r.state == model.ReplicaPresent {
				total += r.size
			}
		}
	}
	return total
}

// Occupancy returns the bytes and number of files present on w.
func (c *Catalog) Occupancy(w model.WorkerID) (bytes int64, count int) {
	lru, ok := c.recency[w]
	if !ok {
		return 0, 0
	}
	for _, name := range lru.Keys() {
		if r, ok := c.files[name].replicas[w]; ok && r.state == model.ReplicaPresent {
			bytes += r.size
			count++
		}
	}
	return bytes, count
}

// EvictionCandidates returns the files to evict from w to bring its cache under limit bytes, least
// recently used first, never choosing a referenced file or one in pinned.
func (c *Catalog) EvictionCandidates(
	w model.WorkerID, limit int64, pinned set.Set[string],
) []string {
	lru, ok := c.recency[w]
	if !ok {
		return nil
	}
	var occupancy int64
	var entries []Entry
	for _, name := range lru.Keys() {
		f := c.files[name]
		r, ok := f.replicas[w]
		if !ok || r.state != model.ReplicaPresent {
			continue
		}
		occupancy += r.size
		entries = append(entries, Entry{
			Name:   name,
			Size:   r.size,
			Refs:   f.refs,
			Pinned: pinned.Contains(name),
		})
	}
	return SelectEvictions(entries, occupancy, limit)
}

func (c *Catalog) replicaOf(f *File, w model.WorkerID) *replica {
	r, ok := f.replicas[w]
	if !ok {
		r = &replica{state: model.ReplicaAbsent, badPeers: set.New[model.WorkerID]()}
		f.replicas[w] = r
	}
	return r
}

func (c *Catalog) touch(name string, w model.WorkerID) {
	lru, ok := c.recency[w]
	if !ok {
		lru, _ = simplelru.NewLRU[string, struct{}](recencyCapacity, nil)
		c.recency[w] = lru
	}
	lru.Add(name, struct{}{})
}

// settle releases the outgoing-transfer slot held by an in-flight peer transfer into r.
func (c *Catalog) settle(r *replica) {
	if r.state != model.ReplicaTransferring || r.source.Type != vproto.SourcePeer {
		return
	}
	if n := c.outgoing[r.source.Peer]; n > 0 {
		c.outgoing[r.source.Peer] = n - 1
	}
}
