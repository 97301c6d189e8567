package markduplicates

import (
	"sort"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// DuplicateGroup is a set of fragments that share their
// FragmentCoordinates. A group lives in the partition of its left end.
// It is open while fragments may still join it; once it is handed out
// by PartitionData it is no longer referenced by the partition and is
// finalized exactly once.
type DuplicateGroup struct {
	Partition PartitionKey
	Coords    FragmentCoordinates
	// Fragments are ordered by name once the group is handed out.
	Fragments []*Fragment
}

// Compare implements llrb.Comparable. Groups are ordered by their left
// position.
func (g *DuplicateGroup) Compare(c llrb.Comparable) int {
	o := c.(*DuplicateGroup)
	if g.Coords.less(o.Coords) {
		return -1
	}
	if o.Coords.less(g.Coords) {
		return 1
	}
	return 0
}

// Len returns the number of fragments in the group.
func (g *DuplicateGroup) Len() int { return len(g.Fragments) }

func (g *DuplicateGroup) fragment(name string) *Fragment {
	for _, f := range g.Fragments {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (g *DuplicateGroup) sortFragments() {
	sort.Slice(g.Fragments, func(i, j int) bool { return g.Fragments[i].Name < g.Fragments[j].Name })
}

func singleton(key PartitionKey, f *Fragment) *DuplicateGroup {
	return &DuplicateGroup{Partition: key, Coords: NoCoords, Fragments: []*Fragment{f}}
}

// GroupIterator yields groups handed out by a PartitionData. It is
// finite and cannot be restarted.
type GroupIterator struct {
	groups []*DuplicateGroup
	group  *DuplicateGroup
}

// Scan advances to the next group. It returns false when there are no
// more groups.
func (it *GroupIterator) Scan() bool {
	if len(it.groups) == 0 {
		it.group = nil
		return false
	}
	it.group, it.groups = it.groups[0], it.groups[1:]
	return true
}

// Group returns the current group.
func (it *GroupIterator) Group() *DuplicateGroup { return it.group }

// update is what is left to do after a read or fragment was added to a
// partition and its lock was released.
type update struct {
	// ready holds groups that became finalizable.
	ready []*DuplicateGroup
	// moved is a fragment whose group lives in partition forward.
	moved *Fragment
	// forwarded is set if the read belongs to a fragment that moved to
	// partition forward earlier.
	forwarded bool
	forward   PartitionKey
}

// PartitionData holds the fragments homed in one partition, and the
// duplicate groups whose left end lies in it. All methods are safe for
// concurrent use; none of them performs I/O while holding the partition
// lock.
type PartitionData struct {
	Key   PartitionKey
	store *PartitionStore

	mu sync.Mutex
	// fragments holds fragments that are not in a group.
	fragments map[string]*Fragment
	// members maps the name of each grouped fragment to its group.
	members map[string]*DuplicateGroup
	// groups holds the open groups, indexed by coordinates and by left
	// position.
	groups map[FragmentCoordinates]*DuplicateGroup
	byPos  llrb.Tree

	// tombMu guards moved and written. Only the store's progress lock is
	// acquired while holding it.
	tombMu sync.Mutex
	// moved maps incomplete fragments homed here that left for the
	// partition of their group to that partition. Entries are removed
	// when the fragment is written.
	moved map[string]PartitionKey
	// written maps fragments homed here that were flushed before all of
	// their reads arrived to the references that may still hold those
	// reads. Entries are pruned once those references are read in full.
	written map[string][]int

	// pendingMu guards pending. It is never held while acquiring another
	// lock.
	pendingMu sync.Mutex
	// pending maps read ends in this partition to the fragments, homed in
	// any partition, that have a primary read at that end and are waiting
	// for their mate. Values map fragment names to the mate's reference.
	pending map[end]map[string]int
}

func newPartitionData(key PartitionKey, store *PartitionStore) *PartitionData {
	return &PartitionData{
		Key:       key,
		store:     store,
		fragments: make(map[string]*Fragment),
		members:   make(map[string]*DuplicateGroup),
		groups:    make(map[FragmentCoordinates]*DuplicateGroup),
		moved:     make(map[string]PartitionKey),
		written:   make(map[string][]int),
		pending:   make(map[end]map[string]int),
	}
}

// Len returns the number of fragments held by the partition.
func (p *PartitionData) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fragments) + len(p.members)
}

// idle returns true if the partition holds nothing.
func (p *PartitionData) idle() bool {
	if p.Len() > 0 {
		return false
	}
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending) == 0
}

func (p *PartitionData) addPending(e end, name string, mateRef int) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	m, ok := p.pending[e]
	if !ok {
		m = make(map[string]int)
		p.pending[e] = m
	}
	m[name] = mateRef
}

func (p *PartitionData) removePending(e end, name string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if m, ok := p.pending[e]; ok {
		delete(m, name)
		if len(m) == 0 {
			delete(p.pending, e)
		}
	}
}

// waiting returns true if a fragment that is not resolved yet has a
// primary read at e and is waiting for its mate.
func (p *PartitionData) waiting(e end) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for _, mateRef := range p.pending[e] {
		if !p.store.IsComplete(mateRef) {
			return true
		}
	}
	return false
}

// lookupTombstone reports whether the fragment called name was already
// written, or else the partition it moved to.
func (p *PartitionData) lookupTombstone(name string) (written bool, key PartitionKey, moved bool) {
	p.tombMu.Lock()
	defer p.tombMu.Unlock()
	if _, ok := p.written[name]; ok {
		return true, PartitionKey{}, false
	}
	key, moved = p.moved[name]
	return false, key, moved
}

func (p *PartitionData) setMoved(name string, key PartitionKey) {
	p.tombMu.Lock()
	p.moved[name] = key
	p.tombMu.Unlock()
}

// retire drops the forward entry of a fragment that was written. If the
// fragment was written before all of its reads arrived, later reads are
// dropped until its references are read in full.
func (p *PartitionData) retire(name string, complete bool, chromosomes []int) {
	p.tombMu.Lock()
	defer p.tombMu.Unlock()
	delete(p.moved, name)
	if !complete {
		p.written[name] = chromosomes
	}
}

// pruneTombstones forgets the written fragments whose references have
// been read in full.
func (p *PartitionData) pruneTombstones() {
	p.tombMu.Lock()
	defer p.tombMu.Unlock()
	for name, chromosomes := range p.written {
		done := true
		for _, c := range chromosomes {
			if !p.store.IsComplete(c) {
				done = false
				break
			}
		}
		if done {
			delete(p.written, name)
		}
	}
}

// trackPendingLocked keeps the pending index of the store in sync with
// f.
func (p *PartitionData) trackPendingLocked(f *Fragment) {
	switch {
	case !f.hasCoords && !f.pendingSet:
		if e, mateRef, ok := f.pendingEnd(); ok {
			f.pendingAt, f.pendingSet = e, true
			p.store.partitionAt(e).addPending(e, f.Name, mateRef)
		}
	case f.hasCoords && f.pendingSet:
		p.untrackLocked(f)
	}
}

func (p *PartitionData) untrackLocked(f *Fragment) {
	if f.pendingSet {
		f.pendingSet = false
		p.store.partitionAt(f.pendingAt).removePending(f.pendingAt, f.Name)
	}
}

// addRead attaches r to its fragment, creating the fragment on the
// first read of a template. A read for a fragment that was already
// written is logged and dropped.
func (p *PartitionData) addRead(r *sam.Record) (update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	written, key, moved := p.lookupTombstone(r.Name)
	if written {
		log.Error.Printf("%s: read at %d:%d arrived after its fragment was written, dropping it",
			r.Name, r.Ref.ID(), r.Pos)
		return update{}, nil
	}
	if moved {
		return update{forward: key, forwarded: true}, nil
	}
	var f *Fragment
	if g, ok := p.members[r.Name]; ok {
		f = g.fragment(r.Name)
	} else if f, ok = p.fragments[r.Name]; !ok {
		f = newFragment(r)
		p.fragments[r.Name] = f
	}
	if err := f.addRead(r, p.Key, p.store); err != nil {
		return update{}, err
	}
	var u update
	p.settleLocked(f, &u)
	return u, nil
}

// adopt takes over a fragment whose group lives in this partition.
func (p *PartitionData) adopt(f *Fragment) (update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.addFragmentLocked(f)
	if err != nil {
		return update{}, err
	}
	var u update
	p.settleLocked(f, &u)
	return u, nil
}

// AddFragment inserts frag, or merges its reads into the fragment of
// the same name, and returns the fragment now held by the partition.
func (p *PartitionData) AddFragment(frag *Fragment) (*Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addFragmentLocked(frag)
}

func (p *PartitionData) addFragmentLocked(frag *Fragment) (*Fragment, error) {
	existing, ok := p.fragments[frag.Name]
	if g, grouped := p.members[frag.Name]; grouped {
		existing, ok = g.fragment(frag.Name), true
	}
	if !ok {
		p.fragments[frag.Name] = frag
		return frag, nil
	}
	if existing == frag {
		return existing, nil
	}
	p.untrackLocked(frag)
	if err := existing.merge(frag, p.Key, p.store); err != nil {
		return nil, err
	}
	p.trackPendingLocked(existing)
	return existing, nil
}

// RegisterInGroup moves f from the pending fragments into the group of
// its coordinates, creating the group if needed. Registering a fragment
// twice has no effect. It returns nil if the coordinates of f are not
// known or f is not grouped.
func (p *PartitionData) RegisterInGroup(f *Fragment) *DuplicateGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !f.grouped() {
		return nil
	}
	return p.registerLocked(f)
}

func (p *PartitionData) registerLocked(f *Fragment) *DuplicateGroup {
	if g, ok := p.members[f.Name]; ok {
		return g
	}
	delete(p.fragments, f.Name)
	g, ok := p.groups[f.coords]
	if !ok {
		g = &DuplicateGroup{Partition: p.Key, Coords: f.coords}
		p.groups[f.coords] = g
		p.byPos.Insert(g)
	}
	g.Fragments = append(g.Fragments, f)
	p.members[f.Name] = g
	return g
}

// settleLocked runs after every insert. It registers f once its
// coordinates are known, or hands it to the partition of its group, and
// collects the groups that are now finalizable.
func (p *PartitionData) settleLocked(f *Fragment, u *update) {
	if g, ok := p.members[f.Name]; ok {
		if p.finalizableLocked(g) {
			u.ready = append(u.ready, p.releaseLocked(g))
		}
		return
	}
	p.trackPendingLocked(f)
	if !f.hasCoords {
		return
	}
	if !f.grouped() {
		// A fragment without a key is written as is once complete.
		if f.Complete() {
			delete(p.fragments, f.Name)
			u.ready = append(u.ready, singleton(p.Key, f))
		}
		return
	}
	if key := p.store.groupKey(f.coords); key != p.Key {
		delete(p.fragments, f.Name)
		if !f.Complete() {
			p.setMoved(f.Name, key)
			f.origin, f.hasOrigin = p.Key, true
		}
		u.moved, u.forward = f, key
		return
	}
	g := p.registerLocked(f)
	if p.finalizableLocked(g) {
		u.ready = append(u.ready, p.releaseLocked(g))
	}
}

// finalizableLocked returns true if no fragment can join g any more, and
// no read can arrive for the fragments in it.
func (p *PartitionData) finalizableLocked(g *DuplicateGroup) bool {
	if !p.store.closed(g.Coords) {
		return false
	}
	for _, f := range g.Fragments {
		if !f.resolved(p.store.IsComplete) {
			return false
		}
	}
	return !p.waiting(g.Coords.leftEnd())
}

// releaseLocked removes g from the partition.
func (p *PartitionData) releaseLocked(g *DuplicateGroup) *DuplicateGroup {
	if g.Coords.Valid() {
		delete(p.groups, g.Coords)
		p.byPos.Delete(g)
	}
	for _, f := range g.Fragments {
		delete(p.members, f.Name)
		delete(p.fragments, f.Name)
		p.untrackLocked(f)
		p.retireLocked(f)
	}
	g.sortFragments()
	return g
}

// retireLocked updates the tombstones of the home partition of f, which
// is being released.
func (p *PartitionData) retireLocked(f *Fragment) {
	home := p
	if f.hasOrigin {
		home = p.store.GetOrCreate(f.origin)
	}
	complete := f.Complete()
	if !complete {
		log.Debug.Printf("%s: written with %d of %d reads, supplementary alignments in %v",
			f.Name, len(f.Reads), f.expectedReads(), f.RemotePartitions())
	}
	if complete && !f.hasOrigin {
		return
	}
	home.retire(f.Name, complete, f.chromosomes)
}

// CompletedGroups returns the groups that can no longer grow, because
// the chromosome reader is past them, and whose fragments have received
// all of their reads. The groups are removed from the partition.
func (p *PartitionData) CompletedGroups() *GroupIterator {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ready []*DuplicateGroup
	p.byPos.Do(func(c llrb.Comparable) bool {
		g := c.(*DuplicateGroup)
		if !p.store.closed(g.Coords) {
			return true
		}
		if p.finalizableLocked(g) {
			ready = append(ready, g)
		}
		return false
	})
	for _, g := range ready {
		p.releaseLocked(g)
	}
	return &GroupIterator{groups: ready}
}

// Sweep returns every finalizable group, and every ungrouped fragment
// that can no longer receive reads because the chromosomes that may
// hold them have been read in full. Incomplete fragments are handed out
// with the reads they have.
func (p *PartitionData) Sweep() *GroupIterator {
	p.pruneTombstones()
	p.mu.Lock()
	defer p.mu.Unlock()
	var ready []*DuplicateGroup
	p.byPos.Do(func(c llrb.Comparable) bool {
		g := c.(*DuplicateGroup)
		if p.finalizableLocked(g) {
			ready = append(ready, g)
		}
		return false
	})
	for _, f := range p.sortedFragmentsLocked() {
		if f.resolved(p.store.IsComplete) {
			ready = append(ready, singleton(p.Key, f))
		}
	}
	for _, g := range ready {
		p.releaseLocked(g)
	}
	return &GroupIterator{groups: ready}
}

func (p *PartitionData) sortedFragmentsLocked() []*Fragment {
	out := make([]*Fragment, 0, len(p.fragments))
	for _, f := range p.fragments {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// drain removes and returns everything the partition holds.
func (p *PartitionData) drain() []*DuplicateGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []*DuplicateGroup
	p.byPos.Do(func(c llrb.Comparable) bool {
		all = append(all, c.(*DuplicateGroup))
		return false
	})
	for _, f := range p.sortedFragmentsLocked() {
		all = append(all, singleton(p.Key, f))
	}
	for _, g := range all {
		p.releaseLocked(g)
	}
	p.tombMu.Lock()
	p.moved = make(map[string]PartitionKey)
	p.written = make(map[string][]int)
	p.tombMu.Unlock()
	return all
}

// WriteRemainingReads finalizes every group and fragment left in the
// partition, whether or not all of their reads arrived. Fragments that
// never joined a group are written unmodified.
func (p *PartitionData) WriteRemainingReads(fin *Finalizer) error {
	for _, g := range p.drain() {
		if err := fin.Finalize(g); err != nil {
			return err
		}
	}
	return nil
}
