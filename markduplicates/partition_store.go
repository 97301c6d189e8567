package markduplicates

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"blainsmith.com/go/seahash"
	psync "github.com/exascience/pargo/sync"
	"github.com/grailbio/hts/sam"
	"github.com/willf/bitset"
)

// PartitionKey identifies a fixed size window of one reference.
type PartitionKey struct {
	RefID int
	Chrom string
	Index int
}

// String returns the key in the form "<chrom>_<index>".
func (k PartitionKey) String() string {
	return fmt.Sprintf("%s_%d", k.Chrom, k.Index)
}

// Hash implements pargo's sync.Hasher.
func (k PartitionKey) Hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(k.RefID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.Index))
	return seahash.Sum64(buf[:])
}

func (k PartitionKey) less(o PartitionKey) bool {
	if k.RefID != o.RefID {
		return k.RefID < o.RefID
	}
	return k.Index < o.Index
}

// PartitionStore owns the PartitionData of every partition, and the
// progress of every chromosome reader. It is shared by all workers and
// is safe for concurrent use.
type PartitionStore struct {
	refs          []*sam.Reference
	refIDs        map[string]int
	partitionSize int
	clipPadding   int

	partitions *psync.Map

	// watermarks[i] is the largest position read so far on reference i.
	watermarks []int64

	mu   sync.Mutex
	done *bitset.BitSet
}

// NewPartitionStore creates a store for the references of header.
// Partitions span partitionSize bases. A duplicate group can no longer
// grow once its chromosome reader is clipPadding bases past the group's
// left position.
func NewPartitionStore(header *sam.Header, partitionSize, clipPadding int) *PartitionStore {
	refs := header.Refs()
	s := &PartitionStore{
		refs:          refs,
		refIDs:        make(map[string]int, len(refs)),
		partitionSize: partitionSize,
		clipPadding:   clipPadding,
		partitions:    psync.NewMap(runtime.GOMAXPROCS(0)),
		watermarks:    make([]int64, len(refs)),
		done:          bitset.New(uint(len(refs))),
	}
	for i, ref := range refs {
		s.refIDs[ref.Name()] = ref.ID()
		s.watermarks[i] = -1
	}
	return s
}

func (s *PartitionStore) refID(name string) (int, bool) {
	id, ok := s.refIDs[name]
	return id, ok
}

// Key returns the key of the partition holding position pos of the
// reference with the given id.
func (s *PartitionStore) Key(refID, pos int) PartitionKey {
	if pos < 0 {
		pos = 0
	}
	return PartitionKey{
		RefID: refID,
		Chrom: s.refs[refID].Name(),
		Index: pos / s.partitionSize,
	}
}

// GetOrCreate returns the PartitionData for key, creating it on first
// use. Concurrent calls with equal keys return the same instance.
func (s *PartitionStore) GetOrCreate(key PartitionKey) *PartitionData {
	if p, ok := s.partitions.Load(key); ok {
		return p.(*PartitionData)
	}
	p, _ := s.partitions.LoadOrStore(key, newPartitionData(key, s))
	return p.(*PartitionData)
}

// groupKey returns the key of the partition that holds the group with
// coordinates c.
func (s *PartitionStore) groupKey(c FragmentCoordinates) PartitionKey {
	return s.Key(c.LeftRefID, c.LeftPos)
}

func (s *PartitionStore) partitionAt(e end) *PartitionData {
	return s.GetOrCreate(s.Key(e.refID, e.pos))
}

// AddRead attaches r to its fragment in the partition home, and returns
// the groups that became finalizable. Once the coordinates of a fragment
// are known, the fragment moves to the partition of its left end; reads
// that arrive later are forwarded there.
func (s *PartitionStore) AddRead(r *sam.Record, home PartitionKey) ([]*DuplicateGroup, error) {
	u, err := s.GetOrCreate(home).addRead(r)
	if err != nil {
		return nil, err
	}
	ready := u.ready
	// A fragment moves at most once, and a forwarded read never moves its
	// fragment again.
	for i := 0; i < 2 && (u.moved != nil || u.forwarded); i++ {
		target := s.GetOrCreate(u.forward)
		if u.moved != nil {
			u, err = target.adopt(u.moved)
		} else {
			u, err = target.addRead(r)
		}
		if err != nil {
			return nil, err
		}
		ready = append(ready, u.ready...)
	}
	return ready, nil
}

// Get returns the PartitionData for key if it exists.
func (s *PartitionStore) Get(key PartitionKey) (*PartitionData, bool) {
	p, ok := s.partitions.Load(key)
	if !ok {
		return nil, false
	}
	return p.(*PartitionData), true
}

// Partitions returns every partition created so far, ordered by key.
func (s *PartitionStore) Partitions() []*PartitionData {
	var out []*PartitionData
	s.partitions.Range(func(_, value interface{}) bool {
		out = append(out, value.(*PartitionData))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out
}

// Advance records that the reader of reference refID has reached pos.
func (s *PartitionStore) Advance(refID, pos int) {
	p := &s.watermarks[refID]
	for {
		old := atomic.LoadInt64(p)
		if int64(pos) <= old || atomic.CompareAndSwapInt64(p, old, int64(pos)) {
			return
		}
	}
}

// Watermark returns the largest position read so far on reference
// refID, or -1.
func (s *PartitionStore) Watermark(refID int) int {
	return int(atomic.LoadInt64(&s.watermarks[refID]))
}

// MarkComplete records that every record of reference refID has been
// read.
func (s *PartitionStore) MarkComplete(refID int) {
	s.mu.Lock()
	s.done.Set(uint(refID))
	s.mu.Unlock()
}

// IsComplete returns true if every record of reference refID has been
// read.
func (s *PartitionStore) IsComplete(refID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done.Test(uint(refID))
}

// closed returns true if no fragment can join a group with coordinates
// c any more.
func (s *PartitionStore) closed(c FragmentCoordinates) bool {
	return s.IsComplete(c.LeftRefID) || s.Watermark(c.LeftRefID) > c.LeftPos+s.clipPadding
}
