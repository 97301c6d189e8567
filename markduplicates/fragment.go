package markduplicates

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/simd"
	"github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// Status is the state of a Fragment.
//
//   Unset -> {Primary, Supplementary}
//   Supplementary -> Primary, once the primary read arrives
//   Primary -> Duplicate, when grouped with other fragments
//   {Primary, Supplementary, Duplicate} -> Written
type Status uint8

const (
	// Unset is the status of a fragment without reads.
	Unset Status = iota
	// Supplementary fragments have only seen supplementary reads.
	Supplementary
	// Primary fragments have seen at least one primary read.
	Primary
	// Duplicate fragments belong to a group of more than one fragment.
	Duplicate
	// Written fragments have been handed to the RecordWriter.
	Written
)

func (s Status) String() string {
	switch s {
	case Unset:
		return "UNSET"
	case Supplementary:
		return "SUPPLEMENTARY"
	case Primary:
		return "PRIMARY"
	case Duplicate:
		return "DUPLICATE"
	case Written:
		return "WRITTEN"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) canMoveTo(next Status) bool {
	switch s {
	case Unset:
		return next == Primary || next == Supplementary
	case Supplementary:
		return next == Primary || next == Written
	case Primary:
		return next == Duplicate || next == Written
	case Duplicate:
		return next == Written
	}
	return false
}

// Fragment holds the records of one template: its primary reads and
// their supplementary alignments. A Fragment is owned by exactly one
// PartitionData, and is only accessed under that partition's lock.
type Fragment struct {
	Name  string
	Reads []*sam.Record

	coords    FragmentCoordinates
	hasCoords bool
	status    Status

	// expectedPrimaries is 0 until the first primary read arrives.
	expectedPrimaries       int
	expectedSupplementaries int
	primaries               int
	supplementaries         int

	// chromosomes lists the references that may hold reads of this
	// fragment.
	chromosomes []int
	// remote lists partitions, other than the home partition, that hold
	// supplementary alignments of this fragment.
	remote []PartitionKey

	// origin is the home partition of a fragment that moved to the
	// partition of its group before all of its reads arrived.
	origin    PartitionKey
	hasOrigin bool

	// pendingAt is the end of the first primary read, indexed in the
	// store while the coordinates are unknown.
	pendingAt  end
	pendingSet bool

	qualSum  int
	qualLen  int
	score    int
	umi      string
	dupCount int
}

// newFragment creates a fragment from its first read.
func newFragment(r *sam.Record) *Fragment {
	return &Fragment{Name: r.Name, coords: NoCoords}
}

// Status returns the current status of the fragment.
func (f *Fragment) Status() Status { return f.status }

// Coordinates returns the duplicate key of the fragment, and whether it
// is known yet.
func (f *Fragment) Coordinates() (FragmentCoordinates, bool) { return f.coords, f.hasCoords }

// DuplicateCount returns the size of the duplicate group the fragment
// was written with, or 0 before it is written.
func (f *Fragment) DuplicateCount() int { return f.dupCount }

// AverageBaseQuality returns the mean base quality of the primary reads.
func (f *Fragment) AverageBaseQuality() float64 {
	if f.qualLen == 0 {
		return 0
	}
	return float64(f.qualSum) / float64(f.qualLen)
}

// RemotePartitions returns the partitions other than the home partition
// that hold supplementary alignments of the fragment.
func (f *Fragment) RemotePartitions() []PartitionKey { return f.remote }

func (f *Fragment) setStatus(next Status) error {
	if f.status == next {
		return nil
	}
	if !f.status.canMoveTo(next) {
		return errors.E(fmt.Sprintf("fragment %s: invalid status change %v -> %v", f.Name, f.status, next))
	}
	f.status = next
	return nil
}

func (f *Fragment) addChromosome(id int) {
	for _, c := range f.chromosomes {
		if c == id {
			return
		}
	}
	f.chromosomes = append(f.chromosomes, id)
}

func (f *Fragment) addRemote(key PartitionKey) {
	for _, k := range f.remote {
		if k == key {
			return
		}
	}
	f.remote = append(f.remote, key)
}

// addRead attaches r to the fragment. home is the key of the partition
// that owns the fragment; store resolves reference names and partition
// keys.
func (f *Fragment) addRead(r *sam.Record, home PartitionKey, store *PartitionStore) error {
	if f.status == Written {
		return errors.E(fmt.Sprintf("fragment %s: read after the fragment was written", f.Name))
	}
	f.Reads = append(f.Reads, r)
	f.addChromosome(r.Ref.ID())
	if !bam.HasNoMappedMate(r) && r.MateRef != nil {
		f.addChromosome(r.MateRef.ID())
	}
	alignments, err := bam.SupplementaryAlignments(r)
	if err != nil {
		log.Debug.Printf("%s: ignoring malformed SA tag: %v", r.Name, err)
		alignments = nil
	}
	for _, a := range alignments {
		id, ok := store.refID(a.Chromosome)
		if !ok {
			continue
		}
		f.addChromosome(id)
		if key := store.Key(id, a.Position); key != home {
			f.addRemote(key)
		}
	}

	if bam.IsSupplementary(r) {
		f.supplementaries++
		if f.status == Unset {
			return f.setStatus(Supplementary)
		}
		return nil
	}

	f.primaries++
	if f.expectedPrimaries == 0 {
		f.expectedPrimaries = 2
		if bam.HasNoMappedMate(r) {
			f.expectedPrimaries = 1
		}
	}
	f.expectedSupplementaries += len(alignments)
	f.qualSum += simd.Accumulate8(r.Qual)
	f.qualLen += len(r.Qual)
	f.score += baseQScore(r)
	if f.status == Unset || f.status == Supplementary {
		if err := f.setStatus(Primary); err != nil {
			return err
		}
	}
	if !f.hasCoords {
		f.resolveCoordinates(r)
	}
	return nil
}

// resolveCoordinates sets the key once it can be computed from the
// primaries seen so far.
func (f *Fragment) resolveCoordinates(r *sam.Record) {
	c, ok := coordinatesFromRecord(r)
	if ok {
		f.coords, f.hasCoords = c, true
		return
	}
	primaries := f.primaryReads()
	if len(primaries) == 2 {
		f.coords, f.hasCoords = coordinatesFromPair(primaries[0], primaries[1]), true
	}
}

// expectedReads returns the number of reads the fragment expects so far.
func (f *Fragment) expectedReads() int {
	return f.expectedPrimaries + f.expectedSupplementaries
}

// Complete returns true once every expected read has arrived: the
// primary reads and one supplementary read per SA entry of each
// primary.
func (f *Fragment) Complete() bool {
	return f.expectedPrimaries > 0 &&
		f.primaries >= f.expectedPrimaries &&
		f.supplementaries >= f.expectedSupplementaries
}

// resolved returns true if no more reads can arrive for the fragment:
// either it is complete or every chromosome that may hold its reads has
// been read in full.
func (f *Fragment) resolved(done func(refID int) bool) bool {
	if f.Complete() {
		return true
	}
	for _, c := range f.chromosomes {
		if !done(c) {
			return false
		}
	}
	return true
}

// pendingEnd returns the end of a primary read whose mate is mapped but
// not seen yet, and the reference of that mate.
func (f *Fragment) pendingEnd() (end, int, bool) {
	for _, r := range f.Reads {
		if groupable(r) && !bam.HasNoMappedMate(r) && r.MateRef != nil {
			return readEnd(r), r.MateRef.ID(), true
		}
	}
	return end{}, 0, false
}

// grouped returns true if the fragment takes part in duplicate grouping.
func (f *Fragment) grouped() bool {
	return f.hasCoords && f.coords.Valid()
}

// primaryReads returns the primary reads of the fragment ordered by
// their 5' end, with read 1 first on ties.
func (f *Fragment) primaryReads() []*sam.Record {
	var out []*sam.Record
	for _, r := range f.Reads {
		if bam.IsPrimary(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !groupable(a) || !groupable(b) {
			return bam.IsRead1(a) && !bam.IsRead1(b)
		}
		ea, eb := readEnd(a), readEnd(b)
		if ea != eb {
			return ea.less(eb)
		}
		return bam.IsRead1(a) && !bam.IsRead1(b)
	})
	return out
}

// supplementaryReads returns the supplementary reads of the fragment.
func (f *Fragment) supplementaryReads() []*sam.Record {
	var out []*sam.Record
	for _, r := range f.Reads {
		if bam.IsSupplementary(r) {
			out = append(out, r)
		}
	}
	return out
}

// merge moves the reads of other into f.
func (f *Fragment) merge(other *Fragment, home PartitionKey, store *PartitionStore) error {
	for _, r := range other.Reads {
		if err := f.addRead(r, home, store); err != nil {
			return err
		}
	}
	if other.hasOrigin && !f.hasOrigin {
		f.origin, f.hasOrigin = other.origin, true
	}
	other.Reads = nil
	return nil
}
