package markduplicates

import (
	"fmt"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/dupcollapse/consensus"
	"github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/dupcollapse/umi"
	"github.com/grailbio/hts/sam"
)

// Finalizer writes out duplicate groups handed out by PartitionData. A
// Finalizer is shared by all chromosome readers and is safe for
// concurrent use.
type Finalizer struct {
	Writer RecordWriter
	// Engine forms consensus reads when ApplyConsensus is set.
	Engine         *consensus.Engine
	ApplyConsensus bool
	// RemoveDups drops duplicate primary reads instead of flagging them.
	RemoveDups bool
	UMI        umi.Config
	// Corrector, if not nil, snaps UMIs to a known list before
	// clustering.
	Corrector        *umi.SnapCorrector
	ReadGroupLibrary map[string]string
	Metrics          *MetricsCollection
}

// Finalize writes the records of g. Each UMI subgroup of more than one
// fragment is either collapsed into consensus reads or marked; other
// fragments are written unmodified.
func (fin *Finalizer) Finalize(g *DuplicateGroup) error {
	if !g.Coords.Valid() || len(g.Fragments) == 1 {
		for _, f := range g.Fragments {
			if err := fin.writeUnmodified(f); err != nil {
				return err
			}
		}
		return nil
	}
	for _, sub := range fin.subgroups(g.Fragments) {
		var err error
		switch {
		case len(sub) == 1:
			err = fin.writeUnmodified(sub[0])
		case fin.ApplyConsensus:
			err = fin.collapse(g.Coords, sub)
		default:
			err = fin.mark(g.Coords, sub)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// subgroups splits frags by UMI. Fragments whose UMI cannot be parsed
// form subgroups of their own.
func (fin *Finalizer) subgroups(frags []*Fragment) [][]*Fragment {
	if !fin.UMI.Enabled {
		return [][]*Fragment{frags}
	}
	umis := make([]string, len(frags))
	for i, f := range frags {
		u, ok := fin.UMI.FromReadName(f.Name)
		if !ok {
			log.Debug.Printf("%s: no usable umi in read name", f.Name)
			continue
		}
		if fin.Corrector != nil {
			u = fin.Corrector.Correct(fin.UMI, u)
		}
		f.umi = u
		umis[i] = u
	}
	clusters := fin.UMI.Cluster(umis)
	out := make([][]*Fragment, len(clusters))
	for i, c := range clusters {
		for _, idx := range c {
			out[i] = append(out[i], frags[idx])
		}
	}
	return out
}

func (fin *Finalizer) write(f *Fragment, n int, keep func(r *sam.Record) bool) error {
	if f.status == Written {
		log.Error.Printf("fragment %s: already written with DS:i:%d, not writing it again", f.Name, f.DuplicateCount())
		return nil
	}
	if err := f.setStatus(Written); err != nil {
		log.Error.Printf("%v, not writing it", err)
		return nil
	}
	f.dupCount = n
	for _, r := range f.Reads {
		if !keep(r) {
			continue
		}
		if err := fin.Writer.WriteRecord(r, n); err != nil {
			return errors.E(err, "write", r.Name)
		}
	}
	return nil
}

func (fin *Finalizer) writeUnmodified(f *Fragment) error {
	return fin.write(f, 1, func(*sam.Record) bool { return true })
}

func (fin *Finalizer) countDuplicate(coords FragmentCoordinates, f *Fragment) {
	primaries := f.primaryReads()
	if len(primaries) == 0 {
		return
	}
	fin.Metrics.Update(GetLibrary(fin.ReadGroupLibrary, primaries[0]), func(m *Metrics) {
		if coords.IsSingle() {
			m.UnpairedDups += len(primaries)
		} else {
			m.ReadPairDups += len(primaries)
		}
	})
}

// mark keeps the fragment with the highest base quality score, ties
// broken by name, and flags the primary reads of the others as
// duplicates.
func (fin *Finalizer) mark(coords FragmentCoordinates, sub []*Fragment) error {
	best := sub[0]
	for _, f := range sub[1:] {
		if f.score > best.score || (f.score == best.score && f.Name < best.Name) {
			best = f
		}
	}
	n := len(sub)
	log.Debug.Printf("%s: kept over %d duplicates at %v, average base quality %.1f",
		best.Name, n-1, coords, best.AverageBaseQuality())
	for _, f := range sub {
		if f == best {
			if err := fin.write(f, n, func(*sam.Record) bool { return true }); err != nil {
				return err
			}
			continue
		}
		if err := fin.writeDuplicate(coords, f, n, true); err != nil {
			return err
		}
	}
	return nil
}

// writeDuplicate flags the primary reads of f as duplicates and writes
// them, or drops them if duplicates are removed. Supplementary reads are
// always written. counted adds f to the duplicate metrics.
func (fin *Finalizer) writeDuplicate(coords FragmentCoordinates, f *Fragment, n int, counted bool) error {
	if err := f.setStatus(Duplicate); err != nil {
		log.Error.Printf("%v", err)
		return nil
	}
	if counted {
		fin.countDuplicate(coords, f)
	}
	for _, r := range f.Reads {
		if bam.IsPrimary(r) {
			r.Flags |= sam.Duplicate
		}
	}
	return fin.write(f, n, func(r *sam.Record) bool {
		return !fin.RemoveDups || bam.IsSupplementary(r)
	})
}

// consensusName returns the name of the consensus reads of a subgroup.
// It depends only on the set of fragment names.
func consensusName(sub []*Fragment) string {
	names := make([]string, len(sub))
	for i, f := range sub {
		names[i] = f.Name
	}
	return fmt.Sprintf("CNS_%016x", farm.Fingerprint64([]byte(strings.Join(names, "\n"))))
}

// ends splits the primary reads of sub into the reads at the left and
// right end of coords.
func ends(coords FragmentCoordinates, sub []*Fragment) (left, right []*sam.Record) {
	leftEnd := coords.leftEnd()
	for _, f := range sub {
		primaries := f.primaryReads()
		switch {
		case coords.IsSingle():
			left = append(left, primaries...)
		case len(primaries) == 2:
			left = append(left, primaries[0])
			right = append(right, primaries[1])
		case len(primaries) == 1:
			if groupable(primaries[0]) && readEnd(primaries[0]) == leftEnd {
				left = append(left, primaries[0])
			} else {
				right = append(right, primaries[0])
			}
		}
	}
	return left, right
}

// collapse replaces the primary reads of sub with one consensus read
// per end. The originals are flagged as duplicates, or dropped if
// duplicates are removed.
func (fin *Finalizer) collapse(coords FragmentCoordinates, sub []*Fragment) error {
	name := consensusName(sub)
	n := len(sub)
	left, right := ends(coords, sub)
	var records []*sam.Record
	for _, reads := range [][]*sam.Record{left, right} {
		if len(reads) == 0 {
			continue
		}
		info, err := fin.Engine.CreateConsensusRead(reads, name)
		if err != nil {
			return errors.E(err, "consensus", coords.String())
		}
		log.Debug.Printf("%s: consensus of %d reads at %v: %v", name, len(reads), coords, info.Outcome)
		records = append(records, info.Record)
	}
	if len(records) == 2 {
		pairConsensus(records[0], records[1])
	}
	for _, rec := range records {
		if err := fin.Writer.WriteConsensusRecord(rec, n); err != nil {
			return errors.E(err, "write", name)
		}
	}
	if len(records) > 0 {
		fin.Metrics.Update(GetLibrary(fin.ReadGroupLibrary, records[0]), func(m *Metrics) {
			m.ConsensusGroups++
			m.ConsensusReads += len(records)
		})
	}
	// The consensus stands in for one of the fragments.
	for i, f := range sub {
		if err := fin.writeDuplicate(coords, f, n, i > 0); err != nil {
			return err
		}
	}
	return nil
}

// pairConsensus links the consensus reads of the two ends of a pair as
// mates.
func pairConsensus(left, right *sam.Record) {
	const pairFlags = sam.Paired | sam.MateUnmapped | sam.MateReverse | sam.Read1 | sam.Read2
	leftFlags := left.Flags
	left.Flags = left.Flags&^pairFlags | sam.Paired
	right.Flags = right.Flags&^pairFlags | sam.Paired
	if leftFlags&sam.Read2 != 0 {
		left.Flags |= sam.Read2
		right.Flags |= sam.Read1
	} else {
		left.Flags |= sam.Read1
		right.Flags |= sam.Read2
	}
	if bam.IsReverse(right) {
		left.Flags |= sam.MateReverse
	}
	if bam.IsReverse(left) {
		right.Flags |= sam.MateReverse
	}
	left.MateRef, left.MatePos = right.Ref, right.Pos
	right.MateRef, right.MatePos = left.Ref, left.Pos

	left.TempLen, right.TempLen = 0, 0
	if left.Ref.ID() == right.Ref.ID() {
		start, stop := left.Pos, left.End()
		if right.Pos < start {
			start = right.Pos
		}
		if right.End() > stop {
			stop = right.End()
		}
		if left.Pos <= right.Pos {
			left.TempLen, right.TempLen = stop-start, start-stop
		} else {
			left.TempLen, right.TempLen = start-stop, stop-start
		}
	}
	setMateCigar(left, right.Cigar)
	setMateCigar(right, left.Cigar)
}

func setMateCigar(rec *sam.Record, cigar sam.Cigar) {
	aux, err := sam.NewAux(mcTag, cigar.String())
	if err != nil {
		log.Fatalf("error creating MC:Z:%v tag: %v", cigar, err)
	}
	bam.SetAuxTag(rec, aux)
}
