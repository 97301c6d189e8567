// Package consensus collapses a set of duplicate reads into a single
// consensus read. Reads are placed on absolute reference columns, the
// cigar operator of each column is chosen by vote, and each emitted base
// is the base with the highest summed quality among the reads covering
// the column.
package consensus

import (
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// Outcome classifies how a consensus read was formed.
type Outcome int

const (
	// AlignmentOnly means no input read had an insertion or deletion.
	AlignmentOnly Outcome = iota
	// IndelMatch means all input reads share the same indels.
	IndelMatch
	// IndelMismatch means the input reads disagree on their indels and
	// the consensus cigar was formed by vote.
	IndelMismatch
	// IndelFail means no consensus alignment could be formed and the
	// best input read was copied.
	IndelFail
)

func (o Outcome) String() string {
	switch o {
	case AlignmentOnly:
		return "ALIGNMENT_ONLY"
	case IndelMatch:
		return "INDEL_MATCH"
	case IndelMismatch:
		return "INDEL_MISMATCH"
	case IndelFail:
		return "INDEL_FAIL"
	}
	return "UNKNOWN"
}

// RefGenome looks up reference bases. It must be safe for concurrent use.
type RefGenome interface {
	// Base returns the upper-case base at 0-based position pos of chrom.
	Base(chrom string, pos int) (byte, error)
}

// Info is the result of CreateConsensusRead.
type Info struct {
	Record  *sam.Record
	Outcome Outcome
}

var (
	// ConsensusCountTag holds the number of reads a consensus read was
	// formed from.
	ConsensusCountTag = sam.NewTag("CR")
	readGroupTag      = sam.NewTag("RG")
)

// Engine forms consensus reads. An Engine is safe for concurrent use.
type Engine struct {
	ref RefGenome
}

// NewEngine returns an Engine that breaks base quality ties in favor of
// the reference base. ref may be nil, in which case ties are broken by
// base order alone.
func NewEngine(ref RefGenome) *Engine {
	return &Engine{ref: ref}
}

// CreateConsensusRead returns one read formed from reads, which must be
// mapped to the same reference and represent the same end of a group of
// duplicate fragments. The result does not depend on the order of reads.
//
// Base and quality of each column: the winning base has the highest
// summed quality. Ties go to the reference base when it is among the
// tied bases, then to the first of A, C, G, T, N. The quality is
//
//   round(maxQ * max(0, sumW - sumOthers) / sumW)
//
// where sumW is the summed quality of reads with the winning base, maxQ
// their highest quality, and sumOthers the summed quality of all other
// reads voting in the column. Rounding is half up.
//
// The consensus record takes its flags, mate fields and read group from
// the input read with the highest total base quality (then the smallest
// name), its mapping quality from the best input read, and is named
// name.
func (e *Engine) CreateConsensusRead(reads []*sam.Record, name string) (Info, error) {
	if len(reads) == 0 {
		return Info{}, errors.E("consensus of zero reads", name)
	}
	ref := reads[0].Ref
	layouts := make([]*layout, 0, len(reads))
	var invalid []*sam.Record
	for _, r := range reads {
		if r.Ref == nil || ref == nil || r.Ref.ID() != ref.ID() {
			return Info{}, errors.E("consensus reads must be mapped to one reference", name)
		}
		l, ok := newLayout(r)
		if !ok {
			invalid = append(invalid, r)
			continue
		}
		layouts = append(layouts, l)
	}
	if len(invalid) > 0 {
		return Info{templateCopy(bestRead(reads), name, len(reads)), IndelFail}, nil
	}
	sort.Slice(layouts, func(i, j int) bool { return layoutLess(layouts[i], layouts[j]) })
	template := layouts[0].r
	if len(layouts) == 1 {
		return Info{templateCopy(template, name, 1), AlignmentOnly}, nil
	}

	outcome := AlignmentOnly
	for _, l := range layouts {
		if len(l.indels) > 0 {
			outcome = IndelMatch
			break
		}
	}
	if outcome == IndelMatch {
		for _, l := range layouts[1:] {
			if !sameIndels(l.indels, layouts[0].indels) {
				outcome = IndelMismatch
				break
			}
		}
	}

	rec, ok, err := e.vote(layouts, ref.Name())
	if err != nil {
		return Info{}, errors.E(err, "consensus", name)
	}
	if !ok {
		return Info{templateCopy(template, name, len(reads)), IndelFail}, nil
	}
	rec.Name = name
	rec.Ref = ref
	rec.Flags = template.Flags &^ sam.Duplicate
	rec.MateRef = template.MateRef
	rec.MatePos = template.MatePos
	rec.TempLen = template.TempLen
	for _, l := range layouts {
		if l.r.MapQ > rec.MapQ {
			rec.MapQ = l.r.MapQ
		}
	}
	rec.AuxFields = consensusAux(template, len(reads))
	return Info{rec, outcome}, nil
}

func layoutLess(a, b *layout) bool {
	if a.qualSum != b.qualSum {
		return a.qualSum > b.qualSum
	}
	return recordLess(a.r, b.r)
}

func recordLess(a, b *sam.Record) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Pos != b.Pos {
		return a.Pos < b.Pos
	}
	return a.Flags < b.Flags
}

// bestRead picks the template when some reads cannot be laid out.
func bestRead(reads []*sam.Record) *sam.Record {
	best, bestSum := reads[0], -1
	for _, r := range reads {
		sum := 0
		for _, q := range r.Qual {
			if q != 0xff {
				sum += int(q)
			}
		}
		if sum > bestSum || (sum == bestSum && recordLess(r, best)) {
			best, bestSum = r, sum
		}
	}
	return best
}

func consensusAux(template *sam.Record, n int) sam.AuxFields {
	var aux sam.AuxFields
	if rg := template.AuxFields.Get(readGroupTag); rg != nil {
		aux = append(aux, rg)
	}
	cr, err := sam.NewAux(ConsensusCountTag, n)
	if err != nil {
		panic(err)
	}
	return append(aux, cr)
}

func templateCopy(t *sam.Record, name string, n int) *sam.Record {
	c := *t
	c.Name = name
	c.Flags &^= sam.Duplicate
	c.Cigar = append(sam.Cigar(nil), t.Cigar...)
	c.Qual = append([]byte(nil), t.Qual...)
	c.Seq.Seq = append([]sam.Doublet(nil), t.Seq.Seq...)
	c.AuxFields = consensusAux(t, n)
	return &c
}

type cigarBuilder struct {
	ops  sam.Cigar
	last sam.CigarOpType
	n    int
}

func (b *cigarBuilder) add(t sam.CigarOpType, n int) {
	if n == 0 {
		return
	}
	if b.n > 0 && t == b.last {
		b.n += n
		return
	}
	b.flush()
	b.last, b.n = t, n
}

func (b *cigarBuilder) flush() {
	if b.n > 0 {
		b.ops = append(b.ops, sam.NewCigarOp(b.last, b.n))
	}
	b.n = 0
}

// vote forms the consensus bases, qualities, cigar and position. It
// returns false if the reads leave a gap inside the aligned span or no
// column is aligned.
func (e *Engine) vote(layouts []*layout, chrom string) (*sam.Record, bool, error) {
	frameStart, frameEnd := layouts[0].start, layouts[0].end()
	for _, l := range layouts[1:] {
		if l.start < frameStart {
			frameStart = l.start
		}
		if l.end() > frameEnd {
			frameEnd = l.end()
		}
	}
	kinds := make([]byte, frameEnd-frameStart+1)
	firstA, lastA := -1, -1
	for i := range kinds {
		c := frameStart + i
		var nA, nD, nS int
		for _, l := range layouts {
			switch l.at(c).kind {
			case colAligned:
				nA++
			case colDeleted:
				nD++
			case colSoft:
				nS++
			}
		}
		switch {
		case nA+nD == 0 && nS == 0:
			kinds[i] = colNone
		case nA+nD == 0:
			kinds[i] = colSoft
		case nD > nA:
			kinds[i] = colDeleted
		default:
			kinds[i] = colAligned
			if firstA < 0 {
				firstA = i
			}
			lastA = i
		}
	}
	if firstA < 0 {
		return nil, false, nil
	}
	for i := range kinds {
		switch {
		case i < firstA || i > lastA:
			if kinds[i] == colDeleted {
				kinds[i] = colNone
			}
		case kinds[i] == colSoft:
			kinds[i] = colAligned
		case kinds[i] == colNone:
			return nil, false, nil
		}
	}

	var (
		cigar      cigarBuilder
		bases      []byte
		quals      []byte
		votedBases []byte
		votedQuals []byte
	)
	for i, kind := range kinds {
		c := frameStart + i
		switch kind {
		case colNone:
			continue
		case colDeleted:
			cigar.add(sam.CigarDeletion, 1)
		case colAligned, colSoft:
			votedBases, votedQuals = votedBases[:0], votedQuals[:0]
			for _, l := range layouts {
				col := l.at(c)
				if col.kind == colAligned || col.kind == colSoft {
					votedBases = append(votedBases, col.base)
					votedQuals = append(votedQuals, col.qual)
				}
			}
			b, q, err := e.callBase(chrom, c, kind == colAligned, votedBases, votedQuals)
			if err != nil {
				return nil, false, err
			}
			bases, quals = append(bases, b), append(quals, q)
			if kind == colAligned {
				cigar.add(sam.CigarMatch, 1)
			} else {
				cigar.add(sam.CigarSoftClipped, 1)
			}
		}
		if i >= firstA && i < lastA {
			ins, err := e.callInsertion(layouts, c)
			if err != nil {
				return nil, false, err
			}
			if len(ins.bases) > 0 {
				bases = append(bases, ins.bases...)
				quals = append(quals, ins.quals...)
				cigar.add(sam.CigarInsertion, len(ins.bases))
			}
		}
	}
	cigar.flush()
	return &sam.Record{
		Pos:   frameStart + firstA,
		Cigar: cigar.ops,
		Seq:   sam.NewSeq(bases),
		Qual:  quals,
	}, true, nil
}

// callInsertion returns the consensus insertion after column c. An
// insertion is kept when more than half of the reads whose aligned span
// crosses the junction carry one. Its length is the most common length,
// ties going to the shorter.
func (e *Engine) callInsertion(layouts []*layout, c int) (insertion, error) {
	var (
		spanning int
		lens     = map[int]int{}
		inserted []insertion
	)
	for _, l := range layouts {
		if l.alignStart <= c && l.alignEnd >= c+1 {
			spanning++
		}
		if ins, ok := l.ins[c]; ok {
			inserted = append(inserted, ins)
			lens[len(ins.bases)]++
		}
	}
	if 2*len(inserted) <= spanning {
		return insertion{}, nil
	}
	best, bestCount := 0, 0
	for n, count := range lens {
		if count > bestCount || (count == bestCount && n < best) {
			best, bestCount = n, count
		}
	}
	var out insertion
	var votedBases, votedQuals []byte
	for i := 0; i < best; i++ {
		votedBases, votedQuals = votedBases[:0], votedQuals[:0]
		for _, ins := range inserted {
			if len(ins.bases) == best {
				votedBases = append(votedBases, ins.bases[i])
				votedQuals = append(votedQuals, ins.quals[i])
			}
		}
		b, q, err := e.callBase("", 0, false, votedBases, votedQuals)
		if err != nil {
			return insertion{}, err
		}
		out.bases = append(out.bases, b)
		out.quals = append(out.quals, q)
	}
	return out, nil
}

const baseOrder = "ACGTN"

// callBase picks the consensus base and quality of one column. The
// reference is consulted only when the quality sums tie and the column
// is aligned to the reference.
func (e *Engine) callBase(chrom string, pos int, isReference bool, bases, quals []byte) (byte, byte, error) {
	var sum, maxQ [len(baseOrder)]int
	total := 0
	for i, b := range bases {
		j := indexOfBase(b)
		q := int(quals[i])
		sum[j] += q
		if q > maxQ[j] {
			maxQ[j] = q
		}
		total += q
	}
	seen := func(j int) bool {
		for _, b := range bases {
			if indexOfBase(b) == j {
				return true
			}
		}
		return false
	}
	winner, ties := -1, 0
	for j := range sum {
		if !seen(j) {
			continue
		}
		switch {
		case winner < 0 || sum[j] > sum[winner]:
			winner, ties = j, 1
		case sum[j] == sum[winner]:
			ties++
		}
	}
	if ties > 1 && isReference && e.ref != nil {
		refBase, err := e.ref.Base(chrom, pos)
		if err != nil {
			return 0, 0, err
		}
		if j := indexOfBase(refBase); seen(j) && sum[j] == sum[winner] {
			winner = j
		}
	}
	sumW := sum[winner]
	if sumW == 0 {
		return baseOrder[winner], 0, nil
	}
	diff := sumW - (total - sumW)
	if diff < 0 {
		diff = 0
	}
	q := (2*maxQ[winner]*diff + sumW) / (2 * sumW)
	return baseOrder[winner], byte(q), nil
}

func indexOfBase(b byte) int {
	switch b {
	case 'A':
		return 0
	case 'C':
		return 1
	case 'G':
		return 2
	case 'T':
		return 3
	}
	return 4
}
