package consensus

import (
	"github.com/grailbio/base/simd"
	"github.com/grailbio/hts/sam"
)

// Kinds of reference columns.
const (
	colNone    = iota // not covered
	colAligned        // M, = or X
	colDeleted        // D or N
	colSoft           // soft clipped
)

// column is what one read contributes to one reference column.
type column struct {
	kind byte
	base byte
	qual byte
}

type insertion struct {
	bases []byte
	quals []byte
}

// layout places the bases of one read on reference columns. Soft clips
// occupy the columns they would have covered had they been aligned, so
// reads with different clip lengths line up on absolute positions. Hard
// clips and padding are ignored. Insertions before the first or after
// the last aligned base are treated as soft clips.
type layout struct {
	r          *sam.Record
	start      int // column of cols[0]
	alignStart int // first aligned column
	alignEnd   int // last aligned or deleted column of the aligned span
	cols       []column
	ins        map[int]insertion // keyed by the column the insertion follows
	indels     []indelOp
	qualSum    int
}

// indelOp records one internal insertion or deletion, for comparing the
// indel structure of reads.
type indelOp struct {
	pos int
	typ sam.CigarOpType
	len int
}

func (l *layout) end() int { return l.start + len(l.cols) - 1 }

func (l *layout) at(c int) column {
	if c < l.start || c > l.end() {
		return column{}
	}
	return l.cols[c-l.start]
}

func normalizeBase(b byte) byte {
	switch b {
	case 'A', 'C', 'G', 'T':
		return b
	case 'a', 'c', 'g', 't':
		return b - ('a' - 'A')
	}
	return 'N'
}

func isAligned(t sam.CigarOpType) bool {
	return t == sam.CigarMatch || t == sam.CigarEqual || t == sam.CigarMismatch
}

// newLayout returns the layout of r, or false if r has no aligned bases
// or its cigar disagrees with its sequence.
func newLayout(r *sam.Record) (*layout, bool) {
	seq := r.Seq.Expand()
	qual := r.Qual
	if len(qual) != len(seq) || (len(qual) > 0 && qual[0] == 0xff) {
		// Missing qualities.
		qual = make([]byte, len(seq))
	}
	first, last := -1, -1
	for i, op := range r.Cigar {
		if isAligned(op.Type()) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil, false
	}

	var (
		q         int
		refPos    = r.Pos
		leadSoft  int
		trailSoft int
	)
	for _, op := range r.Cigar[:first] {
		switch op.Type() {
		case sam.CigarSoftClipped, sam.CigarInsertion:
			leadSoft += op.Len()
		case sam.CigarDeletion, sam.CigarSkipped:
			refPos += op.Len()
		}
	}
	for _, op := range r.Cigar[last+1:] {
		switch op.Type() {
		case sam.CigarSoftClipped, sam.CigarInsertion:
			trailSoft += op.Len()
		}
	}
	alignStart := refPos

	l := &layout{
		r:          r,
		start:      alignStart - leadSoft,
		alignStart: alignStart,
		ins:        map[int]insertion{},
	}
	base := func() (byte, byte, bool) {
		if q >= len(seq) {
			return 0, 0, false
		}
		b, bq := normalizeBase(seq[q]), qual[q]
		q++
		return b, bq, true
	}
	for i := 0; i < leadSoft; i++ {
		b, bq, ok := base()
		if !ok {
			return nil, false
		}
		l.cols = append(l.cols, column{colSoft, b, bq})
	}
	c := alignStart
	for _, op := range r.Cigar[first : last+1] {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < op.Len(); i++ {
				b, bq, ok := base()
				if !ok {
					return nil, false
				}
				l.cols = append(l.cols, column{colAligned, b, bq})
				c++
			}
		case sam.CigarDeletion, sam.CigarSkipped:
			l.indels = append(l.indels, indelOp{c, sam.CigarDeletion, op.Len()})
			for i := 0; i < op.Len(); i++ {
				l.cols = append(l.cols, column{kind: colDeleted})
				c++
			}
		case sam.CigarInsertion:
			l.indels = append(l.indels, indelOp{c, sam.CigarInsertion, op.Len()})
			var ins insertion
			for i := 0; i < op.Len(); i++ {
				b, bq, ok := base()
				if !ok {
					return nil, false
				}
				ins.bases = append(ins.bases, b)
				ins.quals = append(ins.quals, bq)
			}
			prev := l.ins[c-1]
			l.ins[c-1] = insertion{append(prev.bases, ins.bases...), append(prev.quals, ins.quals...)}
		case sam.CigarSoftClipped:
			// Soft clips only occur at the ends of a valid cigar.
			return nil, false
		}
	}
	l.alignEnd = c - 1
	for i := 0; i < trailSoft; i++ {
		b, bq, ok := base()
		if !ok {
			return nil, false
		}
		l.cols = append(l.cols, column{colSoft, b, bq})
	}
	if q != len(seq) {
		return nil, false
	}
	l.qualSum = simd.Accumulate8(qual)
	return l, true
}

func sameIndels(a, b []indelOp) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
