package markduplicates

import (
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// Orientation encodes the strands of the ends of a fragment.
type Orientation uint8

const (
	f  Orientation = iota // Forward (single fragment)
	r                     // Reverse (single fragment)
	ff                    // Forward, Forward
	fr                    // Forward, Reverse
	rf                    // Reverse, Forward
	rr                    // Reverse, Reverse

	noOrientation Orientation = 0xff
)

func (o Orientation) String() string {
	switch o {
	case f:
		return "f"
	case r:
		return "r"
	case ff:
		return "ff"
	case fr:
		return "fr"
	case rf:
		return "rf"
	case rr:
		return "rr"
	}
	return "none"
}

// FragmentCoordinates is the duplicate key of a fragment. For a pair,
// the end with the smaller (reference, unclipped 5' position, strand)
// is the left end, so both reads of a pair yield the same key. A single
// ended key has RightRefID and RightPos set to -1 and a single-fragment
// orientation, so it never equals a paired key.
type FragmentCoordinates struct {
	LeftRefID   int
	LeftPos     int
	RightRefID  int
	RightPos    int
	Orientation Orientation
}

// NoCoords marks fragments that take no part in duplicate grouping.
var NoCoords = FragmentCoordinates{
	LeftRefID:   -1,
	LeftPos:     -1,
	RightRefID:  -1,
	RightPos:    -1,
	Orientation: noOrientation,
}

func (c FragmentCoordinates) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d,%v)", c.LeftRefID, c.LeftPos,
		c.RightRefID, c.RightPos, c.Orientation)
}

// IsSingle returns true for single ended keys.
func (c FragmentCoordinates) IsSingle() bool {
	return c.Orientation == f || c.Orientation == r
}

// Valid returns true unless c is NoCoords.
func (c FragmentCoordinates) Valid() bool {
	return c != NoCoords
}

func (c FragmentCoordinates) less(o FragmentCoordinates) bool {
	if c.LeftPos != o.LeftPos {
		return c.LeftPos < o.LeftPos
	}
	if c.LeftRefID != o.LeftRefID {
		return c.LeftRefID < o.LeftRefID
	}
	if c.RightRefID != o.RightRefID {
		return c.RightRefID < o.RightRefID
	}
	if c.RightPos != o.RightPos {
		return c.RightPos < o.RightPos
	}
	return c.Orientation < o.Orientation
}

// leftEnd returns the left end of c.
func (c FragmentCoordinates) leftEnd() end {
	return end{c.LeftRefID, c.LeftPos, c.Orientation == r || c.Orientation == rf || c.Orientation == rr}
}

func orientationByteSingle(reversed bool) Orientation {
	if reversed {
		return r
	}
	return f
}

func orientationBytePair(leftReversed, rightReversed bool) Orientation {
	if leftReversed {
		if rightReversed {
			return rr
		}
		return rf
	}
	if rightReversed {
		return fr
	}
	return ff
}

// end is one end of a fragment: the unclipped 5' position of a read.
type end struct {
	refID   int
	pos     int
	reverse bool
}

func (e end) less(o end) bool {
	if e.refID != o.refID {
		return e.refID < o.refID
	}
	if e.pos != o.pos {
		return e.pos < o.pos
	}
	return !e.reverse && o.reverse
}

func readEnd(rec *sam.Record) end {
	return end{rec.Ref.ID(), bam.UnclippedFivePrimePosition(rec), bam.IsReverse(rec)}
}

func pairCoordinates(a, b end) FragmentCoordinates {
	if b.less(a) {
		a, b = b, a
	}
	return FragmentCoordinates{
		LeftRefID:   a.refID,
		LeftPos:     a.pos,
		RightRefID:  b.refID,
		RightPos:    b.pos,
		Orientation: orientationBytePair(a.reverse, b.reverse),
	}
}

func singleCoordinates(e end) FragmentCoordinates {
	return FragmentCoordinates{
		LeftRefID:   e.refID,
		LeftPos:     e.pos,
		RightRefID:  -1,
		RightPos:    -1,
		Orientation: orientationByteSingle(e.reverse),
	}
}

// groupable returns true if rec is a primary, mapped read with an
// alignment that can yield a key.
func groupable(rec *sam.Record) bool {
	return rec.Ref != nil && !bam.IsUnmapped(rec) && bam.IsPrimary(rec) && bam.ValidCigar(rec)
}

// coordinatesFromRecord computes the key of rec's fragment from rec
// alone. The second result is false when rec is paired with a mapped
// mate but carries no usable MC tag; the key is then known only once
// both primaries are in hand.
func coordinatesFromRecord(rec *sam.Record) (FragmentCoordinates, bool) {
	if !groupable(rec) {
		if bam.IsPrimary(rec) && !bam.IsUnmapped(rec) {
			log.Debug.Printf("%s: cigar %v does not match the read, not grouping", rec.Name, rec.Cigar)
		}
		return NoCoords, true
	}
	own := readEnd(rec)
	if bam.HasNoMappedMate(rec) {
		return singleCoordinates(own), true
	}
	if rec.MateRef == nil {
		return NoCoords, false
	}
	matePos, ok := bam.MateUnclippedFivePrimePosition(rec)
	if !ok {
		return NoCoords, false
	}
	return pairCoordinates(own, end{rec.MateRef.ID(), matePos, bam.IsMateReverse(rec)}), true
}

// coordinatesFromPair computes the key of a pair from both primaries.
func coordinatesFromPair(a, b *sam.Record) FragmentCoordinates {
	if !groupable(a) || !groupable(b) {
		return NoCoords
	}
	return pairCoordinates(readEnd(a), readEnd(b))
}

// NewFragmentCoordinates returns the duplicate key of the fragment rec
// belongs to. Supplementary, secondary and unmapped reads, reads with an
// invalid cigar, and paired reads without an MC tag yield NoCoords.
func NewFragmentCoordinates(rec *sam.Record) FragmentCoordinates {
	c, _ := coordinatesFromRecord(rec)
	return c
}
