package markduplicates

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/simd"
	"github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/hts/sam"
)

var (
	rgTag = sam.Tag{'R', 'G'}
	diTag = sam.Tag{'D', 'I'}
	dlTag = sam.Tag{'D', 'L'}
	dsTag = sam.Tag{'D', 'S'}
	dtTag = sam.Tag{'D', 'T'}
	duTag = sam.Tag{'D', 'U'}
	mcTag = sam.Tag{'M', 'C'}
)

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}

func baseQScore(r *sam.Record) int {
	s := simd.Accumulate8Greater(r.Qual, 14)
	s = min(s, 32767/2) // use the same clamping as picard
	if bam.IsQCFail(r) {
		s -= (32768 / 2)
	}
	return s
}

func getReadGroup(r *sam.Record) (string, bool) {
	aux := r.AuxFields.Get(rgTag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}

// GetLibrary returns the library for the given record's read group.
// If the library is not defined in readGroupLibrary, returns "Unknown
// Library".
func GetLibrary(readGroupLibrary map[string]string, record *sam.Record) string {
	const unknown = "Unknown Library"

	readGroup, found := getReadGroup(record)
	if !found {
		return unknown
	}

	library := readGroupLibrary[readGroup]
	if library == "" {
		return unknown
	}
	return library
}

func clearDupFlagTags(r *sam.Record) {
	r.Flags &^= sam.Duplicate

	tagsToRemove := []sam.Tag{diTag, dlTag, dsTag, dtTag, duTag}
	bam.ClearAuxTags(r, tagsToRemove)
}

// setDuplicateCount tags r with the size of its duplicate group.
func setDuplicateCount(r *sam.Record, n int) {
	if n <= 1 {
		return
	}
	aux, err := sam.NewAux(dsTag, n)
	if err != nil {
		log.Fatalf("error creating DS:i:%d tag: %v", n, err)
	}
	bam.SetAuxTag(r, aux)
}

// position is a reference coordinate used to pick the home partition of
// a fragment.
type position struct {
	refID int
	pos   int
}

func (p position) less(o position) bool {
	if p.refID != o.refID {
		return p.refID < o.refID
	}
	return p.pos < o.pos
}

// homePosition returns the position that decides which partition owns
// the fragment of r: the leftmost of the primary alignment of r and the
// primary alignment of its mate. Every record of a template, including
// supplementary ones, maps to the same home position. refID resolves
// reference names found in SA tags.
func homePosition(r *sam.Record, refID func(string) (int, bool)) (position, bool) {
	var own position
	if bam.IsSupplementary(r) {
		alignments, err := bam.SupplementaryAlignments(r)
		if err != nil || len(alignments) == 0 {
			log.Debug.Printf("%s: supplementary read without a usable SA tag: %v", r.Name, err)
			return position{}, false
		}
		id, ok := refID(alignments[0].Chromosome)
		if !ok {
			log.Debug.Printf("%s: SA reference %s not in header", r.Name, alignments[0].Chromosome)
			return position{}, false
		}
		own = position{id, alignments[0].Position}
	} else {
		own = position{r.Ref.ID(), r.Pos}
	}
	if bam.HasNoMappedMate(r) || r.MateRef == nil {
		return own, true
	}
	mate := position{r.MateRef.ID(), r.MatePos}
	if mate.less(own) {
		return mate, true
	}
	return own, true
}
