package bam

import (
	"github.com/grailbio/hts/sam"
)

var mateCigarTag = sam.Tag{'M', 'C'}

// IsPaired returns true if the record is part of a pair.
func IsPaired(r *sam.Record) bool { return r.Flags&sam.Paired != 0 }

// IsProperPair returns true if both reads of the pair are aligned properly.
func IsProperPair(r *sam.Record) bool { return r.Flags&sam.ProperPair != 0 }

// IsUnmapped returns true if the record is unmapped.
func IsUnmapped(r *sam.Record) bool { return r.Flags&sam.Unmapped != 0 }

// IsMateUnmapped returns true if the mate of the record is unmapped.
func IsMateUnmapped(r *sam.Record) bool { return r.Flags&sam.MateUnmapped != 0 }

// IsReverse returns true if the record is aligned to the reverse strand.
func IsReverse(r *sam.Record) bool { return r.Flags&sam.Reverse != 0 }

// IsMateReverse returns true if the mate is aligned to the reverse strand.
func IsMateReverse(r *sam.Record) bool { return r.Flags&sam.MateReverse != 0 }

// IsRead1 returns true if the record is the first read of a pair.
func IsRead1(r *sam.Record) bool { return r.Flags&sam.Read1 != 0 }

// IsRead2 returns true if the record is the second read of a pair.
func IsRead2(r *sam.Record) bool { return r.Flags&sam.Read2 != 0 }

// IsSecondary returns true if the record is a secondary alignment.
func IsSecondary(r *sam.Record) bool { return r.Flags&sam.Secondary != 0 }

// IsQCFail returns true if the record failed vendor quality checks.
func IsQCFail(r *sam.Record) bool { return r.Flags&sam.QCFail != 0 }

// IsDuplicate returns true if the record is flagged as a duplicate.
func IsDuplicate(r *sam.Record) bool { return r.Flags&sam.Duplicate != 0 }

// IsSupplementary returns true if the record is a supplementary alignment.
func IsSupplementary(r *sam.Record) bool { return r.Flags&sam.Supplementary != 0 }

// IsPrimary returns true if the record is neither secondary nor
// supplementary.
func IsPrimary(r *sam.Record) bool {
	return r.Flags&(sam.Secondary|sam.Supplementary) == 0
}

// HasNoMappedMate returns true if record is unpaired or has an unmapped mate.
func HasNoMappedMate(record *sam.Record) bool {
	return (record.Flags&sam.Paired) == 0 || (record.Flags&sam.MateUnmapped) != 0
}

func isClip(t sam.CigarOpType) bool {
	return t == sam.CigarSoftClipped || t == sam.CigarHardClipped
}

// LeadingClip returns the number of soft and hard clipped bases at the
// start of cigar.
func LeadingClip(cigar sam.Cigar) int {
	n := 0
	for _, op := range cigar {
		if !isClip(op.Type()) {
			break
		}
		n += op.Len()
	}
	return n
}

// TrailingClip returns the number of soft and hard clipped bases at the
// end of cigar.
func TrailingClip(cigar sam.Cigar) int {
	n := 0
	for i := len(cigar) - 1; i >= 0; i-- {
		if !isClip(cigar[i].Type()) {
			break
		}
		n += cigar[i].Len()
	}
	return n
}

// ReferenceLength returns the number of reference bases covered by cigar.
func ReferenceLength(cigar sam.Cigar) int {
	n := 0
	for _, op := range cigar {
		n += op.Len() * op.Type().Consumes().Reference
	}
	return n
}

// LeftClipDistance returns the number of clipped bases at the left end
// of the alignment.
func LeftClipDistance(r *sam.Record) int { return LeadingClip(r.Cigar) }

// RightClipDistance returns the number of clipped bases at the right
// end of the alignment.
func RightClipDistance(r *sam.Record) int { return TrailingClip(r.Cigar) }

// FivePrimeClipDistance returns the number of clipped bases at the 5'
// end of the read.
func FivePrimeClipDistance(r *sam.Record) int {
	if IsReverse(r) {
		return RightClipDistance(r)
	}
	return LeftClipDistance(r)
}

// UnclippedStart returns the 0-based position where the read would
// start if no bases had been clipped.
func UnclippedStart(r *sam.Record) int {
	return r.Pos - LeadingClip(r.Cigar)
}

// UnclippedEnd returns the 0-based, inclusive position where the read
// would end if no bases had been clipped.
func UnclippedEnd(r *sam.Record) int {
	return r.Pos + ReferenceLength(r.Cigar) - 1 + TrailingClip(r.Cigar)
}

// UnclippedFivePrimePosition returns the unclipped 5' position of the
// read: the unclipped start for forward reads and the unclipped end for
// reverse reads.
func UnclippedFivePrimePosition(r *sam.Record) int {
	if IsReverse(r) {
		return UnclippedEnd(r)
	}
	return UnclippedStart(r)
}

// MateCigar returns the mate's cigar from the MC tag. It returns false
// if the tag is absent or cannot be parsed.
func MateCigar(r *sam.Record) (sam.Cigar, bool) {
	aux := r.AuxFields.Get(mateCigarTag)
	if aux == nil {
		return nil, false
	}
	s, ok := aux.Value().(string)
	if !ok {
		return nil, false
	}
	cigar, err := sam.ParseCigar([]byte(s))
	if err != nil || len(cigar) == 0 {
		return nil, false
	}
	return cigar, true
}

// MateUnclippedFivePrimePosition returns the unclipped 5' position of
// r's mate, computed from the mate position, the MateReverse flag and
// the MC tag. It returns false if the record has no mapped mate or no
// usable MC tag.
func MateUnclippedFivePrimePosition(r *sam.Record) (int, bool) {
	if HasNoMappedMate(r) || r.MateRef == nil {
		return 0, false
	}
	cigar, ok := MateCigar(r)
	if !ok {
		return 0, false
	}
	if IsMateReverse(r) {
		return r.MatePos + ReferenceLength(cigar) - 1 + TrailingClip(cigar), true
	}
	return r.MatePos - LeadingClip(cigar), true
}

// ValidCigar returns true if the cigar is consistent with the read's
// sequence length and aligns at least one base to the reference.
func ValidCigar(r *sam.Record) bool {
	if len(r.Cigar) == 0 {
		return false
	}
	query, aligned := 0, false
	for _, op := range r.Cigar {
		c := op.Type().Consumes()
		query += op.Len() * c.Query
		if op.Type() == sam.CigarMatch || op.Type() == sam.CigarEqual || op.Type() == sam.CigarMismatch {
			aligned = aligned || op.Len() > 0
		}
	}
	return aligned && (r.Seq.Length == 0 || query == r.Seq.Length)
}

// ClearAuxTags removes all aux fields from r whose tag is in tags.
func ClearAuxTags(r *sam.Record, tags []sam.Tag) {
	out := make([]sam.Aux, 0, len(r.AuxFields))
	for _, aux := range r.AuxFields {
		drop := false
		for _, tag := range tags {
			if aux.Tag() == tag {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, aux)
		}
	}
	r.AuxFields = out
}

// SetAuxTag replaces any existing aux field for aux's tag with aux.
func SetAuxTag(r *sam.Record, aux sam.Aux) {
	ClearAuxTags(r, []sam.Tag{aux.Tag()})
	r.AuxFields = append(r.AuxFields, aux)
}
