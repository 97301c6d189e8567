package bam

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
)

var saTag = sam.Tag{'S', 'A'}

// SupplementaryData describes one other alignment of a read, as listed
// in its SA:Z tag. Position is 0-based.
type SupplementaryData struct {
	Chromosome string
	Position   int
	Reverse    bool
	Cigar      string
	MapQ       int
	NM         int
}

func (s SupplementaryData) String() string {
	strand := '+'
	if s.Reverse {
		strand = '-'
	}
	return fmt.Sprintf("%s:%d:%c:%s", s.Chromosome, s.Position, strand, s.Cigar)
}

// ParseSupplementaryTag parses the value of an SA:Z tag. Each entry has
// the form "rname,pos,strand,CIGAR,mapQ,NM;" with a 1-based pos.
func ParseSupplementaryTag(value string) ([]SupplementaryData, error) {
	var out []SupplementaryData
	for _, entry := range strings.Split(value, ";") {
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("malformed SA entry %q", entry)
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil || pos < 1 {
			return nil, fmt.Errorf("malformed SA position in %q", entry)
		}
		if fields[2] != "+" && fields[2] != "-" {
			return nil, fmt.Errorf("malformed SA strand in %q", entry)
		}
		mapq, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("malformed SA mapq in %q", entry)
		}
		nm, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("malformed SA NM in %q", entry)
		}
		out = append(out, SupplementaryData{
			Chromosome: fields[0],
			Position:   pos - 1,
			Reverse:    fields[2] == "-",
			Cigar:      fields[3],
			MapQ:       mapq,
			NM:         nm,
		})
	}
	return out, nil
}

// SupplementaryAlignments returns the alignments listed in r's SA tag.
// A record without an SA tag yields nil, nil.
func SupplementaryAlignments(r *sam.Record) ([]SupplementaryData, error) {
	aux := r.AuxFields.Get(saTag)
	if aux == nil {
		return nil, nil
	}
	s, ok := aux.Value().(string)
	if !ok {
		return nil, fmt.Errorf("SA tag of %s is not a string", r.Name)
	}
	return ParseSupplementaryTag(s)
}

// NewSupplementaryAux formats alignments as an SA:Z aux field.
func NewSupplementaryAux(alignments []SupplementaryData) (sam.Aux, error) {
	var b strings.Builder
	for _, s := range alignments {
		strand := "+"
		if s.Reverse {
			strand = "-"
		}
		fmt.Fprintf(&b, "%s,%d,%s,%s,%d,%d;", s.Chromosome, s.Position+1, strand, s.Cigar, s.MapQ, s.NM)
	}
	return sam.NewAux(saTag, b.String())
}
