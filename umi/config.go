package umi

import (
	"fmt"
	"strings"
)

// DefaultDuplexDelimiter separates the two halves of a duplex UMI.
const DefaultDuplexDelimiter = '_'

// Config controls how UMIs are extracted from read names and compared
// when splitting a duplicate group into UMI subgroups.
type Config struct {
	// Enabled turns on UMI subgrouping.
	Enabled bool
	// Duplex UMIs consist of two halves joined by DuplexDelimiter. Two
	// duplex UMIs match if their halves match in the same order or in
	// swapped order.
	Duplex bool
	// EditDistanceMax is the maximum number of substitutions between two
	// UMIs (or two UMI halves) that still match.
	EditDistanceMax int
	// DuplexDelimiter separates the halves of a duplex UMI.
	DuplexDelimiter byte
}

// DefaultConfig returns a disabled Config with the default delimiter and
// a one-base tolerance.
func DefaultConfig() Config {
	return Config{EditDistanceMax: 1, DuplexDelimiter: DefaultDuplexDelimiter}
}

// Validate checks that the Config is usable.
func (c Config) Validate() error {
	if c.EditDistanceMax < 0 {
		return fmt.Errorf("umi edit distance must be non-negative, got %d", c.EditDistanceMax)
	}
	if c.Duplex && !c.Enabled {
		return fmt.Errorf("duplex umis require umis to be enabled")
	}
	if c.Duplex && isBase(c.DuplexDelimiter) {
		return fmt.Errorf("duplex delimiter %q collides with a base", c.DuplexDelimiter)
	}
	if c.Duplex && c.DuplexDelimiter == ':' {
		return fmt.Errorf("duplex delimiter cannot be ':'")
	}
	return nil
}

func isBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T', 'N':
		return true
	}
	return false
}

// FromReadName returns the UMI embedded in a read name: the field after
// the last ':'. The UMI is upper-cased. It returns false if the name has
// no such field or the field is not a valid UMI for c.
func (c Config) FromReadName(name string) (string, bool) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 || i == len(name)-1 {
		return "", false
	}
	umi := strings.ToUpper(name[i+1:])
	if c.Duplex {
		if _, _, ok := c.SplitDuplex(umi); !ok {
			return "", false
		}
		return umi, true
	}
	if !validBases(umi) {
		return "", false
	}
	return umi, true
}

// SplitDuplex splits a duplex UMI into its two halves.
func (c Config) SplitDuplex(umi string) (string, string, bool) {
	parts := strings.Split(umi, string(c.DuplexDelimiter))
	if len(parts) != 2 || !validBases(parts[0]) || !validBases(parts[1]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func validBases(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isBase(s[i]) {
			return false
		}
	}
	return true
}
