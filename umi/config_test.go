package umi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromReadName(t *testing.T) {
	simplex := DefaultConfig()
	simplex.Enabled = true
	duplex := simplex
	duplex.Duplex = true

	tests := []struct {
		cfg  Config
		name string
		umi  string
		ok   bool
	}{
		{simplex, "A:B:C:ACGT", "ACGT", true},
		{simplex, "A:B:C:acgn", "ACGN", true},
		{simplex, "readname", "", false},
		{simplex, "read:", "", false},
		{simplex, "read:ACXT", "", false},
		{simplex, "read:AC_GT", "", false},
		{duplex, "read:AC_GT", "AC_GT", true},
		{duplex, "read:ac_gt", "AC_GT", true},
		{duplex, "read:ACGT", "", false},
		{duplex, "read:AC_GT_A", "", false},
		{duplex, "read:_GT", "", false},
	}
	for _, test := range tests {
		umi, ok := test.cfg.FromReadName(test.name)
		assert.Equal(t, test.ok, ok, "name %s", test.name)
		assert.Equal(t, test.umi, umi, "name %s", test.name)
	}
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, c.Validate())

	c.Duplex = true
	assert.Error(t, c.Validate(), "duplex without umis")

	c.Enabled = true
	assert.NoError(t, c.Validate())

	c.DuplexDelimiter = 'A'
	assert.Error(t, c.Validate())
	c.DuplexDelimiter = ':'
	assert.Error(t, c.Validate())
	c.DuplexDelimiter = '-'
	assert.NoError(t, c.Validate())

	c.EditDistanceMax = -1
	assert.Error(t, c.Validate())
}

func TestSplitDuplexDelimiter(t *testing.T) {
	c := Config{Enabled: true, Duplex: true, DuplexDelimiter: '+'}
	a, b, ok := c.SplitDuplex("ACG+TTA")
	assert.True(t, ok)
	assert.Equal(t, "ACG", a)
	assert.Equal(t, "TTA", b)
	_, _, ok = c.SplitDuplex("ACG_TTA")
	assert.False(t, ok)
}
