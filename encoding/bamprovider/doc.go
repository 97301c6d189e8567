// Package bamprovider reads a coordinate-sorted BAM file one reference
// at a time, so that each reference can be processed by its own
// goroutine.
package bamprovider
