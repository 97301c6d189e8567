package markduplicates

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// ChromosomeReader drives the records of one reference through the
// PartitionStore. Records must be passed in coordinate order. A
// ChromosomeReader is used by one goroutine, while the store and the
// finalizer are shared with the readers of other references.
type ChromosomeReader struct {
	ref              *sam.Reference
	opts             *Opts
	store            *PartitionStore
	fin              *Finalizer
	readGroupLibrary map[string]string
	metrics          *MetricsCollection

	lastFlush int
	// flushFrom is the index of the first partition that may still hold
	// fragments.
	flushFrom    int
	maxClipDist  int
	reportedClip bool
}

// NewChromosomeReader creates a reader for ref. A nil ref reads the
// records without a reference, which are passed through. Per-read
// metrics are collected in metrics, which is not shared.
func NewChromosomeReader(ref *sam.Reference, opts *Opts, store *PartitionStore, fin *Finalizer,
	readGroupLibrary map[string]string, metrics *MetricsCollection) *ChromosomeReader {
	return &ChromosomeReader{
		ref:              ref,
		opts:             opts,
		store:            store,
		fin:              fin,
		readGroupLibrary: readGroupLibrary,
		metrics:          metrics,
	}
}

func (c *ChromosomeReader) finalize(groups []*DuplicateGroup) error {
	for _, g := range groups {
		if err := c.fin.Finalize(g); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChromosomeReader) finalizeAll(it *GroupIterator) error {
	for it.Scan() {
		if err := c.fin.Finalize(it.Group()); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChromosomeReader) checkClip(r *sam.Record) {
	d := r.Pos - bam.UnclippedFivePrimePosition(r)
	if d < 0 {
		d = -d
	}
	if d > c.maxClipDist {
		c.maxClipDist = d
	}
	if d > c.opts.ClipPadding && !c.reportedClip {
		c.reportedClip = true
		log.Error.Printf("5' alignment distance(%d) exceeds clip padding(%d) on read: %v; duplicates may be missed",
			d, c.opts.ClipPadding, r.Name)
	}
}

// ProcessRead routes r to the fragment it belongs to, and finalizes the
// groups that become complete. Secondary and unmapped records, and
// records whose fragment cannot be placed, are written unmodified.
func (c *ChromosomeReader) ProcessRead(r *sam.Record) error {
	if c.opts.ClearExisting {
		clearDupFlagTags(r)
	}
	updateMetrics(c.readGroupLibrary, c.metrics, r)
	if r.Ref == nil || bam.IsUnmapped(r) || bam.IsSecondary(r) {
		return c.fin.Writer.WriteRecord(r, 1)
	}
	c.store.Advance(r.Ref.ID(), r.Pos)
	if bam.IsPrimary(r) {
		c.checkClip(r)
	}
	home, ok := homePosition(r, c.store.refID)
	if !ok {
		return c.fin.Writer.WriteRecord(r, 1)
	}
	ready, err := c.store.AddRead(r, c.store.Key(home.refID, home.pos))
	if err != nil {
		return err
	}
	if err := c.finalize(ready); err != nil {
		return err
	}
	if r.Pos-c.lastFlush >= c.opts.FlushDistance {
		c.lastFlush = r.Pos
		return c.FlushReadPositions()
	}
	return nil
}

// FlushReadPositions finalizes the groups of this reference that the
// reader has moved past and that have received all of their reads.
func (c *ChromosomeReader) FlushReadPositions() error {
	if c.ref == nil {
		return nil
	}
	id := c.ref.ID()
	wm := c.store.Watermark(id)
	if wm < 0 {
		return nil
	}
	last := c.store.Key(id, wm).Index
	for idx := c.flushFrom; idx <= last; idx++ {
		p, ok := c.store.Get(PartitionKey{RefID: id, Chrom: c.ref.Name(), Index: idx})
		if ok {
			if err := c.finalizeAll(p.CompletedGroups()); err != nil {
				return err
			}
		}
		// Once the reader is clip padding past its end, a partition only
		// receives fragments whose mates are read elsewhere. Those are
		// finalized as they arrive, or when their chromosome completes.
		behind := (idx+1)*c.store.partitionSize+c.store.clipPadding < wm
		if idx == c.flushFrom && behind && (!ok || p.idle()) {
			c.flushFrom++
		}
	}
	return nil
}

// OnChromosomeComplete marks the reference as read in full, and
// finalizes everything in the store that was only waiting for it.
func (c *ChromosomeReader) OnChromosomeComplete() error {
	if c.ref == nil {
		return nil
	}
	log.Debug.Printf("%s: done, maximum 5' alignment distance %d", c.ref.Name(), c.maxClipDist)
	c.store.MarkComplete(c.ref.ID())
	for _, p := range c.store.Partitions() {
		if err := c.finalizeAll(p.Sweep()); err != nil {
			return err
		}
	}
	return nil
}
