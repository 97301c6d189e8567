package bamprovider

import (
	"github.com/grailbio/hts/sam"
)

// ProviderOpts defines options for NewProvider.
type ProviderOpts struct {
	// Index is the path of the BAM index. If "", it defaults to path +
	// ".bai".
	Index string
}

// Provider reads records of a BAM file, one reference at a time.
// Thread safe.
type Provider interface {
	// GetHeader returns the header of the BAM file. The caller must not
	// modify the returned header.
	//
	// REQUIRES: Close has not been called.
	GetHeader() (*sam.Header, error)

	// NewRefIterator returns an iterator over the records placed on ref,
	// in coordinate order. A nil ref iterates over the records that have
	// no reference at all, which are stored at the end of the file.
	//
	// REQUIRES: Close has not been called.
	NewRefIterator(ref *sam.Reference) Iterator

	// Close must be called exactly once. It returns any error encountered
	// by the provider, or any iterator created by the provider.
	//
	// REQUIRES: All the iterators created by NewRefIterator have been
	// closed.
	Close() error
}

// Iterator iterates over sam.Records of one reference, in coordinate
// order. Thread compatible.
type Iterator interface {
	// Scan returns where there are any records remaining in the iterator,
	// and if so, advances the iterator to the next record. If an error
	// occurs, Scan() returns false and the error can be retrieved by
	// calling Err().
	//
	// REQUIRES: Close has not been called.
	Scan() bool

	// Record returns the current record in the iterator. This must be
	// called only after a call to Scan() returns true.
	//
	// REQUIRES: Close has not been called.
	Record() *sam.Record

	// Err returns the error encoutered during iteration, or nil if no error
	// occurred.  An io.EOF error will be translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

// NewProvider creates a Provider for the BAM file at path, which may be
// a local path or an S3 URL.
func NewProvider(path string, optList ...ProviderOpts) Provider {
	p := &BAMProvider{Path: path}
	for _, o := range optList {
		if o.Index != "" {
			p.Index = o.Index
		}
	}
	return p
}

// RefByName finds a sam.Reference with the given name. It returns nil if a
// reference is not found.
func RefByName(h *sam.Header, refName string) *sam.Reference {
	for _, ref := range h.Refs() {
		if ref.Name() == refName {
			return ref
		}
	}
	return nil
}

// refOrder orders records by reference, with records without a
// reference last.
func refOrder(r *sam.Record) int {
	if r.Ref == nil {
		return int(^uint(0) >> 1)
	}
	return r.Ref.ID()
}

func targetOrder(ref *sam.Reference) int {
	if ref == nil {
		return int(^uint(0) >> 1)
	}
	return ref.ID()
}
