package markduplicates

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// Metrics contains metrics from mark duplicates.
type Metrics struct {
	// UnpairedReads is the number of mapped reads examined which did
	// not have a mapped mate pair, either because the read is
	// unpaired, or the read is paired to an unmapped mate.
	UnpairedReads int

	// ReadPairsExamined is the number of mapped read pairs
	// examined. (Primary, non-supplemental).
	ReadPairsExamined int

	// SecondarySupplementary is the number of reads that were either
	// secondary or supplementary.
	SecondarySupplementary int

	// UnmappedReads is the total number of unmapped reads
	// examined. (Primary, non-supplemental).
	UnmappedReads int

	// UnpairedDups is the number of fragments that were marked as duplicates.
	UnpairedDups int

	// ReadPairDups is the number of read pairs that were marked as duplicates.
	ReadPairDups int

	// ConsensusGroups is the number of duplicate groups collapsed into
	// consensus reads.
	ConsensusGroups int

	// ConsensusReads is the number of consensus reads written.
	ConsensusReads int
}

// String returns a string representation of the metrics contained in
// m. The string can be used as metrics file output.
func (m *Metrics) String() string {
	librarySizeStr := "0"
	a := uint64(m.ReadPairsExamined / 2)
	b := uint64((m.ReadPairsExamined / 2) - (m.ReadPairDups / 2))
	if b > 0 && b < a {
		librarySize, err := estimateLibrarySize(a, b)
		if err == nil {
			librarySizeStr = fmt.Sprintf("%v", librarySize)
		} else {
			log.Error.Printf("error in estimateLibrarySize(%v, %v): %v, ", a, b, err)
		}
	}

	percent := 0.0
	if examined := m.UnpairedReads + m.ReadPairsExamined; examined > 0 {
		percent = 100 * float64(m.UnpairedDups+m.ReadPairDups) / float64(examined)
	}
	return fmt.Sprintf("%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%0.6f\t%v", m.UnpairedReads, m.ReadPairsExamined/2,
		m.SecondarySupplementary, m.UnmappedReads, m.UnpairedDups,
		m.ReadPairDups/2, m.ConsensusGroups, m.ConsensusReads,
		percent, librarySizeStr)
}

// Add adds the metrics in other to m.
func (m *Metrics) Add(other *Metrics) {
	m.UnpairedReads += other.UnpairedReads
	m.ReadPairsExamined += other.ReadPairsExamined
	m.SecondarySupplementary += other.SecondarySupplementary
	m.UnmappedReads += other.UnmappedReads
	m.UnpairedDups += other.UnpairedDups
	m.ReadPairDups += other.ReadPairDups
	m.ConsensusGroups += other.ConsensusGroups
	m.ConsensusReads += other.ConsensusReads
}

// MetricsCollection contains metrics computed by Mark.
type MetricsCollection struct {
	// RunID identifies the run that produced the metrics.
	RunID string

	// LibraryMetrics contains per-library metrics.
	LibraryMetrics map[string]*Metrics

	mutex sync.Mutex
}

func newMetricsCollection() *MetricsCollection {
	return &MetricsCollection{
		LibraryMetrics: make(map[string]*Metrics),
	}
}

// Get returns Metrics for the given library. If there is no Metrics
// for library yet, create one and return it. Get is not synchronized;
// use Update on a collection shared between goroutines.
func (mc *MetricsCollection) Get(library string) *Metrics {
	m, found := mc.LibraryMetrics[library]
	if found {
		return m
	}
	m = &Metrics{}
	mc.LibraryMetrics[library] = m
	return m
}

// Update calls fn on the metrics of library while holding the
// collection's lock.
func (mc *MetricsCollection) Update(library string, fn func(m *Metrics)) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	fn(mc.Get(library))
}

// Merge per-library metrics from other into mc.
func (mc *MetricsCollection) Merge(other *MetricsCollection) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for library, otherMetrics := range other.LibraryMetrics {
		existing, found := mc.LibraryMetrics[library]
		if found {
			existing.Add(otherMetrics)
		} else {
			// Make a copy to be owned by m.
			new := *otherMetrics
			mc.LibraryMetrics[library] = &new
		}
	}
}

func updateMetrics(readGroupLibrary map[string]string, mc *MetricsCollection, record *sam.Record) {
	metrics := mc.Get(GetLibrary(readGroupLibrary, record))

	if bam.IsUnmapped(record) {
		metrics.UnmappedReads++
	} else if bam.HasNoMappedMate(record) && bam.IsPrimary(record) {
		metrics.UnpairedReads++
	}

	if bam.IsPaired(record) && !bam.IsUnmapped(record) && !bam.IsMateUnmapped(record) && bam.IsPrimary(record) {
		metrics.ReadPairsExamined++
	}
	if !bam.IsPrimary(record) {
		metrics.SecondarySupplementary++
	}
}

const metricsColumns = "LIBRARY\tUNPAIRED_READS_EXAMINED\tREAD_PAIRS_EXAMINED\t" +
	"SECONDARY_OR_SUPPLEMENTARY_RDS\tUNMAPPED_READS\tUNPAIRED_READ_DUPLICATES\t" +
	"READ_PAIR_DUPLICATES\tCONSENSUS_GROUPS\tCONSENSUS_READS\tPERCENT_DUPLICATION\t" +
	"ESTIMATED_LIBRARY_SIZE\n"

// writeMetricsTo writes the metrics table, one line per library in
// library order.
func writeMetricsTo(w io.Writer, globalMetrics *MetricsCollection) error {
	var s strings.Builder
	s.WriteString("# dupcollapse\n")
	if globalMetrics.RunID != "" {
		s.WriteString("# run: " + globalMetrics.RunID + "\n")
	}
	s.WriteString(metricsColumns)

	libraries := make([]string, 0, len(globalMetrics.LibraryMetrics))
	for library := range globalMetrics.LibraryMetrics {
		libraries = append(libraries, library)
	}
	sort.Strings(libraries)
	for _, library := range libraries {
		s.WriteString(library + "\t" + globalMetrics.LibraryMetrics[library].String() + "\n")
	}
	_, err := io.WriteString(w, s.String())
	return err
}

// writeMetrics writes the metrics to path. Paths ending in .gz are
// gzip compressed.
func writeMetrics(ctx context.Context, path string, globalMetrics *MetricsCollection) (err error) {
	if globalMetrics.RunID == "" {
		globalMetrics.RunID = uuid.New().String()
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "Couldn't create metrics file:", path)
	}
	defer func() {
		if err2 := f.Close(ctx); err == nil && err2 != nil {
			err = err2
		}
	}()

	var w io.Writer = f.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(w)
		defer func() {
			if err2 := gz.Close(); err == nil && err2 != nil {
				err = err2
			}
		}()
		w = gz
	}
	if err = writeMetricsTo(w, globalMetrics); err != nil {
		return errors.E(err, "error writing to metrics file:", path)
	}
	return nil
}
