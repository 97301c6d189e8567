package fasta

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Size of the window of file contents cached by an indexed Fasta.
const windowSize = 64 << 10

// faiEntry is one line of a .fai file.
type faiEntry struct {
	name      string
	length    uint64 // bases in the sequence
	offset    uint64 // byte offset of the first base
	lineBases uint64
	lineBytes uint64 // lineBases plus the line terminator
}

func parseIndex(index io.Reader) ([]faiEntry, error) {
	var entries []faiEntry
	scanner := bufio.NewScanner(index)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			return nil, errors.Errorf("invalid index line: %s", line)
		}
		e := faiEntry{name: fields[0]}
		for i, dst := range []*uint64{&e.length, &e.offset, &e.lineBases, &e.lineBytes} {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid index line: %s", line)
			}
			*dst = v
		}
		if e.length > 0 && (e.lineBases == 0 || e.lineBytes < e.lineBases) {
			return nil, errors.Errorf("invalid line geometry in index line: %s", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA index")
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })
	return entries, nil
}

type indexedFasta struct {
	entries map[string]faiEntry
	names   []string
	in      io.ReadSeeker

	mu     sync.Mutex
	winOff int64
	win    []byte
}

// NewIndexed returns a Fasta that reads bases from in on demand, using
// the given .fai index to locate them.
func NewIndexed(in io.ReadSeeker, index io.Reader) (Fasta, error) {
	entries, err := parseIndex(index)
	if err != nil {
		return nil, err
	}
	f := &indexedFasta{entries: make(map[string]faiEntry, len(entries)), in: in}
	for _, e := range entries {
		f.entries[e.name] = e
		f.names = append(f.names, e.name)
	}
	return f, nil
}

// FaiToReferenceLengths returns the length of every sequence listed in
// a .fai index.
func FaiToReferenceLengths(index io.Reader) (map[string]uint64, error) {
	entries, err := parseIndex(index)
	if err != nil {
		return nil, err
	}
	lengths := make(map[string]uint64, len(entries))
	for _, e := range entries {
		lengths[e.name] = e.length
	}
	return lengths, nil
}

func (f *indexedFasta) Len(seqName string) (uint64, error) {
	e, ok := f.entries[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found in index: %s", seqName)
	}
	return e.length, nil
}

func (f *indexedFasta) SeqNames() []string { return f.names }

// byteOffset is the file offset of base pos of e.
func (e faiEntry) byteOffset(pos uint64) int64 {
	return int64(e.offset + pos/e.lineBases*e.lineBytes + pos%e.lineBases)
}

// bytes returns the file contents in [off, limit). REQUIRES: f.mu is held.
func (f *indexedFasta) bytes(off, limit int64) ([]byte, error) {
	if off >= f.winOff && limit <= f.winOff+int64(len(f.win)) {
		return f.win[off-f.winOff : limit-f.winOff], nil
	}
	n := int(limit - off)
	if n < windowSize {
		n = windowSize
	}
	if _, err := f.in.Seek(off, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seek to %d", off)
	}
	if cap(f.win) < n {
		f.win = make([]byte, n)
	}
	f.win = f.win[:n]
	got, err := io.ReadFull(f.in, f.win)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrapf(err, "read at %d", off)
	}
	f.win, f.winOff = f.win[:got], off
	if limit > off+int64(got) {
		f.win = f.win[:0]
		return nil, errors.Errorf("unexpected end of file at %d (bad index?)", off+int64(got))
	}
	return f.win[:limit-off], nil
}

func (f *indexedFasta) Get(seqName string, start, end uint64) (string, error) {
	e, ok := f.entries[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found in index: %s", seqName)
	}
	if err := checkRange(seqName, start, end, e.length); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	off := e.byteOffset(start)
	raw, err := f.bytes(off, e.byteOffset(end-1)+1)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(int(end - start))
	col := (start % e.lineBases)
	for i := 0; i < len(raw); {
		take := int(e.lineBases - col)
		if take > len(raw)-i {
			take = len(raw) - i
		}
		b.Write(raw[i : i+take])
		i += take + int(e.lineBytes-e.lineBases)
		col = 0
	}
	return b.String(), nil
}
