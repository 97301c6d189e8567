package fasta

import (
	"bufio"
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// GenerateIndex writes the .fai index of the FASTA data read from in, in
// the format produced by "samtools faidx".
func GenerateIndex(out io.Writer, in io.Reader) error {
	var (
		w       = tsv.NewWriter(out)
		r       = bufio.NewReader(in)
		cur     faiEntry
		open    bool
		nBytes  uint64
		lastErr error
	)
	emit := func() {
		if !open {
			return
		}
		w.WriteString(cur.name)
		w.WriteInt64(int64(cur.length))
		w.WriteInt64(int64(cur.offset))
		w.WriteInt64(int64(cur.lineBases))
		w.WriteInt64(int64(cur.lineBytes))
		if err := w.EndLine(); err != nil && lastErr == nil {
			lastErr = err
		}
	}
	for {
		full, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		nBytes += uint64(len(full))
		line := bytes.TrimRight(full, "\r\n")
		switch {
		case len(line) == 0:
		case line[0] == '>':
			emit()
			cur = faiEntry{name: seqNameFromHeader(string(line)), offset: nBytes}
			open = true
		case !open:
			return errors.E("malformed FASTA file: sequence data before the first header")
		default:
			if cur.lineBytes == 0 {
				cur.lineBytes = uint64(len(full))
				cur.lineBases = uint64(len(line))
			}
			cur.length += uint64(len(line))
		}
		if err == io.EOF {
			break
		}
	}
	if nBytes == 0 {
		return errors.E("empty FASTA file")
	}
	emit()
	if lastErr != nil {
		return lastErr
	}
	return w.Flush()
}
