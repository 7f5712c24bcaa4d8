package reference

import (
	"io"
	"sync"

	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// faiRecord is one line of a .fai index: name, sequence length, byte offset of
// the first base, bases per line and bytes per line.
type faiRecord struct {
	Name      string
	Length    int64
	Offset    int64
	LineBases int64
	LineWidth int64
}

type indexedFasta struct {
	seqs     map[string]faiRecord
	seqNames []string

	mu     sync.Mutex
	reader io.ReadSeeker
	buf    []byte
}

// NewIndexedFasta creates a Fasta that reads bases on demand from fasta using
// the given .fai index, without loading the sequences into memory.
func NewIndexedFasta(fasta io.ReadSeeker, index io.Reader) (Fasta, error) {
	f := &indexedFasta{seqs: make(map[string]faiRecord), reader: fasta}
	r := tsv.NewReader(index)
	r.FieldsPerRecord = -1
	for {
		var rec faiRecord
		if err := r.Read(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "invalid fasta index")
		}
		if rec.LineBases <= 0 || rec.LineWidth < rec.LineBases {
			return nil, errors.Errorf("invalid fasta index line for %s", rec.Name)
		}
		f.seqs[rec.Name] = rec
		f.seqNames = append(f.seqNames, rec.Name)
	}
	return f, nil
}

// Len implements Fasta.Len().
func (f *indexedFasta) Len(seqName string) (uint64, error) {
	rec, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found in index: %s", seqName)
	}
	return uint64(rec.Length), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *indexedFasta) SeqNames() []string {
	return f.seqNames
}

// Get implements Fasta.Get().
func (f *indexedFasta) Get(seqName string, start, end uint64) (string, error) {
	rec, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found in index: %s", seqName)
	}
	if end <= start {
		return "", errors.Errorf("start must be less than end")
	}
	if end > uint64(rec.Length) {
		return "", errors.Errorf("end is past end of sequence %s: %d", seqName, rec.Length)
	}
	lineBases, lineWidth := uint64(rec.LineBases), uint64(rec.LineWidth)
	// Byte offsets of the first and last base, newlines included.
	first := uint64(rec.Offset) + start/lineBases*lineWidth + start%lineBases
	last := uint64(rec.Offset) + (end-1)/lineBases*lineWidth + (end-1)%lineBases

	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(last - first + 1)
	if cap(f.buf) < n {
		f.buf = make([]byte, n)
	}
	f.buf = f.buf[:n]
	if _, err := f.reader.Seek(int64(first), io.SeekStart); err != nil {
		return "", errors.Wrapf(err, "seek to %d", first)
	}
	if _, err := io.ReadFull(f.reader, f.buf); err != nil {
		return "", errors.Wrapf(err, "read %s:%d-%d", seqName, start, end)
	}
	out := make([]byte, 0, end-start)
	for _, c := range f.buf {
		if c == '\n' || c == '\r' {
			continue
		}
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	if uint64(len(out)) != end-start {
		return "", errors.Errorf("bad index for %s: read %d bases, want %d", seqName, len(out), end-start)
	}
	return string(out), nil
}
