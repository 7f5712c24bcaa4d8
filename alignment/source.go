package alignment

import (
	"context"
	"io"
	"sync"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/bgzf/index"
	"github.com/biogo/hts/sam"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// Source yields the alignment records of one sample.
type Source interface {
	// Query returns an iterator over the mapped records overlapping iv.
	// Only one iterator per Source may be open at a time.
	Query(ctx context.Context, iv interval.Interval) (Iterator, error)

	// Header returns the file's SAM header.
	Header() *sam.Header

	// Close releases the Source and returns the first error encountered by
	// any of its iterators.
	Close() error
}

// Iterator iterates over records.  Usage:
//
//   iter, err := src.Query(ctx, iv)
//   ...
//   for iter.Scan() {
//     rec := iter.Record()
//   }
//   err := iter.Close()
type Iterator interface {
	Scan() bool
	Record() *sam.Record
	Err() error
	Close() error
}

// BAMSource is a Source over a BAM file and its BAI index.
type BAMSource struct {
	name   string
	closer func() error
	reader *bam.Reader
	index  *bam.Index
	err    errors.Once

	mu     sync.Mutex
	active bool
}

// NewBAMSource creates a Source reading BAM data from data and the index from
// idx.  closer, if non-nil, is called by Close after the reader is closed.
func NewBAMSource(name string, data io.ReadSeeker, idx io.Reader, closer func() error) (*BAMSource, error) {
	b := &BAMSource{name: name, closer: closer}
	var err error
	if b.index, err = bam.ReadIndex(idx); err != nil {
		return nil, errors.E(errors.Invalid, err, "read index for", name)
	}
	if b.reader, err = bam.NewReader(data, 1); err != nil {
		return nil, errors.E(errors.Invalid, err, "read BAM header for", name)
	}
	vlog.VI(1).Infof("%s: opened BAM with %d references", name, len(b.reader.Header().Refs()))
	return b, nil
}

// Header implements Source.
func (b *BAMSource) Header() *sam.Header {
	return b.reader.Header()
}

// Reference returns the header reference for chrom, trying both the bare and
// "chr"-prefixed names.
func (b *BAMSource) Reference(chrom string) *sam.Reference {
	for _, ref := range b.reader.Header().Refs() {
		if name := ref.Name(); name == chrom || name == "chr"+chrom {
			return ref
		}
	}
	return nil
}

// Query implements Source.
func (b *BAMSource) Query(ctx context.Context, iv interval.Interval) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return nil, errors.E(errors.Invalid, b.name, "another iterator is still open")
	}
	b.active = true
	b.mu.Unlock()

	it := &bamIterator{source: b, start: iv.Start0(), end: iv.End}
	if it.ref = b.Reference(iv.Chrom); it.ref == nil {
		vlog.VI(1).Infof("%s: no reference named %s", b.name, iv.Chrom)
		return it, nil
	}
	chunks, err := b.index.Chunks(it.ref, iv.Start0(), iv.End)
	if empty, err := noChunks(chunks, err); err != nil {
		it.Close()
		return nil, errors.E(err, "query", b.name, iv.String())
	} else if empty {
		return it, nil
	}
	if it.iter, err = bam.NewIterator(b.reader, chunks); err != nil {
		it.Close()
		return nil, errors.E(err, "query", b.name, iv.String())
	}
	return it, nil
}

// noChunks reports whether an index lookup found nothing to read.  The index
// has no entry for a reference without reads (ErrNoReference) or for a
// position past its last read (ErrInvalid); any other error is returned.
func noChunks(chunks []bgzf.Chunk, err error) (bool, error) {
	switch err {
	case nil:
		return len(chunks) == 0, nil
	case index.ErrInvalid, index.ErrNoReference:
		return true, nil
	default:
		return false, err
	}
}

// Close implements Source.
func (b *BAMSource) Close() error {
	if b.reader != nil {
		b.err.Set(b.reader.Close())
		b.reader = nil
	}
	if b.closer != nil {
		b.err.Set(b.closer())
		b.closer = nil
	}
	return b.err.Err()
}

type bamIterator struct {
	source     *BAMSource
	ref        *sam.Reference
	start, end int
	iter       *bam.Iterator
	rec        *sam.Record
	err        error
	closed     bool
}

// Scan implements Iterator.  Records that do not overlap [start, end) are
// skipped.
func (i *bamIterator) Scan() bool {
	if i.iter == nil || i.err != nil {
		return false
	}
	for i.iter.Next() {
		rec := i.iter.Record()
		if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil || rec.Ref.ID() != i.ref.ID() {
			continue
		}
		if rec.Pos >= i.end {
			return false
		}
		if rec.End() <= i.start {
			continue
		}
		i.rec = rec
		return true
	}
	i.err = i.iter.Error()
	return false
}

func (i *bamIterator) Record() *sam.Record { return i.rec }

func (i *bamIterator) Err() error { return i.err }

func (i *bamIterator) Close() error {
	if i.closed {
		return i.err
	}
	i.closed = true
	if i.iter != nil {
		if err := i.iter.Close(); err != nil && i.err == nil {
			i.err = err
		}
	}
	i.source.err.Set(i.err)
	i.source.mu.Lock()
	i.source.active = false
	i.source.mu.Unlock()
	return i.err
}
