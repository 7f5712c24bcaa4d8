package alignment

import (
	"context"
	"io"
	"sort"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// FakeOpener is only for unittests.  It serves in-memory records keyed by
// "cohort|sample"; samples without an entry cannot be opened.
type FakeOpener struct {
	Header  *sam.Header
	Records map[string][]*sam.Record
}

// Open implements Opener.
func (o *FakeOpener) Open(ctx context.Context, cohort, sample string) (Source, error) {
	recs, ok := o.Records[cohort+"|"+sample]
	if !ok {
		return nil, errors.E(errors.NotExist, "no alignments for", cohort+"|"+sample)
	}
	return &fakeSource{header: o.Header, recs: recs}, nil
}

type fakeSource struct {
	header *sam.Header
	recs   []*sam.Record
}

func (s *fakeSource) Header() *sam.Header { return s.header }

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) Query(ctx context.Context, iv interval.Interval) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*sam.Record
	for _, r := range s.recs {
		if r.Ref == nil || r.Flags&sam.Unmapped != 0 {
			continue
		}
		if name := r.Ref.Name(); name != iv.Chrom && name != "chr"+iv.Chrom {
			continue
		}
		if r.Pos < iv.End && r.End() > iv.Start0() {
			out = append(out, r)
		}
	}
	return &fakeIterator{recs: out}, nil
}

type fakeIterator struct {
	recs []*sam.Record
	rec  *sam.Record
}

func (i *fakeIterator) Scan() bool {
	if len(i.recs) == 0 {
		return false
	}
	i.rec, i.recs = i.recs[0], i.recs[1:]
	return true
}

func (i *fakeIterator) Record() *sam.Record {
	// Return a copy so that the code under test cannot alter the
	// original test input data.
	c := *i.rec
	return &c
}

func (i *fakeIterator) Err() error { return nil }

func (i *fakeIterator) Close() error { return nil }

// NewRecord builds a mapped record for tests.  pos is 1-based; cigar uses
// SAM syntax.
func NewRecord(name string, ref *sam.Reference, pos int, cigar, seq string, reverse bool) (*sam.Record, error) {
	co, err := sam.ParseCigar([]byte(cigar))
	if err != nil {
		return nil, err
	}
	qual := make([]byte, len(seq))
	for i := range qual {
		qual[i] = 30
	}
	r, err := sam.NewRecord(name, ref, nil, pos-1, -1, 0, 60, co, []byte(seq), qual, nil)
	if err != nil {
		return nil, err
	}
	if reverse {
		r.Flags |= sam.Reverse
	}
	return r, nil
}

// WriteIndexedBAM writes recs to a BAM file at path and its index to
// path+".bai".  recs must be coordinate sorted.
func WriteIndexedBAM(ctx context.Context, path string, header *sam.Header, recs []*sam.Record) (err error) {
	sorted := sort.SliceIsSorted(recs, func(i, j int) bool {
		if recs[i].Ref.ID() != recs[j].Ref.ID() {
			return recs[i].Ref.ID() < recs[j].Ref.ID()
		}
		return recs[i].Pos < recs[j].Pos
	})
	if !sorted {
		return errors.E(errors.Invalid, "records are not coordinate sorted")
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w, err := bam.NewWriter(out.Writer(ctx), header, 1)
	if err != nil {
		file.CloseAndReport(ctx, out, &err)
		return err
	}
	for _, r := range recs {
		if err = w.Write(r); err != nil {
			break
		}
	}
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	file.CloseAndReport(ctx, out, &err)
	if err != nil {
		return err
	}

	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	br, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return err
	}
	defer br.Close() // nolint: errcheck
	var idx bam.Index
	for {
		r, rerr := br.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
		if err = idx.Add(r, br.LastChunk()); err != nil {
			return err
		}
	}
	idxOut, err := file.Create(ctx, path+".bai")
	if err != nil {
		return err
	}
	err = bam.WriteIndex(idxOut.Writer(ctx), &idx)
	file.CloseAndReport(ctx, idxOut, &err)
	return err
}
