package reference

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bamcheck/interval"
	"github.com/klauspost/compress/gzip"
)

// Source returns the reference bases under an interval.
type Source interface {
	Sequence(iv interval.Interval) (string, error)
}

// Genomes is a Source backed by one FASTA per genome name.  The entry for
// the empty name serves intervals whose genome has no entry of its own.
type Genomes map[string]Fasta

// Sequence implements Source.  Both "N" and "chrN" sequence names are tried.
func (g Genomes) Sequence(iv interval.Interval) (string, error) {
	f, ok := g[iv.Genome]
	if !ok {
		if f, ok = g[""]; !ok {
			return "", errors.E(errors.NotExist, "no reference for genome", iv.Genome)
		}
	}
	for _, name := range []string{iv.Chrom, "chr" + iv.Chrom} {
		if _, err := f.Len(name); err != nil {
			continue
		}
		seq, err := f.Get(name, uint64(iv.Start0()), uint64(iv.End))
		if err != nil {
			return "", errors.E(errors.Invalid, err, iv.String())
		}
		return seq, nil
	}
	return "", errors.E(errors.NotExist, "chromosome not in reference", iv.String())
}

// File is a Fasta read from a path.  Indexed files stay open until Close.
type File struct {
	Fasta
	in file.File
}

// Close releases the underlying file, if any.
func (f *File) Close(ctx context.Context) error {
	if f.in == nil {
		return nil
	}
	err := f.in.Close(ctx)
	f.in = nil
	return err
}

// Open opens a FASTA file.  If path+".fai" exists the file is accessed through
// the index; otherwise, including for gzipped files, the sequences are read
// into memory.
func Open(ctx context.Context, path string) (*File, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open reference", path)
	}
	gzipped := fileio.DetermineType(path) == fileio.Gzip
	if !gzipped {
		if idx, err := file.Open(ctx, path+".fai"); err == nil {
			fa, err := NewIndexedFasta(in.Reader(ctx), idx.Reader(ctx))
			file.CloseAndReport(ctx, idx, &err)
			if err != nil {
				_ = in.Close(ctx)
				return nil, errors.E(err, "read reference index", path+".fai")
			}
			log.Debug.Printf("reference %s: using index", path)
			return &File{Fasta: fa, in: in}, nil
		}
	}
	var r io.Reader = in.Reader(ctx)
	if gzipped {
		if r, err = gzip.NewReader(r); err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(err, "open reference", path)
		}
	}
	fa, err := NewFasta(r)
	file.CloseAndReport(ctx, in, &err)
	if err != nil {
		return nil, errors.E(err, "read reference", path)
	}
	return &File{Fasta: fa}, nil
}
