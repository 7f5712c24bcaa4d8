package reference

import (
	"bufio"
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// GenerateIndex writes a .fai index for the FASTA data read from in.  All
// lines of a sequence but the last must have the same width.
func GenerateIndex(out io.Writer, in io.Reader) error {
	var (
		w       = tsv.NewWriter(out)
		r       = bufio.NewReader(in)
		cur     faiRecord
		started bool
		pos     int64
	)
	flush := func() error {
		if !started {
			return nil
		}
		w.WriteString(cur.Name)
		w.WriteInt64(cur.Length)
		w.WriteInt64(cur.Offset)
		w.WriteInt64(cur.LineBases)
		w.WriteInt64(cur.LineWidth)
		return w.EndLine()
	}
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		pos += int64(len(line))
		bases := bytes.TrimRight(line, "\r\n")
		switch {
		case len(bases) == 0:
		case bases[0] == '>':
			if e := flush(); e != nil {
				return e
			}
			name := string(bytes.SplitN(bases[1:], []byte{' '}, 2)[0])
			if name == "" {
				return errors.E(errors.Invalid, "malformed FASTA header")
			}
			cur = faiRecord{Name: name, Offset: pos}
			started = true
		default:
			if !started {
				return errors.E(errors.Invalid, "malformed FASTA file")
			}
			if cur.LineWidth == 0 {
				cur.LineWidth = int64(len(line))
				cur.LineBases = int64(len(bases))
			}
			cur.Length += int64(len(bases))
		}
		if err == io.EOF {
			break
		}
	}
	if !started {
		return errors.E(errors.Invalid, "empty FASTA file")
	}
	if err := flush(); err != nil {
		return err
	}
	return w.Flush()
}
