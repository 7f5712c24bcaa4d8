package reference

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const fastaData = `>chr1 first
ACGTACGTAC
GTacgtAC
>2
TTTTGGGG
CC
`

func TestFasta(t *testing.T) {
	fa, err := NewFasta(strings.NewReader(fastaData))
	assert.NoError(t, err)
	expect.EQ(t, fa.SeqNames(), []string{"chr1", "2"})
	n, err := fa.Len("chr1")
	assert.NoError(t, err)
	expect.EQ(t, n, uint64(18))
	s, err := fa.Get("chr1", 8, 14)
	assert.NoError(t, err)
	expect.EQ(t, s, "ACGTAC")
	_, err = fa.Get("chr1", 8, 19)
	expect.True(t, err != nil)
	_, err = fa.Get("3", 0, 1)
	expect.True(t, err != nil)

	_, err = NewFasta(strings.NewReader("ACGT\n>1\nA\n"))
	expect.True(t, err != nil)
}

func TestIndexedFasta(t *testing.T) {
	var idx bytes.Buffer
	assert.NoError(t, GenerateIndex(&idx, strings.NewReader(fastaData)))
	expect.EQ(t, idx.String(), "chr1\t18\t12\t10\t11\n2\t10\t35\t8\t9\n")

	mem, err := NewFasta(strings.NewReader(fastaData))
	assert.NoError(t, err)
	fa, err := NewIndexedFasta(strings.NewReader(fastaData), &idx)
	assert.NoError(t, err)
	expect.EQ(t, fa.SeqNames(), mem.SeqNames())
	for _, name := range mem.SeqNames() {
		n, err := mem.Len(name)
		assert.NoError(t, err)
		for start := uint64(0); start < n; start++ {
			for end := start + 1; end <= n; end++ {
				want, err := mem.Get(name, start, end)
				assert.NoError(t, err)
				got, err := fa.Get(name, start, end)
				assert.NoError(t, err)
				expect.EQ(t, got, want, "%s:%d-%d", name, start, end)
			}
		}
	}
	_, err = fa.Get("2", 3, 11)
	expect.True(t, err != nil)
}

func TestGenomes(t *testing.T) {
	fa, err := NewFasta(strings.NewReader(fastaData))
	assert.NoError(t, err)
	g := Genomes{"": fa}
	iv, err := interval.Parse("hg19", "1:2-4")
	assert.NoError(t, err)
	s, err := g.Sequence(iv)
	assert.NoError(t, err)
	expect.EQ(t, s, "CGT")

	iv, err = interval.Parse("", "chr2:10")
	assert.NoError(t, err)
	s, err = g.Sequence(iv)
	assert.NoError(t, err)
	expect.EQ(t, s, "C")

	iv, err = interval.Parse("", "7:1")
	assert.NoError(t, err)
	_, err = g.Sequence(iv)
	expect.True(t, errors.Is(errors.NotExist, err))

	_, err = Genomes{}.Sequence(iv)
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestOpen(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	path := filepath.Join(tempDir, "ref.fa")
	assert.NoError(t, ioutil.WriteFile(path, []byte(fastaData), 0600))
	f, err := Open(ctx, path)
	assert.NoError(t, err)
	s, err := f.Get("2", 6, 10)
	assert.NoError(t, err)
	expect.EQ(t, s, "GGCC")
	assert.NoError(t, f.Close(ctx))

	var idx bytes.Buffer
	assert.NoError(t, GenerateIndex(&idx, strings.NewReader(fastaData)))
	assert.NoError(t, ioutil.WriteFile(path+".fai", idx.Bytes(), 0600))
	f, err = Open(ctx, path)
	assert.NoError(t, err)
	s, err = f.Get("2", 6, 10)
	assert.NoError(t, err)
	expect.EQ(t, s, "GGCC")
	assert.NoError(t, f.Close(ctx))
}
