package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestWriteResultFailure(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()
	path := filepath.Join(tempDir, "job.tsv")

	err := writeResult(ctx, path, func(w io.Writer) error {
		if _, err := io.WriteString(w, "#1:100\tref=A\n"); err != nil {
			return err
		}
		return errors.E(errors.Net, "connection reset")
	})
	expect.True(t, errors.Is(errors.Net, err))
	_, err = os.Stat(path)
	expect.True(t, os.IsNotExist(err), "partial result left at %s", path)

	assert.NoError(t, writeResult(ctx, path, func(w io.Writer) error {
		_, err := io.WriteString(w, "done\n")
		return err
	}))
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	expect.EQ(t, string(data), "done\n")
}
