// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

// setFlag sets a flag variable for the rest of the test.
func setFlag(t *testing.T, p *string, v string) {
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestRunCleansUpOnError(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	tmp := filepath.Join(tempDir, "tmp")
	require.NoError(t, os.MkdirAll(tmp, 0755))
	t.Setenv("TMPDIR", tmp)
	t.Setenv("BAMCHECK_CACHE_DIR", "")
	t.Setenv("BAMCHECK_REMOTE_URL", "")
	out := filepath.Join(tempDir, "out.tsv")
	setFlag(t, intervalsFlag, "1:100")
	setFlag(t, samplesFlag, "c|A")
	setFlag(t, bamURL, filepath.Join(tempDir, "{cohort}", "{sample}.bam"))
	setFlag(t, outPath, out)
	setFlag(t, tool, "show")

	// The reference is opened after the index cache and the output.
	setFlag(t, referencePath, filepath.Join(tempDir, "missing.fa"))
	err := run(ctx)
	expect.True(t, errors.Is(errors.NotExist, err), "got %v", err)
	entries, err := os.ReadDir(tmp)
	assert.NoError(t, err)
	expect.EQ(t, len(entries), 0)
	_, err = os.Stat(out)
	expect.True(t, os.IsNotExist(err))

	setFlag(t, tool, "bogus")
	expect.True(t, errors.Is(errors.Invalid, run(ctx)))

	setFlag(t, tool, "cis")
	assert.NoError(t, run(ctx))
	entries, err = os.ReadDir(tmp)
	assert.NoError(t, err)
	expect.EQ(t, len(entries), 0)
	data, err := os.ReadFile(out)
	assert.NoError(t, err)
	expect.HasPrefix(t, string(data), "#1:100\n")
}
