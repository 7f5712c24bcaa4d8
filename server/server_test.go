package server_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/bamcheck/alignment"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/remote"
	"github.com/grailbio/bamcheck/server"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func newOpener(t *testing.T) *alignment.FakeOpener {
	ref, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	h, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	rec := func(seq string) *sam.Record {
		r, err := alignment.NewRecord("r", ref, 100, "4M", seq, false)
		require.NoError(t, err)
		return r
	}
	return &alignment.FakeOpener{
		Header: h,
		Records: map[string][]*sam.Record{
			"c|A": {rec("ACGT"), rec("ACGT"), rec("ATGT")},
			"c|B": {rec("ATGT")},
		},
	}
}

func newServer(t *testing.T, dir string) *server.Server {
	s, err := server.New(server.Options{
		Scanner:   &pileup.Scanner{Opener: newOpener(t), Parallelism: 2},
		Groups:    matrix.Groups{"A": "tumor"},
		ResultDir: filepath.Join(dir, "results"),
		ResultTTL: time.Hour,
	})
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "server")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	srv := httptest.NewServer(newServer(t, dir))
	defer srv.Close()

	ivs, err := interval.ParseList("", "1:101;1:100-101")
	require.NoError(t, err)
	samples := []pileup.Sample{{Cohort: "c", Name: "A"}, {Cohort: "c", Name: "missing"}, {Cohort: "c", Name: "B"}}
	c := &remote.Client{
		Endpoint:     srv.URL,
		PollInterval: time.Millisecond,
		PollTimeout:  5 * time.Second,
	}
	ms, err := c.Run(context.Background(), ivs, samples)
	require.NoError(t, err)
	assert.EQ(t, len(ms), 2)

	m := ms[ivs[0]]
	require.NotNil(t, m)
	expect.EQ(t, m.Headers, []string{"Cohort", "Sample", "Group", "#reads", "C", "T", "A", "G"})
	assert.EQ(t, len(m.Rows), 2)
	expect.EQ(t, m.Rows[0], matrix.Row{Meta: [3]string{"c", "A", "tumor"}, Counts: []int{3, 2, 1, 0, 0}})
	expect.EQ(t, m.Rows[1], matrix.Row{Meta: [3]string{"c", "B", matrix.UnknownGroup}, Counts: []int{1, 0, 1, 0, 0}})

	m = ms[ivs[1]]
	expect.EQ(t, m.Headers, []string{"Cohort", "Sample", "Group", "#reads", "AC", "AT"})

	// The payload is kept under its job id.
	id := remote.JobID(ivs, samples)
	_, err = os.Stat(filepath.Join(dir, "results", id))
	assert.NoError(t, err)

	// Resubmitting an existing job returns at once.
	form := url.Values{
		remote.FieldJobID:     {id},
		remote.FieldSamples:   {remote.SamplesField(samples)},
		remote.FieldPositions: {remote.PositionsField(ivs)},
	}
	resp, err := http.PostForm(srv.URL+"/bamcheck", form)
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	expect.EQ(t, strings.TrimLeft(string(body), "#"), "*exitcode^0*")
}

func TestBadRequests(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "server")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	srv := httptest.NewServer(newServer(t, dir))
	defer srv.Close()

	for _, form := range []url.Values{
		{remote.FieldJobID: {"0123456789abcdef"}, remote.FieldSamples: {"c|A"}, remote.FieldPositions: {"1:100"}},
		{remote.FieldJobID: {"0123456789abcdef"}, remote.FieldSamples: {"c|A"}, remote.FieldPositions: {"bogus"}},
		{remote.FieldSamples: {"c|A"}},
	} {
		resp, err := http.PostForm(srv.URL+"/bamcheck", form)
		require.NoError(t, err)
		resp.Body.Close()
		expect.EQ(t, resp.StatusCode, http.StatusBadRequest, "%v", form)
	}

	for _, path := range []string{"/results/0123456789abcdef", "/results/..%2Fx", "/nothing"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		expect.EQ(t, resp.StatusCode, http.StatusNotFound, path)
	}
}

func TestPurge(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "server")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	s := newServer(t, dir)
	now := time.Now()
	s.Now = func() time.Time { return now }

	write := func(name string, age time.Duration) string {
		path := filepath.Join(dir, "results", name)
		require.NoError(t, ioutil.WriteFile(path, []byte("x"), 0644))
		require.NoError(t, os.Chtimes(path, now.Add(-age), now.Add(-age)))
		return path
	}
	old := write("00000000000000aa", 2*time.Hour)
	fresh := write("00000000000000bb", time.Minute)
	other := write("notes.txt", 2*time.Hour)

	n, err := s.Purge()
	assert.NoError(t, err)
	expect.EQ(t, n, 1)
	_, err = os.Stat(old)
	expect.True(t, os.IsNotExist(err))
	for _, path := range []string{fresh, other} {
		_, err = os.Stat(path)
		expect.NoError(t, err)
	}
}
