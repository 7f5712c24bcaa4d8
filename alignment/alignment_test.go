package alignment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/bamcheck/alignment"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func testHeader(t *testing.T) *sam.Header {
	chr1, err := sam.NewReference("chr1", "", "", 100000, nil, nil)
	require.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 100000, nil, nil)
	require.NoError(t, err)
	h, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	require.NoError(t, err)
	return h
}

func testRecords(t *testing.T, h *sam.Header) []*sam.Record {
	refs := h.Refs()
	specs := []struct {
		name string
		ref  int
		pos  int
	}{
		{"r1", 0, 91},
		{"r2", 0, 98},
		{"r3", 0, 101},
		{"r4", 0, 200},
		{"r5", 1, 95},
	}
	var recs []*sam.Record
	for _, s := range specs {
		r, err := alignment.NewRecord(s.name, refs[s.ref], s.pos, "10M", "ACGTACGTAC", false)
		require.NoError(t, err)
		recs = append(recs, r)
	}
	return recs
}

func readNames(t *testing.T, src alignment.Source, region string) []string {
	iv, err := interval.Parse("", region)
	require.NoError(t, err)
	it, err := src.Query(context.Background(), iv)
	require.NoError(t, err)
	names := []string{}
	for it.Scan() {
		names = append(names, it.Record().Name)
	}
	require.NoError(t, it.Close())
	return names
}

func TestLocalBAM(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	h := testHeader(t)
	path := filepath.Join(tempDir, "c1", "s1.bam")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, alignment.WriteIndexedBAM(ctx, path, h, testRecords(t, h)))

	opener := &alignment.BAMOpener{Resolver: alignment.Template(filepath.Join(tempDir, "{cohort}", "{sample}.bam"))}
	src, err := opener.Open(ctx, "c1", "s1")
	require.NoError(t, err)
	expect.EQ(t, readNames(t, src, "1:100"), []string{"r1", "r2"})
	expect.EQ(t, readNames(t, src, "chr1:100-101"), []string{"r1", "r2", "r3"})
	expect.EQ(t, readNames(t, src, "2:100"), []string{"r5"})
	expect.EQ(t, readNames(t, src, "1:5000"), []string{})
	expect.EQ(t, readNames(t, src, "7:1"), []string{})
	assert.NoError(t, src.Close())

	// chr2 has no reads, so the index has no entry for it.
	path = filepath.Join(tempDir, "c1", "s2.bam")
	require.NoError(t, alignment.WriteIndexedBAM(ctx, path, h, testRecords(t, h)[:4]))
	src, err = opener.Open(ctx, "c1", "s2")
	require.NoError(t, err)
	expect.EQ(t, readNames(t, src, "2:100"), []string{})
	expect.EQ(t, readNames(t, src, "1:100"), []string{"r1", "r2"})
	assert.NoError(t, src.Close())

	_, err = opener.Open(ctx, "c1", "missing")
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestLocalBAMSecondaryIndex(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	h := testHeader(t)
	path := filepath.Join(tempDir, "s1.bam")
	require.NoError(t, alignment.WriteIndexedBAM(ctx, path, h, testRecords(t, h)))
	require.NoError(t, os.Rename(path+".bai", alignment.SecondaryIndexPath(path)))
	expect.EQ(t, alignment.SecondaryIndexPath(path), filepath.Join(tempDir, "s1.bai"))

	opener := &alignment.BAMOpener{Resolver: alignment.Template(filepath.Join(tempDir, "{sample}.bam"))}
	src, err := opener.Open(ctx, "", "s1")
	require.NoError(t, err)
	expect.EQ(t, readNames(t, src, "1:200"), []string{"r4"})
	assert.NoError(t, src.Close())
}

func TestTemplate(t *testing.T) {
	got, err := alignment.Template("https://h/{cohort}/x/{sample}.bam").Resolve("exomes", "NA12878")
	assert.NoError(t, err)
	expect.EQ(t, got, "https://h/exomes/x/NA12878.bam")
	got, err = alignment.Template("").Resolve("c", "s")
	assert.NoError(t, err)
	expect.EQ(t, got, "c/s.bam")
	_, err = alignment.Template("").Resolve("c", "")
	expect.True(t, err != nil)
}

// countingServer serves dir and counts requests per path.
type countingServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newCountingServer(dir string) *countingServer {
	s := &countingServer{hits: make(map[string]int)}
	fs := http.FileServer(http.Dir(dir))
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		fs.ServeHTTP(w, r)
	}))
	return s
}

func (s *countingServer) count(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[p]
}

func TestRemoteBAM(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	h := testHeader(t)
	dataDir := filepath.Join(tempDir, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "c1"), 0755))
	require.NoError(t, alignment.WriteIndexedBAM(ctx, filepath.Join(dataDir, "c1", "s1.bam"), h, testRecords(t, h)))
	srv := newCountingServer(dataDir)
	defer srv.Close()

	cache, err := alignment.NewIndexCache(filepath.Join(tempDir, "cache"), srv.Client())
	require.NoError(t, err)
	opener := &alignment.BAMOpener{
		Resolver: alignment.Template(srv.URL + "/{cohort}/{sample}.bam"),
		Cache:    cache,
		Client:   srv.Client(),
	}
	for i := 0; i < 2; i++ {
		src, err := opener.Open(ctx, "c1", "s1")
		require.NoError(t, err)
		expect.EQ(t, readNames(t, src, "1:100-101"), []string{"r1", "r2", "r3"})
		expect.EQ(t, readNames(t, src, "2:100"), []string{"r5"})
		assert.NoError(t, src.Close())
	}
	expect.EQ(t, srv.count("/c1/s1.bam.bai"), 1)

	local := cache.Path(srv.URL + "/c1/s1.bam")
	_, err = os.Stat(local)
	assert.NoError(t, err)
	assert.NoError(t, cache.Close())
	_, err = os.Stat(local)
	expect.True(t, os.IsNotExist(err))
}

func TestIndexCacheStaleness(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	dataDir := filepath.Join(tempDir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "s.bam.bai"), []byte("index"), 0644))
	srv := newCountingServer(dataDir)
	defer srv.Close()

	cache, err := alignment.NewIndexCache(filepath.Join(tempDir, "cache"), srv.Client())
	require.NoError(t, err)
	defer cache.Close() // nolint: errcheck
	url := srv.URL + "/s.bam"

	local, err := cache.Get(ctx, url)
	require.NoError(t, err)
	expect.EQ(t, srv.count("/s.bam.bai"), 1)

	created := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(local, created, created))

	cache.Now = func() time.Time { return created.Add(24*time.Hour - time.Second) }
	_, err = cache.Get(ctx, url)
	require.NoError(t, err)
	expect.EQ(t, srv.count("/s.bam.bai"), 1)

	cache.Now = func() time.Time { return created.Add(24*time.Hour + time.Second) }
	_, err = cache.Get(ctx, url)
	require.NoError(t, err)
	expect.EQ(t, srv.count("/s.bam.bai"), 2)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	expect.EQ(t, string(data), "index")
}

func TestIndexCacheFallbackAndMissing(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	dataDir := filepath.Join(tempDir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "s.bai"), []byte("secondary"), 0644))
	srv := newCountingServer(dataDir)
	defer srv.Close()

	cache, err := alignment.NewIndexCache("", srv.Client())
	require.NoError(t, err)
	defer cache.Close() // nolint: errcheck

	local, err := cache.Get(ctx, srv.URL+"/s.bam")
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	expect.EQ(t, string(data), "secondary")
	expect.EQ(t, srv.count("/s.bam.bai"), 1)
	expect.EQ(t, srv.count("/s.bai"), 1)

	_, err = cache.Get(ctx, srv.URL+"/other.bam")
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestIndexCacheConcurrent(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte("index"))
	}))
	defer srv.Close()

	cache, err := alignment.NewIndexCache(tempDir, srv.Client())
	require.NoError(t, err)
	defer cache.Close() // nolint: errcheck

	const n = 8
	var (
		wg    sync.WaitGroup
		paths [n]string
		errs  [n]error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = cache.Get(ctx, srv.URL+"/s.bam")
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		expect.EQ(t, paths[i], paths[0])
	}
	expect.EQ(t, atomic.LoadInt32(&hits), int32(1))
}

func TestIndexCacheRemovesOwnDir(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	cache, err := alignment.NewIndexCache("", nil)
	require.NoError(t, err)
	_, err = os.Stat(cache.Dir)
	require.NoError(t, err)
	assert.NoError(t, cache.Close())
	_, err = os.Stat(cache.Dir)
	expect.True(t, os.IsNotExist(err))

	// A caller-supplied directory is left in place.
	dir := filepath.Join(tempDir, "cache")
	cache, err = alignment.NewIndexCache(dir, nil)
	require.NoError(t, err)
	assert.NoError(t, cache.Close())
	_, err = os.Stat(dir)
	expect.NoError(t, err)
}

func TestIndexCacheTruncatedDownload(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)
	ctx := context.Background()

	var (
		hits     int32
		truncate int32 = 1
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if atomic.LoadInt32(&truncate) == 0 {
			_, _ = w.Write([]byte("index"))
			return
		}
		// Promise more bytes than are sent, then drop the connection.
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("0123456789"))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	cache, err := alignment.NewIndexCache(tempDir, srv.Client())
	require.NoError(t, err)
	defer cache.Close() // nolint: errcheck
	url := srv.URL + "/s.bam"

	_, err = cache.Get(ctx, url)
	require.Error(t, err)
	_, err = os.Stat(cache.Path(url))
	expect.True(t, os.IsNotExist(err), "partial index left at %s", cache.Path(url))

	atomic.StoreInt32(&truncate, 0)
	local, err := cache.Get(ctx, url)
	require.NoError(t, err)
	expect.EQ(t, atomic.LoadInt32(&hits), int32(2))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	expect.EQ(t, string(data), "index")
}

func TestIndexCacheCanceledCaller(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte("index"))
	}))
	defer srv.Close()

	cache, err := alignment.NewIndexCache(tempDir, srv.Client())
	require.NoError(t, err)
	defer cache.Close() // nolint: errcheck
	url := srv.URL + "/s.bam"

	ctx1, cancel := context.WithCancel(context.Background())
	err1 := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx1, url)
		err1 <- err
	}()
	for atomic.LoadInt32(&hits) == 0 {
		time.Sleep(time.Millisecond)
	}
	type result struct {
		path string
		err  error
	}
	res2 := make(chan result, 1)
	go func() {
		path, err := cache.Get(context.Background(), url)
		res2 <- result{path, err}
	}()
	cancel()
	expect.True(t, errors.Is(errors.Canceled, <-err1))

	close(release)
	r := <-res2
	require.NoError(t, r.err)
	expect.EQ(t, r.path, cache.Path(url))
	expect.EQ(t, atomic.LoadInt32(&hits), int32(1))
}
