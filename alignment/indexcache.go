package alignment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/singleflight"
)

// DefaultIndexMaxAge is the age past which a cached index is fetched again.
const DefaultIndexMaxAge = 24 * time.Hour

// IndexCache keeps local copies of the BAI indexes of remote BAM files.
// Concurrent requests for the same URL share one download, which is not tied
// to any one caller's context.  Files are removed by Close.
type IndexCache struct {
	// Dir holds the cached files.
	Dir string
	// Client fetches indexes.  If nil, http.DefaultClient is used.
	Client *http.Client
	// MaxAge defaults to DefaultIndexMaxAge.
	MaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	paths map[string]string
	// ownDir is set when the cache created Dir itself.
	ownDir bool
}

// NewIndexCache creates a cache in dir.  If dir is empty a fresh temporary
// directory is used and Close removes it.
func NewIndexCache(dir string, client *http.Client) (*IndexCache, error) {
	own := dir == ""
	if own {
		var err error
		if dir, err = os.MkdirTemp("", "bamcheck-index"); err != nil {
			return nil, errors.E(err, "create index cache directory")
		}
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.E(err, "create index cache directory", dir)
	}
	return &IndexCache{Dir: dir, Client: client, paths: make(map[string]string), ownDir: own}, nil
}

// Path returns the local path at which the index of url is cached.
func (c *IndexCache) Path(url string) string {
	return filepath.Join(c.Dir, fmt.Sprintf("index_%016x.bai", farm.Fingerprint64([]byte(url))))
}

func (c *IndexCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *IndexCache) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return DefaultIndexMaxAge
}

// Get returns the path of a local copy of the index of the BAM at url.  A
// cached copy older than MaxAge is deleted and downloaded again.  Canceling
// ctx abandons the wait but not a download other callers may share.
func (c *IndexCache) Get(ctx context.Context, url string) (string, error) {
	ch := c.group.DoChan(url, func() (interface{}, error) {
		return c.get(context.Background(), url)
	})
	select {
	case <-ctx.Done():
		return "", errors.E(ctx.Err(), "index", url)
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *IndexCache) get(ctx context.Context, url string) (string, error) {
	local := c.Path(url)
	info, err := file.Stat(ctx, local)
	switch {
	case err == nil:
		if age := c.now().Sub(info.ModTime()); age <= c.maxAge() {
			c.remember(url, local)
			return local, nil
		}
		log.Debug.Printf("index cache: %s is stale, fetching again", local)
		if err := file.Remove(ctx, local); err != nil {
			return "", errors.E(err, "remove stale index", local)
		}
	case !errors.Is(errors.NotExist, err) && !os.IsNotExist(err):
		return "", errors.E(err, "stat", local)
	}
	var fetchErr error
	for _, src := range []string{url + ".bai", SecondaryIndexPath(url)} {
		if fetchErr = c.fetch(ctx, src, local); fetchErr == nil {
			c.remember(url, local)
			return local, nil
		}
		if !errors.Is(errors.NotExist, fetchErr) {
			return "", fetchErr
		}
	}
	return "", errors.E(errors.NotExist, fetchErr, "no index for", url)
}

func (c *IndexCache) remember(url, local string) {
	c.mu.Lock()
	if c.paths == nil {
		c.paths = make(map[string]string)
	}
	c.paths[url] = local
	c.mu.Unlock()
}

func (c *IndexCache) fetch(ctx context.Context, src, dst string) (err error) {
	req, err := http.NewRequest(http.MethodGet, src, nil)
	if err != nil {
		return errors.E(errors.Invalid, err, src)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return errors.E(errors.Net, err, src)
	}
	defer resp.Body.Close() // nolint: errcheck
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errors.E(errors.NotExist, src)
	default:
		return errors.E(errors.Unavailable, fmt.Sprintf("GET %s: %s", src, resp.Status))
	}
	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(err, "create", dst)
	}
	if _, err = io.Copy(out.Writer(ctx), resp.Body); err != nil {
		out.Discard(ctx)
		return errors.E(errors.Net, err, "download", src)
	}
	if err = out.Close(ctx); err != nil {
		return errors.E(err, "close", dst)
	}
	log.Debug.Printf("index cache: fetched %s", src)
	return nil
}

// Close removes every file the cache handed out, and Dir itself when the
// cache created it.
func (c *IndexCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()
	var firstErr error
	for url, local := range c.paths {
		if err := file.Remove(ctx, local); err != nil && !os.IsNotExist(err) && !errors.Is(errors.NotExist, err) && firstErr == nil {
			firstErr = errors.E(err, "remove cached index", local)
		}
		delete(c.paths, url)
	}
	if c.ownDir {
		if err := os.RemoveAll(c.Dir); err != nil && firstErr == nil {
			firstErr = errors.E(err, "remove index cache directory", c.Dir)
		}
		c.ownDir = false
	}
	return firstErr
}
