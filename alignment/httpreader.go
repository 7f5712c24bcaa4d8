package alignment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/grailbio/base/errors"
)

// IsURL reports whether path names an http(s) resource.
func IsURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// rangeReader is an io.ReadSeeker over an HTTP resource.  Each seek to a new
// offset issues a ranged GET; sequential reads share one response body.
type rangeReader struct {
	ctx    context.Context
	client *http.Client
	url    string

	off     int64
	size    int64 // -1 until known
	body    io.ReadCloser
	bodyOff int64
}

func newRangeReader(ctx context.Context, client *http.Client, url string) *rangeReader {
	return &rangeReader{ctx: ctx, client: client, url: url, size: -1}
}

func (r *rangeReader) open() error {
	req, err := http.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(r.ctx)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.off))
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.E(errors.Net, err, r.url)
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Server ignored the range; discard up to the offset.
		if _, err := io.CopyN(io.Discard, resp.Body, r.off); err != nil {
			resp.Body.Close()
			return errors.E(errors.Net, err, r.url)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		r.body, r.bodyOff = io.NopCloser(strings.NewReader("")), r.off
		return nil
	case http.StatusNotFound:
		resp.Body.Close()
		return errors.E(errors.NotExist, r.url)
	default:
		resp.Body.Close()
		return errors.E(errors.Unavailable, fmt.Sprintf("GET %s: %s", r.url, resp.Status))
	}
	r.body, r.bodyOff = resp.Body, r.off
	return nil
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.body == nil || r.bodyOff != r.off {
		r.closeBody()
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.body.Read(p)
	r.off += int64(n)
	r.bodyOff += int64(n)
	return n, err
}

func (r *rangeReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.off
	case io.SeekEnd:
		size, err := r.length()
		if err != nil {
			return r.off, err
		}
		offset += size
	default:
		return r.off, fmt.Errorf("rangeReader.Seek: bad whence %d", whence)
	}
	if offset < 0 {
		return r.off, fmt.Errorf("rangeReader.Seek: negative offset %d", offset)
	}
	r.off = offset
	return offset, nil
}

func (r *rangeReader) length() (int64, error) {
	if r.size >= 0 {
		return r.size, nil
	}
	req, err := http.NewRequest(http.MethodHead, r.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req.WithContext(r.ctx))
	if err != nil {
		return 0, errors.E(errors.Net, err, r.url)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0, errors.E(errors.Unavailable, "HEAD", r.url, resp.Status)
	}
	r.size = resp.ContentLength
	return r.size, nil
}

func (r *rangeReader) closeBody() {
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

func (r *rangeReader) Close() error {
	r.closeBody()
	return nil
}
