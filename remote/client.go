package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/progress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Default polling parameters.
const (
	DefaultPollInterval    = time.Second
	DefaultPollMaxInterval = 10 * time.Second
	DefaultPollTimeout     = 10 * time.Minute
)

// Client delegates pileup jobs to a remote service.
type Client struct {
	// Endpoint is the service base URL.  An empty Endpoint disables the
	// client.
	Endpoint string
	// ResultBase is the URL prefix of result payloads.  Defaults to
	// Endpoint + "/results/".
	ResultBase string
	// HTTP defaults to http.DefaultClient, which honours proxy environment
	// variables.
	HTTP *http.Client

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollTimeout     time.Duration

	Progress progress.Func
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.Endpoint != ""
}

func (c *Client) http() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// ResultURL returns the URL of the payload of job id.
func (c *Client) ResultURL(id string) string {
	base := c.ResultBase
	if base == "" {
		base = strings.TrimRight(c.Endpoint, "/") + "/results/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + id
}

// Run computes the matrices of the given intervals and samples remotely.
// The returned matrices carry the service's column order and groups.  Errors
// of kind errors.Integrity mean the service returned a malformed payload;
// every other error means the service could not be used.
func (c *Client) Run(ctx context.Context, ivs []interval.Interval, samples []pileup.Sample) (map[interval.Interval]*matrix.Matrix, error) {
	if !c.Enabled() {
		return nil, errors.E(errors.NotSupported, "no remote endpoint configured")
	}
	ivs = interval.SortedUnique(ivs)
	id := JobID(ivs, samples)
	resultURL := c.ResultURL(id)

	exists, err := c.exists(ctx, resultURL)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Printf("remote: job %s already computed", id)
	} else {
		if err := c.submit(ctx, id, ivs, samples); err != nil {
			return nil, err
		}
		if err := c.poll(ctx, resultURL); err != nil {
			return nil, err
		}
	}
	return c.fetch(ctx, resultURL, ivs)
}

func (c *Client) exists(ctx context.Context, u string) (bool, error) {
	req, err := http.NewRequest(http.MethodHead, u, nil)
	if err != nil {
		return false, errors.E(errors.Invalid, err, u)
	}
	resp, err := c.http().Do(req.WithContext(ctx))
	if err != nil {
		return false, errors.E(errors.Net, err, "HEAD", u)
	}
	resp.Body.Close() // nolint: errcheck
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, errors.E(errors.Unavailable, fmt.Sprintf("HEAD %s: %s", u, resp.Status))
}

func (c *Client) submit(ctx context.Context, id string, ivs []interval.Interval, samples []pileup.Sample) error {
	u := strings.TrimRight(c.Endpoint, "/") + "/bamcheck"
	form := url.Values{
		FieldJobID:     {id},
		FieldSamples:   {SamplesField(samples)},
		FieldPositions: {PositionsField(ivs)},
	}
	req, err := http.NewRequest(http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.E(errors.Invalid, err, u)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req.WithContext(ctx))
	if err != nil {
		return errors.E(errors.Net, err, "POST", u)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return errors.E(errors.Unavailable, fmt.Sprintf("POST %s: %s", u, resp.Status))
	}
	log.Debug.Printf("remote: submitted job %s (%d samples, %d intervals)", id, len(samples), len(ivs))
	return NewDecoder(resp.Body, len(samples), len(ivs), c.Progress).Decode()
}

var errNotReady = errors.E(errors.NotExist, "result not ready")

func (c *Client) poll(ctx context.Context, u string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.PollInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultPollInterval
	}
	b.MaxInterval = c.PollMaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultPollMaxInterval
	}
	b.MaxElapsedTime = c.PollTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = DefaultPollTimeout
	}
	err := backoff.Retry(func() error {
		ok, err := c.exists(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if !ok {
			return errNotReady
		}
		return nil
	}, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.E(ctx.Err(), "poll", u)
	case err == errNotReady:
		return errors.E(errors.Timeout, fmt.Sprintf("result %s not ready after %s", u, b.MaxElapsedTime))
	}
	return err
}

func (c *Client) fetch(ctx context.Context, u string, ivs []interval.Interval) (map[interval.Interval]*matrix.Matrix, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, u)
	}
	resp, err := c.http().Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.E(errors.Net, err, "GET", u)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("GET %s: %s", u, resp.Status))
	}
	ms, err := matrix.ParsePayload(resp.Body, "")
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*matrix.Matrix, len(ms))
	for _, m := range ms {
		byName[m.Interval.String()] = m
	}
	out := make(map[interval.Interval]*matrix.Matrix, len(ivs))
	for _, iv := range ivs {
		m, ok := byName[iv.String()]
		if !ok {
			return nil, errors.E(errors.Integrity, "payload has no section for", iv.String())
		}
		m.Interval = iv
		out[iv] = m
	}
	return out, nil
}
