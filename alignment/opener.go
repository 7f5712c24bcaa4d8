package alignment

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Opener opens the alignment Source of a sample.
type Opener interface {
	Open(ctx context.Context, cohort, sample string) (Source, error)
}

// Resolver maps a sample to the path or URL of its BAM file.
type Resolver interface {
	Resolve(cohort, sample string) (string, error)
}

// Template is a Resolver that substitutes "{cohort}" and "{sample}" in a
// path or URL pattern, e.g. "https://host/bam/{cohort}/{sample}.bam".
type Template string

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = "{cohort}/{sample}.bam"

// Resolve implements Resolver.
func (t Template) Resolve(cohort, sample string) (string, error) {
	if sample == "" {
		return "", errors.E(errors.Invalid, "empty sample name")
	}
	pattern := string(t)
	if pattern == "" {
		pattern = DefaultTemplate
	}
	return strings.NewReplacer("{cohort}", cohort, "{sample}", sample).Replace(pattern), nil
}

// BAMOpener opens BAM files on local storage, any grailbio file
// implementation, or over HTTP.  HTTP indexes are fetched through Cache.
type BAMOpener struct {
	Resolver Resolver
	Cache    *IndexCache
	Client   *http.Client
}

// SecondaryIndexPath returns the index name used when "<path>.bai" is absent:
// the path with its extension replaced by ".bai".
func SecondaryIndexPath(p string) string {
	return strings.TrimSuffix(p, path.Ext(p)) + ".bai"
}

// Open implements Opener.
func (o *BAMOpener) Open(ctx context.Context, cohort, sample string) (Source, error) {
	p, err := o.Resolver.Resolve(cohort, sample)
	if err != nil {
		return nil, err
	}
	if IsURL(p) {
		return o.openURL(ctx, p)
	}
	return o.openFile(ctx, p)
}

func (o *BAMOpener) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

func (o *BAMOpener) openURL(ctx context.Context, url string) (Source, error) {
	if o.Cache == nil {
		return nil, errors.E(errors.Invalid, "no index cache for", url)
	}
	indexPath, err := o.Cache.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	idx, err := file.Open(ctx, indexPath)
	if err != nil {
		return nil, errors.E(err, "open cached index", indexPath)
	}
	defer idx.Close(ctx) // nolint: errcheck
	data := newRangeReader(ctx, o.client(), url)
	src, err := NewBAMSource(url, data, idx.Reader(ctx), data.Close)
	if err != nil {
		data.Close()
		return nil, err
	}
	return src, nil
}

func (o *BAMOpener) openFile(ctx context.Context, p string) (Source, error) {
	in, err := file.Open(ctx, p)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "open BAM", p)
	}
	var idx file.File
	for _, ip := range []string{p + ".bai", SecondaryIndexPath(p)} {
		if idx, err = file.Open(ctx, ip); err == nil {
			break
		}
		log.Debug.Printf("%s: no index at %s", p, ip)
	}
	if idx == nil {
		_ = in.Close(ctx)
		return nil, errors.E(errors.NotExist, "no index for", p)
	}
	src, err := NewBAMSource(p, in.Reader(ctx), idx.Reader(ctx), func() error { return in.Close(ctx) })
	file.CloseAndReport(ctx, idx, &err)
	if err != nil {
		if src != nil {
			_ = src.Close()
		} else {
			_ = in.Close(ctx)
		}
		return nil, err
	}
	return src, nil
}
