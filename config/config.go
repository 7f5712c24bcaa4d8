// Package config loads bamcheck settings from the environment.
package config

import (
	"net/http"
	"time"

	"github.com/grailbio/bamcheck/alignment"
	"github.com/grailbio/bamcheck/remote"
	"github.com/grailbio/base/errors"
	"github.com/kelseyhightower/envconfig"
)

type (
	// Config holds the client settings.  Command-line flags override them.
	Config struct {
		Remote struct {
			// Url is the job service endpoint; empty disables it.
			Url             string        `envconfig:"BAMCHECK_REMOTE_URL"`
			ResultUrl       string        `envconfig:"BAMCHECK_RESULT_URL"`
			PollTimeout     time.Duration `envconfig:"BAMCHECK_POLL_TIMEOUT" default:"10m"`
			PollMaxInterval time.Duration `envconfig:"BAMCHECK_POLL_MAX_INTERVAL" default:"10s"`
		}
		Alignment struct {
			// Url is a template with {cohort} and {sample} placeholders.
			Url         string `envconfig:"BAMCHECK_ALIGNMENT_URL" default:"{cohort}/{sample}.bam"`
			CacheDir    string `envconfig:"BAMCHECK_CACHE_DIR"`
			Parallelism int    `envconfig:"BAMCHECK_PARALLELISM" default:"8"`
		}
		Reference string `envconfig:"BAMCHECK_REFERENCE"`
		Groups    string `envconfig:"BAMCHECK_GROUPS"`
	}

	// ServerConfig holds the job service settings.
	ServerConfig struct {
		Addr      string        `envconfig:"BAMCHECK_SERVER_ADDR" default:":8080"`
		ResultDir string        `envconfig:"BAMCHECK_SERVER_RESULT_DIR" default:"/tmp/bamcheck-results"`
		ResultTTL time.Duration `envconfig:"BAMCHECK_SERVER_RESULT_TTL" default:"168h"`
	}
)

// Load reads Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.E(errors.Invalid, err, "config")
	}
	return &cfg, nil
}

// LoadServer reads ServerConfig from the environment.
func LoadServer() (*ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.E(errors.Invalid, err, "server config")
	}
	return &cfg, nil
}

// Client returns the remote client described by cfg.
func (cfg *Config) Client() *remote.Client {
	return &remote.Client{
		Endpoint:        cfg.Remote.Url,
		ResultBase:      cfg.Remote.ResultUrl,
		HTTP:            &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}},
		PollTimeout:     cfg.Remote.PollTimeout,
		PollMaxInterval: cfg.Remote.PollMaxInterval,
	}
}

// Opener returns the alignment opener described by cfg.  The caller closes
// the returned cache.
func (cfg *Config) Opener() (*alignment.BAMOpener, *alignment.IndexCache, error) {
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}}
	cache, err := alignment.NewIndexCache(cfg.Alignment.CacheDir, client)
	if err != nil {
		return nil, nil, err
	}
	return &alignment.BAMOpener{
		Resolver: alignment.Template(cfg.Alignment.Url),
		Cache:    cache,
		Client:   client,
	}, cache, nil
}
