package config

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/certphisher/certphisher/alert"
	"github.com/certphisher/certphisher/brand"
	"github.com/certphisher/certphisher/collectors/certstream"
	"github.com/certphisher/certphisher/collectors/ctlog"
	"github.com/certphisher/certphisher/enrich"
	"github.com/certphisher/certphisher/pipeline"
	"github.com/certphisher/certphisher/store"
)

const (
	VTApiKey           = "VT_API_KEY"
	UrlscanApiKey      = "URLSCAN_API_KEY"
	SlackToken         = "SLACK_BOT_TOKEN"
	SafebrowsingApiKey = "SAFEBROWSING_API_KEY"
)

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	Dsn     string `yaml:"dsn"`
}

type Suspicious struct {
	Path         string `yaml:"path"`
	ExternalPath string `yaml:"external-path"`
}

// Providers configures the external reputation sources. The API keys come
// from the environment, never from the file.
type Providers struct {
	VTApiKey           string `yaml:"-"`
	VTRateLimit        int    `yaml:"vt-rate-limit"` // seconds between submissions
	UrlscanApiKey      string `yaml:"-"`
	SafebrowsingApiKey string `yaml:"-"`
	DNSBLServer        string `yaml:"dnsbl-server"`
	URLHausEnabled     bool   `yaml:"urlhaus-enabled"`
	DNSBLEnabled       bool   `yaml:"dnsbl-enabled"`
	SitereviewEnabled  bool   `yaml:"sitereview-enabled"`
}

type Config struct {
	Source     string            `yaml:"source"` // "certstream" or "ctlog"
	Certstream certstream.Config `yaml:"certstream"`
	CTLogs     ctlog.Config      `yaml:"ct-logs"`
	Pipeline   pipeline.Config   `yaml:"pipeline"`
	Suspicious Suspicious        `yaml:"suspicious"`
	Brand      brand.Config      `yaml:"brand"`
	Enrich     enrich.Config     `yaml:"enrich"`
	Providers  Providers         `yaml:"providers"`
	Alert      alert.Config      `yaml:"alert"`
	Store      store.Config      `yaml:"store"`
	Sentry     Sentry            `yaml:"sentry"`
}

// ReadConfig loads the configuration file and pulls secrets from the
// environment. The secret variables are scrubbed after reading.
func ReadConfig(path string) (Config, error) {
	var conf Config
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(f, &conf); err != nil {
		return conf, errors.Wrap(err, "unmarshal config file")
	}

	conf.Providers.VTApiKey = os.Getenv(VTApiKey)
	conf.Providers.UrlscanApiKey = os.Getenv(UrlscanApiKey)
	conf.Providers.SafebrowsingApiKey = os.Getenv(SafebrowsingApiKey)
	conf.Alert.Token = os.Getenv(SlackToken)

	for _, env := range []string{VTApiKey, UrlscanApiKey, SafebrowsingApiKey, SlackToken} {
		os.Setenv(env, "")
	}

	return conf, conf.validate()
}

func (c Config) validate() error {
	switch c.Source {
	case "", "certstream", "ctlog":
	default:
		return errors.Errorf("unknown source %q", c.Source)
	}
	if c.Store.URI == "" {
		return errors.New("store uri is required")
	}
	if c.Alert.Enabled && c.Alert.Token == "" {
		return errors.Errorf("alerting is enabled but %s is not set", SlackToken)
	}
	return nil
}
