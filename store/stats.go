package store

import (
	"io"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

// StatsService accumulates pipeline counters and periodically flushes them
// to influxdb. All methods are safe for concurrent use and never block the
// ingestion path beyond a mutex-protected counter bump.
type StatsService interface {
	// CertCount counts one processed certificate event.
	CertCount()
	// DomainCount counts processed candidate domains.
	DomainCount(count int)
	// TierHit counts one domain landing in a classification tier.
	TierHit(tier string)
	// ProviderOutcome counts one provider call result.
	ProviderOutcome(provider string, status string)
	io.Closer
}

type providerTuple struct {
	provider string
	status   string
}

type influxStats struct {
	client    influxdb2.Client
	api       influxapi.WriteAPI
	done      chan bool
	ticker    *time.Ticker
	certs     int
	domains   int
	tierHits  map[string]int
	providers map[providerTuple]int
	m         *sync.Mutex
}

func (ifs *influxStats) CertCount() {
	ifs.m.Lock()
	defer ifs.m.Unlock()
	ifs.certs++
}

func (ifs *influxStats) DomainCount(count int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()
	ifs.domains += count
}

func (ifs *influxStats) TierHit(tier string) {
	ifs.m.Lock()
	defer ifs.m.Unlock()
	ifs.tierHits[tier]++
}

func (ifs *influxStats) ProviderOutcome(provider string, status string) {
	ifs.m.Lock()
	defer ifs.m.Unlock()
	ifs.providers[providerTuple{provider, status}]++
}

func (ifs *influxStats) Close() error {
	ifs.done <- true
	ifs.ticker.Stop()
	if ifs.client != nil {
		ifs.client.Close()
	}
	return nil
}

func (ifs *influxStats) write() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	now := time.Now()

	fields := map[string]interface{}{
		"certs":   ifs.certs,
		"domains": ifs.domains,
	}
	ifs.api.WritePoint(influxdb2.NewPoint("stream", nil, fields, now))

	for tier, count := range ifs.tierHits {
		tags := map[string]string{
			"tier": tier,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		ifs.api.WritePoint(influxdb2.NewPoint("tier-hits", tags, fields, now))
	}

	for tuple, count := range ifs.providers {
		tags := map[string]string{
			"provider": tuple.provider,
			"status":   tuple.status,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		ifs.api.WritePoint(influxdb2.NewPoint("provider-calls", tags, fields, now))
	}

	ifs.certs = 0
	ifs.domains = 0
	ifs.tierHits = map[string]int{}
	ifs.providers = map[providerTuple]int{}
}

type InfluxOpts struct {
	Enabled      bool   `yaml:"enabled"`
	ServUrl      string `yaml:"server-url"`
	AuthToken    string `yaml:"auth-token"`
	Organisation string `yaml:"organisation"`
	Bucket       string `yaml:"bucket"`
	Interval     int    `yaml:"interval"` // in seconds
}

// service that is being used when influxdb is disabled
type disabledStats struct{}

func (ds *disabledStats) CertCount()                        {}
func (ds *disabledStats) DomainCount(count int)             {}
func (ds *disabledStats) TierHit(tier string)               {}
func (ds *disabledStats) ProviderOutcome(p string, s string) {}
func (ds *disabledStats) Close() error                      { return nil }

func NewStatsService(opts InfluxOpts) StatsService {
	if !opts.Enabled {
		return &disabledStats{}
	}

	client := influxdb2.NewClient(opts.ServUrl, opts.AuthToken)
	api := client.WriteAPI(opts.Organisation, opts.Bucket)

	return NewStatsServiceWithClient(client, api, opts.Interval)
}

func NewStatsServiceWithClient(client influxdb2.Client, api influxapi.WriteAPI, interval int) StatsService {
	if interval <= 0 {
		interval = 10
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	done := make(chan bool)

	is := influxStats{
		client:    client,
		api:       api,
		done:      done,
		ticker:    ticker,
		tierHits:  map[string]int{},
		providers: map[providerTuple]int{},
		m:         &sync.Mutex{},
	}

	go func() {
		// write to influxdb at interval
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				is.write()
			}
		}
	}()

	return &is
}
