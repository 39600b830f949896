// Package ctlog tails Certificate Transparency logs directly and feeds the
// entries into the classification pipeline, for deployments that want to
// bypass a certstream aggregator.
package ctlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/google/certificate-transparency-go/scanner"
	"github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509/pkix"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/certphisher/certphisher/pipeline"
)

var UnsupportedCertTypeErr = errors.New("provided certificate is not supported")

type Config struct {
	All         bool     `yaml:"all"`
	Included    []string `yaml:"included"` // urls to include
	Excluded    []string `yaml:"excluded"` // urls to exclude
	WorkerCount int      `yaml:"worker-count"`
	BatchSize   int      `yaml:"batch-size"`
}

type Client struct {
	cancelFn   context.CancelFunc
	lock       *sync.Mutex
	maxRetries float64
	curRetries float64
	c          *client.LogClient
}

func (c *Client) BaseURI() string {
	return c.c.BaseURI()
}

func (c *Client) GetSTH(ctx context.Context) (*ct.SignedTreeHead, error) {
	return c.c.GetSTH(ctx)
}

func (c *Client) GetRawEntries(ctx context.Context, start, end int64) (*ct.GetEntriesResponse, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	resp, err := c.c.GetRawEntries(ctx, start, end)
	if err == nil && c.curRetries > 0 {
		c.curRetries -= 0.05
	} else if err != nil {
		c.curRetries += 1
		if c.curRetries >= c.maxRetries {
			log.Warn().Str("log", c.BaseURI()).Msgf("max retries reached")
			if c.cancelFn != nil {
				c.cancelFn()
			}
		}
	}
	return resp, err
}

func (c *Client) GetEntries(ctx context.Context, start, end int64) ([]ct.LogEntry, error) {
	return c.c.GetEntries(ctx, start, end)
}

func (c *Client) SetCancelFunc(fn context.CancelFunc) {
	c.cancelFn = fn
}

type Log struct {
	Description       string `json:"description"`
	Key               string `json:"key"`
	Url               string `json:"url"`
	MaximumMergeDelay int    `json:"maximum_merge_delay"`
	OperatedBy        []int  `json:"operated_by"`
	c                 *Client
}

func (l *Log) GetClient() (*Client, error) {
	if l.c != nil {
		return l.c, nil
	}
	uri := fmt.Sprintf("https://%s", l.Url)
	hc := http.Client{}
	lc, err := client.New(uri, &hc, jsonclient.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "create new log client")
	}
	l.c = &Client{
		lock:       &sync.Mutex{},
		maxRetries: 100,
		c:          lc,
	}
	return l.c, nil
}

func (l *Log) Name() string {
	return l.Url
}

type Operator struct {
	Name string `json:"name"`
	Id   int    `json:"id"`
}

type LogList struct {
	Logs      []Log      `json:"logs"`
	Operators []Operator `json:"operators"`
}

// returns true if the list contains the given element
func containsStr(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// Filter the log list according to urls to include and exclude.
func (ll *LogList) Filter(all bool, included []string, excluded []string) *LogList {
	res := LogList{
		Logs:      []Log{},
		Operators: ll.Operators, // copy all operators
	}

	if all {
		// select all, and exclude
		for _, l := range ll.Logs {
			if !containsStr(excluded, l.Url) {
				res.Logs = append(res.Logs, l)
			}
		}
	} else {
		// select none, and include
		for _, l := range ll.Logs {
			if containsStr(included, l.Url) {
				res.Logs = append(res.Logs, l)
			}
		}
	}

	return &res
}

// returns a list of logs given the JSON file located at a URL
func logsFromUrl(url string) (*LogList, error) {
	c := http.Client{}
	resp, err := c.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, errors.Errorf("failed to retrieve log JSON: %d", resp.StatusCode)
	}

	var logList LogList
	if err := json.NewDecoder(resp.Body).Decode(&logList); err != nil {
		return nil, err
	}
	return &logList, nil
}

// AllLogs returns a list of all known logs.
func AllLogs() (*LogList, error) {
	return logsFromUrl("https://www.gstatic.com/ct/log_list/all_logs_list.json")
}

// TrustedLogs returns a list of all trusted logs.
func TrustedLogs() (*LogList, error) {
	return logsFromUrl("https://www.gstatic.com/ct/log_list/log_list.json")
}

func certFromLogEntry(entry *ct.LogEntry) (*x509.Certificate, error) {
	if entry.Precert != nil {
		return entry.Precert.TBSCertificate, nil
	}
	if entry.X509Cert != nil {
		return entry.X509Cert, nil
	}
	return nil, UnsupportedCertTypeErr
}

// aggregateSubject renders an issuer name the way stream aggregators do
// (ie. "/C=US/O=Let's Encrypt/CN=R3"), so the free-CA check sees the same
// shape regardless of the source.
func aggregateSubject(name pkix.Name) string {
	var b strings.Builder
	write := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "/%s=%s", key, value)
		}
	}
	if len(name.Country) > 0 {
		write("C", name.Country[0])
	}
	if len(name.Province) > 0 {
		write("ST", name.Province[0])
	}
	if len(name.Locality) > 0 {
		write("L", name.Locality[0])
	}
	if len(name.Organization) > 0 {
		write("O", name.Organization[0])
	}
	if len(name.OrganizationalUnit) > 0 {
		write("OU", name.OrganizationalUnit[0])
	}
	write("CN", name.CommonName)
	return b.String()
}

// eventFromCert synthesizes the same event shape the certstream collector
// produces, from a parsed log entry certificate.
func eventFromCert(cert *x509.Certificate) pipeline.Event {
	sans := make([]string, 0, len(cert.DNSNames))
	for _, name := range cert.DNSNames {
		sans = append(sans, "DNS:"+name)
	}
	return pipeline.Event{
		IssuerCN:         cert.Issuer.CommonName,
		IssuerAggregated: aggregateSubject(cert.Issuer),
		SubjectAltName:   strings.Join(sans, ", "),
	}
}

// Tailer follows the head of a set of CT logs.
type Tailer struct {
	conf Config
	logs *LogList
}

func NewTailer(conf Config, logs *LogList) *Tailer {
	if conf.WorkerCount == 0 {
		conf.WorkerCount = 2
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = 1000
	}
	return &Tailer{
		conf: conf,
		logs: logs.Filter(conf.All, conf.Included, conf.Excluded),
	}
}

// Run tails all selected logs until the context is cancelled.
func (t *Tailer) Run(ctx context.Context, fn pipeline.EventFunc) error {
	if len(t.logs.Logs) == 0 {
		return errors.New("no CT logs selected")
	}

	wg := sync.WaitGroup{}
	wg.Add(len(t.logs.Logs))
	for i := range t.logs.Logs {
		l := &t.logs.Logs[i]
		go func() {
			defer wg.Done()
			if err := t.tail(ctx, l, fn); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("log", l.Name()).Msg("failed to tail CT log")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (t *Tailer) tail(ctx context.Context, l *Log, fn pipeline.EventFunc) error {
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	lc, err := l.GetClient()
	if err != nil {
		return errors.Wrap(err, "get log client")
	}
	lc.SetCancelFunc(cancelFn)

	sth, err := lc.GetSTH(ctx)
	if err != nil {
		return errors.Wrap(err, "get CT STH")
	}

	scannerOpts := scanner.ScannerOptions{
		FetcherOptions: scanner.FetcherOptions{
			BatchSize:     t.conf.BatchSize,
			ParallelFetch: t.conf.WorkerCount,
			StartIndex:    int64(sth.TreeSize),
			EndIndex:      0,
			Continuous:    true,
		},
		Matcher:     &scanner.MatchAll{},
		PrecertOnly: false,
		NumWorkers:  t.conf.WorkerCount,
	}

	sc := scanner.NewScanner(lc, scannerOpts)
	handler := func(rle *ct.RawLogEntry) {
		logEntry, err := rle.ToLogEntry()
		if err != nil {
			log.Error().Err(err).Str("log", l.Name()).Msg("failed to parse raw log entry")
			return
		}
		cert, err := certFromLogEntry(logEntry)
		if err != nil {
			log.Debug().Err(err).Str("log", l.Name()).Msg("skipping unsupported log entry")
			return
		}
		if len(cert.DNSNames) == 0 {
			return
		}
		if err := fn(eventFromCert(cert)); err != nil {
			log.Error().Err(err).Str("log", l.Name()).Msg("failed to handle log entry")
		}
	}

	errChannel := make(chan error)
	go func() {
		errChannel <- sc.Scan(ctx, handler, handler)
	}()

	select {
	case err := <-errChannel:
		return err
	case <-ctx.Done():
		return nil
	}
}
