package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/time/rate"
)

const vtDefaultBaseURL = "https://www.virustotal.com/vtapi/v2"

// VTSubmission is the subset of a scan submission response that gets
// persisted.
type VTSubmission struct {
	ResponseCode int    `bson:"response_code" json:"response_code"`
	ScanID       string `bson:"scan_id,omitempty" json:"scan_id"`
	ScanDate     string `bson:"scan_date,omitempty" json:"scan_date"`
	Permalink    string `bson:"permalink,omitempty" json:"permalink"`
	Resource     string `bson:"resource,omitempty" json:"resource"`
	URL          string `bson:"url,omitempty" json:"url"`
	VerboseMsg   string `bson:"verbose_msg,omitempty" json:"verbose_msg"`
}

// VirusTotal submits URLs for scanning. The public API enforces a strict
// quota, so every submission first waits on a token-bucket limiter owned
// by this adapter; the wait happens on an enrichment worker, never on the
// ingestion path.
type VirusTotal struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewVirusTotal(apiKey string, rateLimitDelay time.Duration) *VirusTotal {
	if rateLimitDelay <= 0 {
		rateLimitDelay = 26 * time.Second
	}
	return &VirusTotal{
		apiKey:  apiKey,
		baseURL: vtDefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(rateLimitDelay), 1),
	}
}

// Submit sends a URL scan request for the domain. It blocks until the
// rate limiter permits the call.
func (vt *VirusTotal) Submit(ctx context.Context, domain string) (*VTSubmission, error) {
	if err := vt.limiter.Wait(ctx); err != nil {
		return nil, transientErr("virus_total", err)
	}

	form := url.Values{}
	form.Set("apikey", vt.apiKey)
	form.Set("url", "https://"+domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, vt.baseURL+"/url/scan", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, transientErr("virus_total", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := vt.client.Do(req)
	if err != nil {
		return nil, transientErr("virus_total", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("virus_total", errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	var sub VTSubmission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, malformedErr("virus_total", err)
	}
	if sub.ResponseCode != 1 {
		return nil, transientErr("virus_total", errors.Errorf("submission rejected: %s", sub.VerboseMsg))
	}
	return &sub, nil
}

// DomainReport fetches the reputation report for the registered domain.
func (vt *VirusTotal) DomainReport(ctx context.Context, domain string) (map[string]interface{}, error) {
	registered, err := RegisteredDomain(domain)
	if err != nil {
		registered = domain
	}

	q := url.Values{}
	q.Set("apikey", vt.apiKey)
	q.Set("domain", registered)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vt.baseURL+"/domain/report?"+q.Encode(), nil)
	if err != nil {
		return nil, transientErr("vt_domain_report", err)
	}

	resp, err := vt.client.Do(req)
	if err != nil {
		return nil, transientErr("vt_domain_report", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("vt_domain_report", errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	var report map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, malformedErr("vt_domain_report", err)
	}
	return report, nil
}

// RegisteredDomain reduces a fully qualified name to its registered
// domain (ie. login.secure.example.co.uk -> example.co.uk).
func RegisteredDomain(domain string) (string, error) {
	return publicsuffix.Domain(domain)
}
