package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const urlhausDefaultBaseURL = "https://urlhaus-api.abuse.ch/v1"

// URLHausResult is the persisted outcome of both lookups.
type URLHausResult struct {
	URLStatus  string `bson:"url_status,omitempty"`
	HostStatus string `bson:"host_status,omitempty"`
	Threat     string `bson:"threat,omitempty"`
	Reference  string `bson:"reference,omitempty"`
	Listed     bool   `bson:"listed"`
}

// URLHaus looks domains up in the abuse.ch malware URL exchange.
type URLHaus struct {
	baseURL string
	client  *http.Client
}

func NewURLHaus() *URLHaus {
	return &URLHaus{
		baseURL: urlhausDefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (u *URLHaus) Name() string {
	return "urlhaus"
}

func (u *URLHaus) Enrich(ctx context.Context, target Target) (interface{}, error) {
	res := &URLHausResult{}

	urlResp, err := u.query(ctx, "/url/", url.Values{"url": {"https://" + target.Domain}})
	if err != nil {
		return nil, err
	}
	hostResp, err := u.query(ctx, "/host/", url.Values{"host": {target.Domain}})
	if err != nil {
		return nil, err
	}

	res.URLStatus = urlResp.QueryStatus
	res.HostStatus = hostResp.QueryStatus
	res.Threat = urlResp.Threat
	res.Listed = urlResp.QueryStatus == "ok" || hostResp.QueryStatus == "ok"
	if urlResp.URLHausReference != "" {
		res.Reference = urlResp.URLHausReference
	} else {
		res.Reference = hostResp.URLHausReference
	}
	return res, nil
}

type urlhausResponse struct {
	QueryStatus      string `json:"query_status"`
	Threat           string `json:"threat"`
	URLHausReference string `json:"urlhaus_reference"`
}

func (u *URLHaus) query(ctx context.Context, path string, form url.Values) (*urlhausResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, transientErr("urlhaus", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, transientErr("urlhaus", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("urlhaus", errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	var decoded urlhausResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, malformedErr("urlhaus", err)
	}
	return &decoded, nil
}
