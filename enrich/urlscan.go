package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const urlscanDefaultBaseURL = "https://urlscan.io"

// URLScanLinks are the permalinks derived from an accepted scan.
type URLScanLinks struct {
	UUID       string
	Result     string
	Screenshot string
}

// URLScan submits URLs to the urlscan.io sandbox.
type URLScan struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewURLScan(apiKey string) *URLScan {
	return &URLScan{
		apiKey:  apiKey,
		baseURL: urlscanDefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit requests a scan of the domain and returns the result permalinks.
func (u *URLScan) Submit(ctx context.Context, domain string) (*URLScanLinks, error) {
	body, err := json.Marshal(map[string]interface{}{
		"url": "https://" + domain,
	})
	if err != nil {
		return nil, malformedErr("urlscan", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/v1/scan/", bytes.NewReader(body))
	if err != nil {
		return nil, transientErr("urlscan", err)
	}
	req.Header.Set("API-Key", u.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, transientErr("urlscan", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("urlscan", errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	var submission struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submission); err != nil {
		return nil, malformedErr("urlscan", err)
	}
	if submission.UUID == "" {
		return nil, malformedErr("urlscan", errors.New("submission response without uuid"))
	}

	return &URLScanLinks{
		UUID:       submission.UUID,
		Result:     u.baseURL + "/result/" + submission.UUID,
		Screenshot: u.baseURL + "/screenshots/" + submission.UUID,
	}, nil
}
