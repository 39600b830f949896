package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const safebrowsingDefaultBaseURL = "https://safebrowsing.googleapis.com/v4"

// SafeBrowsingResult is the persisted lookup outcome.
type SafeBrowsingResult struct {
	Listed  bool     `bson:"listed"`
	Threats []string `bson:"threats,omitempty"`
}

// SafeBrowsing queries the Google Safe Browsing v4 lookup API.
type SafeBrowsing struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewSafeBrowsing(apiKey string) *SafeBrowsing {
	return &SafeBrowsing{
		apiKey:  apiKey,
		baseURL: safebrowsingDefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SafeBrowsing) Name() string {
	return "safebrowsing"
}

func (s *SafeBrowsing) Enrich(ctx context.Context, target Target) (interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"client": map[string]string{
			"clientId":      "certphisher",
			"clientVersion": "1.0",
		},
		"threatInfo": map[string]interface{}{
			"threatTypes":      []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE"},
			"platformTypes":    []string{"ANY_PLATFORM"},
			"threatEntryTypes": []string{"URL"},
			"threatEntries": []map[string]string{
				{"url": "https://" + target.Domain},
			},
		},
	})
	if err != nil {
		return nil, malformedErr("safebrowsing", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/threatMatches:find?key="+s.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, transientErr("safebrowsing", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transientErr("safebrowsing", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("safebrowsing", errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	var decoded struct {
		Matches []struct {
			ThreatType string `json:"threatType"`
		} `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, malformedErr("safebrowsing", err)
	}

	res := &SafeBrowsingResult{Listed: len(decoded.Matches) > 0}
	for _, m := range decoded.Matches {
		res.Threats = append(res.Threats, m.ThreatType)
	}
	return res, nil
}
