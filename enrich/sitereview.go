package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const sitereviewDefaultBaseURL = "https://sitereview.bluecoat.com"

// SiteReviewResult is the persisted categorization outcome.
type SiteReviewResult struct {
	Categories []string `bson:"categories,omitempty"`
	Unrated    bool     `bson:"unrated"`
}

// SiteReview looks a domain up in the Symantec/Bluecoat web categorization
// service.
type SiteReview struct {
	baseURL string
	client  *http.Client
}

func NewSiteReview() *SiteReview {
	return &SiteReview{
		baseURL: sitereviewDefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SiteReview) Name() string {
	return "sitereview"
}

func (s *SiteReview) Enrich(ctx context.Context, target Target) (interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"url":                target.Domain,
		"captcha":            "",
		"phrase":             "",
		"checkBeingFollowed": false,
	})
	if err != nil {
		return nil, malformedErr("sitereview", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/resource/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, transientErr("sitereview", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transientErr("sitereview", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("sitereview", errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	var decoded struct {
		Unrated        bool `json:"unrated"`
		Categorization []struct {
			Name string `json:"name"`
		} `json:"categorization"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, malformedErr("sitereview", err)
	}

	res := &SiteReviewResult{Unrated: decoded.Unrated}
	for _, cat := range decoded.Categorization {
		res.Categories = append(res.Categories, cat.Name)
	}
	return res, nil
}
