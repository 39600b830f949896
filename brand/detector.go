package brand

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"image"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
)

const (
	// MismatchPenalty is added to a record's score when a brand keyword
	// appears in the domain but neither its text nor its logo appears on
	// the site.
	MismatchPenalty = 20

	similarityThreshold = 0.3
	maxPageImages       = 10
	fetchTimeout        = 10 * time.Second
	maxBodySize         = 4 << 20

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// BrandResult is the per-candidate-brand outcome.
type BrandResult struct {
	Keyword              string                `bson:"keyword"`
	TextFound            bool                  `bson:"text_found"`
	LogoMatched          bool                  `bson:"logo_matched"`
	SimilarityScore      float64               `bson:"similarity_score"`
	LogoComparison       *LogoComparison       `bson:"logo_comparison,omitempty"`
	ScreenshotComparison *ScreenshotComparison `bson:"screenshot_comparison,omitempty"`
}

func (r BrandResult) Matched() bool {
	return r.TextFound || r.LogoMatched
}

type LogoComparison struct {
	MaxSimilarity      float64 `bson:"max_similarity"`
	MatchedImageURL    string  `bson:"matched_image_url,omitempty"`
	ThresholdMet       bool    `bson:"threshold_met"`
	TotalImagesChecked int     `bson:"total_images_checked"`
}

type ScreenshotComparison struct {
	ReferenceScreenshotExists bool `bson:"reference_screenshot_exists"`
}

// Result is the merged outcome for a domain, persisted as the record's
// logo_detection sub-document.
type Result struct {
	DetectedBrands  []BrandResult `bson:"detected_brands"`
	OverallMismatch bool          `bson:"overall_mismatch"`
	ConfidenceScore float64       `bson:"confidence_score"`
	ScoreAdjusted   bool          `bson:"score_adjusted"`
}

// Keywords returns the candidate brand keywords, for alerting.
func (r *Result) Keywords() []string {
	var res []string
	for _, b := range r.DetectedBrands {
		res = append(res, b.Keyword)
	}
	return res
}

// Page is a fetched page: its lowercased text and the first image URLs.
type Page struct {
	Content string
	Images  []string
}

// Detector checks whether a brand actually appears on a page. The variant
// is selected per brand by the assets it has.
type Detector interface {
	Detect(ctx context.Context, page *Page, brand BrandConfig) BrandResult
}

// TextHeuristicDetector only checks for the brand keyword in the page
// text. It is the variant for brands without a reference logo.
type TextHeuristicDetector struct{}

func (TextHeuristicDetector) Detect(ctx context.Context, page *Page, brand BrandConfig) BrandResult {
	res := BrandResult{Keyword: brand.Keyword}
	if page != nil {
		res.TextFound = strings.Contains(page.Content, brand.Keyword)
	}
	return res
}

// ImageSimilarityDetector additionally compares the page's images against
// the brand's reference logo.
type ImageSimilarityDetector struct {
	reference image.Image
	fetch     func(ctx context.Context, url string) (image.Image, error)
}

func (d *ImageSimilarityDetector) Detect(ctx context.Context, page *Page, brand BrandConfig) BrandResult {
	res := TextHeuristicDetector{}.Detect(ctx, page, brand)
	if page == nil {
		return res
	}

	comparison := LogoComparison{
		TotalImagesChecked: len(page.Images),
	}
	for _, imgURL := range page.Images {
		img, err := d.fetch(ctx, imgURL)
		if err != nil {
			// failed downloads are skipped, not fatal
			log.Debug().Err(err).Str("image", imgURL).Msg("failed to download page image")
			continue
		}
		if sim := Similarity(d.reference, img); sim > comparison.MaxSimilarity {
			comparison.MaxSimilarity = sim
			comparison.MatchedImageURL = imgURL
		}
	}
	comparison.ThresholdMet = comparison.MaxSimilarity > similarityThreshold

	res.SimilarityScore = comparison.MaxSimilarity
	res.LogoMatched = comparison.ThresholdMet
	res.LogoComparison = &comparison
	return res
}

// Checker runs mismatch detection for a domain against all monitored
// brands.
type Checker struct {
	registry Registry
	assets   Assets
	client   *http.Client
	enabled  bool
}

func NewChecker(registry Registry, assets Assets, conf Config) *Checker {
	// phishing sites often serve invalid certificates; fetches are for
	// content inspection, not trust
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Checker{
		registry: registry,
		assets:   assets,
		enabled:  conf.Enabled,
		client: &http.Client{
			Timeout:   fetchTimeout,
			Transport: transport,
		},
	}
}

// CandidateBrands returns every monitored brand whose keyword is a
// substring of the domain.
func (c *Checker) CandidateBrands(ctx context.Context, domain string) ([]BrandConfig, error) {
	brands, err := c.registry.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list monitored brands")
	}

	lower := strings.ToLower(domain)
	var found []BrandConfig
	for _, b := range brands {
		if b.Keyword != "" && strings.Contains(lower, b.Keyword) {
			found = append(found, b)
		}
	}
	return found, nil
}

// Detect checks a domain against all candidate brands. It returns nil when
// detection is disabled or no brand keyword appears in the domain.
// Individual fetch failures degrade that candidate to its zero values; the
// detection of other candidates continues.
func (c *Checker) Detect(ctx context.Context, domain string) (*Result, error) {
	if !c.enabled {
		return nil, nil
	}

	candidates, err := c.CandidateBrands(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	page := c.fetchPage(ctx, domain)
	return c.evaluate(ctx, page, candidates), nil
}

func (c *Checker) evaluate(ctx context.Context, page *Page, candidates []BrandConfig) *Result {
	res := &Result{}
	for _, brand := range candidates {
		detector := c.detectorFor(brand)
		brandRes := detector.Detect(ctx, page, brand)

		if brand.ScreenshotRef != "" {
			if _, err := c.assets.Screenshot(brand.ScreenshotRef); err == nil {
				brandRes.ScreenshotComparison = &ScreenshotComparison{
					ReferenceScreenshotExists: true,
				}
			}
		}

		res.DetectedBrands = append(res.DetectedBrands, brandRes)
	}

	matched := 0
	for _, b := range res.DetectedBrands {
		if b.Matched() {
			matched++
		} else {
			res.OverallMismatch = true
		}
	}
	total := len(res.DetectedBrands)
	res.ConfidenceScore = float64(total-matched) / float64(total)

	return res
}

// detectorFor selects the detection variant by the assets the brand has.
func (c *Checker) detectorFor(brand BrandConfig) Detector {
	if brand.LogoRef == "" {
		return TextHeuristicDetector{}
	}
	reference, err := c.assets.Logo(brand.LogoRef)
	if err != nil {
		// missing asset degrades to the text heuristic, not an error
		log.Debug().Err(err).Str("brand", brand.Keyword).Msg("reference logo not available")
		return TextHeuristicDetector{}
	}
	return &ImageSimilarityDetector{
		reference: reference,
		fetch:     c.fetchImage,
	}
}

func (c *Checker) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return c.client.Do(req)
}

// fetchPage retrieves the domain's landing page, best effort. A nil page
// means the site was not accessible.
func (c *Checker) fetchPage(ctx context.Context, domain string) *Page {
	resp, err := c.get(ctx, fmt.Sprintf("https://%s", domain))
	if err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("site not accessible")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil
	}

	return &Page{
		Content: strings.ToLower(string(body)),
		Images:  ExtractImages(domain, bytes.NewReader(body)),
	}
}

func (c *Checker) fetchImage(ctx context.Context, url string) (image.Image, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "download image")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return img, nil
}

// ExtractImages collects up to maxPageImages image URLs from a page,
// resolving relative references against the domain.
func ExtractImages(domain string, body io.Reader) []string {
	doc, err := html.Parse(body)
	if err != nil {
		return nil
	}

	var images []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(images) >= maxPageImages {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, attr := range n.Attr {
				if attr.Key != "src" || attr.Val == "" {
					continue
				}
				images = append(images, resolveImageURL(domain, attr.Val))
				break
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return images
}

func resolveImageURL(domain, src string) string {
	switch {
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	case strings.HasPrefix(src, "/"):
		return fmt.Sprintf("https://%s%s", domain, src)
	case !strings.HasPrefix(src, "http"):
		return fmt.Sprintf("https://%s/%s", domain, src)
	default:
		return src
	}
}
