package pipeline

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/certphisher/certphisher/store"
)

const freeCABonus = 10

// Event is one message from a certificate stream source. Heartbeats carry
// no certificate data.
type Event struct {
	Heartbeat        bool
	IssuerCN         string
	IssuerAggregated string
	// SubjectAltName is the raw comma-separated, DNS:-prefixed SAN string.
	SubjectAltName string
}

type EventFunc func(ev Event) error

// Source is a long-lived certificate event stream.
type Source interface {
	Run(ctx context.Context, fn EventFunc) error
}

// Tier is the classification bucket a scored domain lands in.
type Tier int

const (
	TierDiscard Tier = iota
	TierLikelyLow
	TierLikely
	TierSuspicious
)

func (t Tier) String() string {
	switch t {
	case TierSuspicious:
		return "suspicious"
	case TierLikely:
		return "likely"
	case TierLikelyLow:
		return "likely-low"
	default:
		return "discard"
	}
}

type Thresholds struct {
	Suspicious int `yaml:"suspicious"`
	Likely     int `yaml:"likely"`
	LikelyLow  int `yaml:"likely-low"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Suspicious: 100,
		Likely:     90,
		LikelyLow:  80,
	}
}

type Config struct {
	LegitimateCAs []string   `yaml:"legitimate-cas"`
	FreeCAMarkers []string   `yaml:"free-ca-markers"`
	Thresholds    Thresholds `yaml:"thresholds"`
}

// FlaggedDomain is the unit of work handed from ingestion to enrichment.
type FlaggedDomain struct {
	Domain               string
	Score                int
	CertificateAuthority string
	Tier                 Tier
}

// Enricher accepts flagged domains for asynchronous persistence and
// enrichment. Enqueue must not block; it returns false when the domain had
// to be dropped.
type Enricher interface {
	Enqueue(fd FlaggedDomain) bool
}

// Scorer assigns a suspicion score to a domain.
type Scorer interface {
	Score(domain string) int
}

// Pipeline classifies certificate events: it extracts candidate domains,
// gates on the CA allow list, scores each domain and routes it by tier.
// Handle never blocks beyond handing flagged domains to the enricher.
type Pipeline struct {
	scorer   Scorer
	conf     Config
	enricher Enricher
	stats    store.StatsService
	progress func(count int)
}

func New(scorer Scorer, conf Config, enricher Enricher, stats store.StatsService) *Pipeline {
	if conf.Thresholds == (Thresholds{}) {
		conf.Thresholds = DefaultThresholds()
	}
	return &Pipeline{
		scorer:   scorer,
		conf:     conf,
		enricher: enricher,
		stats:    stats,
		progress: func(int) {},
	}
}

// SetProgress installs a hook invoked with the number of domains processed,
// used to drive a progress bar.
func (p *Pipeline) SetProgress(fn func(count int)) {
	p.progress = fn
}

// extractSANs splits the raw subjectAltName string into candidate names.
func extractSANs(raw string) []string {
	raw = strings.ReplaceAll(raw, "DNS:", "")
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (p *Pipeline) isFreeCA(aggregated string) bool {
	for _, marker := range p.conf.FreeCAMarkers {
		if marker != "" && strings.Contains(aggregated, marker) {
			return true
		}
	}
	return false
}

func (p *Pipeline) tier(score int) Tier {
	t := p.conf.Thresholds
	switch {
	case score >= t.Suspicious:
		return TierSuspicious
	case score >= t.Likely:
		return TierLikely
	case score >= t.LikelyLow:
		return TierLikelyLow
	default:
		return TierDiscard
	}
}

// Handle processes one stream event. It never returns an error for
// per-domain failures; the stream consumer must keep running.
func (p *Pipeline) Handle(ev Event) error {
	if ev.Heartbeat {
		return nil
	}
	p.stats.CertCount()

	names := extractSANs(ev.SubjectAltName)
	if len(names) == 0 {
		log.Debug().Str("issuer", ev.IssuerCN).Msg("certificate update without subject alt names")
		return nil
	}

	// domains issued by trusted CAs are counted but not scored
	if IsLegitimateCA(ev.IssuerCN, p.conf.LegitimateCAs) {
		p.stats.DomainCount(len(names))
		p.progress(len(names))
		return nil
	}

	free := p.isFreeCA(ev.IssuerAggregated)

	for _, name := range names {
		// CT log artifacts, not real hostnames
		if strings.Contains(name, "STH") {
			continue
		}

		name = strings.TrimPrefix(name, "*.")

		p.stats.DomainCount(1)
		p.progress(1)

		score := p.scorer.Score(name)
		if free {
			score += freeCABonus
		}

		tier := p.tier(score)
		if tier == TierDiscard {
			continue
		}
		p.stats.TierHit(tier.String())

		if tier == TierLikelyLow {
			log.Info().
				Str("domain", name).
				Int("score", score).
				Str("ca", ev.IssuerCN).
				Msg("likely phishing domain")
			continue
		}

		log.Warn().
			Str("domain", name).
			Int("score", score).
			Str("ca", ev.IssuerCN).
			Str("tier", tier.String()).
			Msg("suspicious phishing domain")

		fd := FlaggedDomain{
			Domain:               strings.ToLower(name),
			Score:                score,
			CertificateAuthority: ev.IssuerCN,
			Tier:                 tier,
		}
		if !p.enricher.Enqueue(fd) {
			p.stats.TierHit("dropped")
			log.Warn().Str("domain", fd.Domain).Msg("enrichment queue full, dropping domain")
		}
	}

	return nil
}
