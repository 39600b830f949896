package pipeline

import (
	"sync"
	"testing"

	"github.com/certphisher/certphisher/scoring"
	"github.com/certphisher/certphisher/store"
)

type fakeEnricher struct {
	mu      sync.Mutex
	flagged []FlaggedDomain
	full    bool
}

func (e *fakeEnricher) Enqueue(fd FlaggedDomain) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.full {
		return false
	}
	e.flagged = append(e.flagged, fd)
	return true
}

func (e *fakeEnricher) all() []FlaggedDomain {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]FlaggedDomain, len(e.flagged))
	copy(res, e.flagged)
	return res
}

type stubScorer struct {
	scores map[string]int
}

func (s *stubScorer) Score(domain string) int {
	return s.scores[domain]
}

func nopStats() store.StatsService {
	return store.NewStatsService(store.InfluxOpts{Enabled: false})
}

func TestIsLegitimateCA(t *testing.T) {
	tests := []struct {
		name      string
		issuer    string
		allowList []string
		expected  bool
	}{
		{
			name:      "exact vendor match",
			issuer:    "DigiCert Inc",
			allowList: []string{"DigiCert"},
			expected:  true,
		},
		{
			name:      "not on allow list",
			issuer:    "Let's Encrypt",
			allowList: []string{"DigiCert"},
			expected:  false,
		},
		{
			name:      "case insensitive",
			issuer:    "SECTIGO Limited",
			allowList: []string{"sectigo"},
			expected:  true,
		},
		{
			name:      "empty issuer fails open to scoring",
			issuer:    "",
			allowList: []string{"DigiCert"},
			expected:  false,
		},
		{
			name:      "empty allow list",
			issuer:    "DigiCert Inc",
			allowList: nil,
			expected:  false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsLegitimateCA(test.issuer, test.allowList); got != test.expected {
				t.Fatalf("expected %t, got %t", test.expected, got)
			}
		})
	}
}

func TestTierBoundaries(t *testing.T) {
	scores := map[string]int{
		"discarded.example": 79,
		"likelylow.example": 80,
		"likely.example":    90,
		"suspicious.example": 100,
	}

	enricher := &fakeEnricher{}
	p := New(&stubScorer{scores: scores}, Config{}, enricher, nopStats())

	for domain := range scores {
		ev := Event{
			IssuerCN:       "Evil CA",
			SubjectAltName: "DNS:" + domain,
		}
		if err := p.Handle(ev); err != nil {
			t.Fatalf("unexpected error while handling event: %s", err)
		}
	}

	flagged := enricher.all()
	if len(flagged) != 2 {
		t.Fatalf("expected 2 flagged domains, got %d", len(flagged))
	}

	expected := map[string]Tier{
		"likely.example":     TierLikely,
		"suspicious.example": TierSuspicious,
	}
	for _, fd := range flagged {
		tier, ok := expected[fd.Domain]
		if !ok {
			t.Fatalf("unexpected flagged domain %q", fd.Domain)
		}
		if fd.Tier != tier {
			t.Fatalf("expected %q in tier %s, got %s", fd.Domain, tier, fd.Tier)
		}
	}
}

func TestHandleHeartbeat(t *testing.T) {
	enricher := &fakeEnricher{}
	p := New(&stubScorer{}, Config{}, enricher, nopStats())

	if err := p.Handle(Event{Heartbeat: true}); err != nil {
		t.Fatalf("unexpected error while handling heartbeat: %s", err)
	}
	if len(enricher.all()) != 0 {
		t.Fatalf("expected heartbeat to be discarded")
	}
}

func TestHandleLegitimateCASkipsScoring(t *testing.T) {
	enricher := &fakeEnricher{}
	scores := map[string]int{"paypal-login.tk": 500}
	conf := Config{LegitimateCAs: []string{"DigiCert"}}
	p := New(&stubScorer{scores: scores}, conf, enricher, nopStats())

	ev := Event{
		IssuerCN:       "DigiCert Inc",
		SubjectAltName: "DNS:paypal-login.tk",
	}
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event: %s", err)
	}
	if len(enricher.all()) != 0 {
		t.Fatalf("expected trusted CA domains to skip scoring")
	}
}

func TestHandleSkipsSthEntries(t *testing.T) {
	enricher := &fakeEnricher{}
	scores := map[string]int{"real.example": 150}
	p := New(&stubScorer{scores: scores}, Config{}, enricher, nopStats())

	ev := Event{
		IssuerCN:       "Evil CA",
		SubjectAltName: "DNS:ct-STH-artifact, DNS:real.example",
	}
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event: %s", err)
	}

	flagged := enricher.all()
	if len(flagged) != 1 || flagged[0].Domain != "real.example" {
		t.Fatalf("expected only real.example to be flagged, got %+v", flagged)
	}
}

func TestHandleFreeCABonus(t *testing.T) {
	enricher := &fakeEnricher{}
	// 95 + 10 for the free CA marker crosses the suspicious threshold
	scores := map[string]int{"free-ca.example": 95}
	conf := Config{FreeCAMarkers: []string{"Let's Encrypt"}}
	p := New(&stubScorer{scores: scores}, conf, enricher, nopStats())

	ev := Event{
		IssuerCN:         "R3",
		IssuerAggregated: "/C=US/O=Let's Encrypt/CN=R3",
		SubjectAltName:   "DNS:free-ca.example",
	}
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event: %s", err)
	}

	flagged := enricher.all()
	if len(flagged) != 1 {
		t.Fatalf("expected 1 flagged domain, got %d", len(flagged))
	}
	if flagged[0].Score != 105 {
		t.Fatalf("expected score 105, got %d", flagged[0].Score)
	}
	if flagged[0].Tier != TierSuspicious {
		t.Fatalf("expected suspicious tier, got %s", flagged[0].Tier)
	}
}

func TestHandleWildcardStrippedAndLowercased(t *testing.T) {
	enricher := &fakeEnricher{}
	scores := map[string]int{"Evil.Example": 120}
	p := New(&stubScorer{scores: scores}, Config{}, enricher, nopStats())

	ev := Event{
		IssuerCN:       "Evil CA",
		SubjectAltName: "DNS:*.Evil.Example",
	}
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event: %s", err)
	}

	flagged := enricher.all()
	if len(flagged) != 1 {
		t.Fatalf("expected 1 flagged domain, got %d", len(flagged))
	}
	if flagged[0].Domain != "evil.example" {
		t.Fatalf("expected persisted domain to be lowercased, got %q", flagged[0].Domain)
	}
}

func TestHandleWildcardScoresStrippedName(t *testing.T) {
	susp := &scoring.Suspicious{
		Keywords: map[string]int{"paypal": 80},
		TLDs:     []string{".tk"},
	}
	scorer := scoring.NewScorer(susp)

	enricher := &fakeEnricher{}
	p := New(scorer, Config{}, enricher, nopStats())

	ev := Event{
		IssuerCN:       "Evil CA",
		SubjectAltName: "DNS:*.com-secure-paypal-verify-account.tk",
	}
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event: %s", err)
	}

	flagged := enricher.all()
	if len(flagged) != 1 {
		t.Fatalf("expected 1 flagged domain, got %d", len(flagged))
	}
	// a wildcard certificate scores like its stripped name; the wildcard
	// prefix must not add the fake-TLD bonus or shift the entropy
	want := scorer.Score("com-secure-paypal-verify-account.tk")
	if flagged[0].Score != want {
		t.Fatalf("expected score %d for the stripped name, got %d", want, flagged[0].Score)
	}
}

func TestHandleQueueFull(t *testing.T) {
	enricher := &fakeEnricher{full: true}
	scores := map[string]int{"evil.example": 150}
	p := New(&stubScorer{scores: scores}, Config{}, enricher, nopStats())

	ev := Event{
		IssuerCN:       "Evil CA",
		SubjectAltName: "DNS:evil.example",
	}
	// a full queue must not fail the stream consumer
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event with full queue: %s", err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	susp := &scoring.Suspicious{
		Keywords: map[string]int{"paypal": 80},
		TLDs:     []string{".tk"},
	}
	scorer := scoring.NewScorer(susp)

	enricher := &fakeEnricher{}
	conf := Config{FreeCAMarkers: []string{"Let's Encrypt"}}
	p := New(scorer, conf, enricher, nopStats())

	ev := Event{
		IssuerCN:         "Let's Encrypt Authority X3",
		IssuerAggregated: "/C=US/O=Let's Encrypt/CN=Let's Encrypt Authority X3",
		SubjectAltName:   "DNS:secure-paypal-verify-account.tk",
	}
	if err := p.Handle(ev); err != nil {
		t.Fatalf("unexpected error while handling event: %s", err)
	}

	flagged := enricher.all()
	if len(flagged) != 1 {
		t.Fatalf("expected 1 flagged domain, got %d", len(flagged))
	}
	fd := flagged[0]
	if fd.Domain != "secure-paypal-verify-account.tk" {
		t.Fatalf("unexpected domain %q", fd.Domain)
	}
	if fd.Score < 100 {
		t.Fatalf("expected score >= 100, got %d", fd.Score)
	}
	if fd.Tier != TierSuspicious {
		t.Fatalf("expected suspicious tier, got %s", fd.Tier)
	}
}
