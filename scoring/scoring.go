package scoring

import (
	"math"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	tldWeight      = 20
	fakeTldWeight  = 10
	typoWeight     = 70
	strongKeyword  = 70
	hyphenFactor   = 3
	subLevelFactor = 3
)

var wordSplit = regexp.MustCompile(`\W+`)

// Tokens too generic to count as typosquats (ie. mail.domain.com).
var genericTokens = map[string]struct{}{
	"email": {},
	"mail":  {},
	"cloud": {},
}

// Scorer assigns a suspicion score to domain names. The higher the score,
// the more likely the domain hosts a phishing site. It is immutable after
// construction and safe for concurrent use.
type Scorer struct {
	tlds     []string
	keywords map[string]int
}

func NewScorer(s *Suspicious) *Scorer {
	tlds := make([]string, len(s.TLDs))
	copy(tlds, s.TLDs)
	keywords := make(map[string]int, len(s.Keywords))
	for k, v := range s.Keywords {
		keywords[k] = v
	}
	return &Scorer{
		tlds:     tlds,
		keywords: keywords,
	}
}

// shannonEntropy over the character frequency of s, in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := map[rune]int{}
	var total int
	for _, r := range s {
		freq[r]++
		total++
	}
	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Score is deterministic and side effect free. All rules are additive.
func (s *Scorer) Score(domain string) int {
	score := 0

	// suspicious TLDs
	for _, tld := range s.tlds {
		if strings.HasSuffix(domain, tld) {
			score += tldWeight
		}
	}

	// higher entropy is kind of suspicious; normalized over the byte
	// alphabet so the contribution stays in 0..50
	score += int(math.Round(shannonEntropy(domain) / 8 * 50))

	// remaining rules operate on the domain with lookalike characters removed
	d := Unconfuse(domain)

	// fake TLD right after a wildcard (ie. *.com-account-management.info)
	if strings.HasPrefix(d, "*.") {
		d = strings.TrimPrefix(d, "*.")
		words := wordSplit.Split(d, -1)
		if len(words) > 0 {
			switch words[0] {
			case "com", "net", "org":
				score += fakeTldWeight
			}
		}
	}

	// keyword matching
	for kw, weight := range s.keywords {
		if strings.Contains(d, kw) {
			score += weight
		}
	}

	// Levenshtein distance of 1 to a strong keyword catches typosquats
	// (ie. paypol)
	tokens := wordSplit.Split(d, -1)
	for kw, weight := range s.keywords {
		if weight < strongKeyword {
			continue
		}
		for _, tok := range tokens {
			if tok == "" {
				continue
			}
			if _, generic := genericTokens[tok]; generic {
				continue
			}
			if levenshtein.ComputeDistance(tok, kw) == 1 {
				score += typoWeight
			}
		}
	}

	// lots of '-' (ie. www.paypal-datacenter.com-account-alert.com)
	if !strings.Contains(d, "xn--") {
		if hyphens := strings.Count(d, "-"); hyphens >= 4 {
			score += hyphens * hyphenFactor
		}
	}

	// deeply nested subdomains (ie. www.paypal.com.security.accountupdate.gq)
	if dots := strings.Count(d, "."); dots >= 3 {
		score += dots * subLevelFactor
	}

	return score
}
