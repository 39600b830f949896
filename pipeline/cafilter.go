package pipeline

import "strings"

// IsLegitimateCA reports whether the issuer is operated by a CA on the
// allow list. Matching is a case-insensitive substring check. An empty
// issuer name is never trusted, so its domains still get scored.
func IsLegitimateCA(issuerCN string, allowList []string) bool {
	if issuerCN == "" {
		return false
	}
	issuer := strings.ToLower(issuerCN)
	for _, ca := range allowList {
		if ca == "" {
			continue
		}
		if strings.Contains(issuer, strings.ToLower(ca)) {
			return true
		}
	}
	return false
}
