package enrich

import (
	"context"
	"fmt"
	"net"
)

// Target identifies what a provider is asked about. IP is best effort and
// may be empty when the domain does not resolve.
type Target struct {
	Domain string
	IP     string
}

// Provider is one external reputation source. On success the returned
// result is persisted under the provider's own key in the site record; on
// failure the key is omitted and processing continues.
type Provider interface {
	Name() string
	Enrich(ctx context.Context, target Target) (interface{}, error)
}

// ErrKind classifies provider failures so the orchestrator can decide how
// to proceed.
type ErrKind int

const (
	// KindTransient covers network failures, timeouts and non-2xx
	// responses; the sub-document is omitted, the record survives.
	KindTransient ErrKind = iota
	// KindMalformed covers undecodable provider responses.
	KindMalformed
)

func (k ErrKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	default:
		return "transient"
	}
}

// ProviderErr is the error type every provider call boundary returns.
type ProviderErr struct {
	Provider string
	Kind     ErrKind
	Err      error
}

func (e *ProviderErr) Error() string {
	return fmt.Sprintf("%s: %s failure: %s", e.Provider, e.Kind, e.Err)
}

func (e *ProviderErr) Unwrap() error {
	return e.Err
}

func transientErr(provider string, err error) *ProviderErr {
	return &ProviderErr{Provider: provider, Kind: KindTransient, Err: err}
}

func malformedErr(provider string, err error) *ProviderErr {
	return &ProviderErr{Provider: provider, Kind: KindMalformed, Err: err}
}

// ResolveIP resolves a domain to its first address, used for providers
// that operate on IPs.
func ResolveIP(ctx context.Context, domain string) (string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", domain)
	}
	return addrs[0].IP.String(), nil
}
