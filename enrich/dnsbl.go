package enrich

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

var defaultBlocklists = []string{
	"zen.spamhaus.org",
	"bl.spamcop.net",
	"b.barracudacentral.org",
}

// DNSBLResult is the persisted blocklist outcome for a resolved address.
type DNSBLResult struct {
	Addr       string   `bson:"addr"`
	Detected   bool     `bson:"detected"`
	DetectedBy []string `bson:"detected_by,omitempty"`
}

// DNSBL checks the target's address against DNS-based blocklists.
type DNSBL struct {
	server     string
	blocklists []string
	client     *dns.Client
}

func NewDNSBL(server string) *DNSBL {
	if server == "" {
		server = "8.8.8.8:53"
	}
	return &DNSBL{
		server:     server,
		blocklists: defaultBlocklists,
		client:     &dns.Client{},
	}
}

func (d *DNSBL) Name() string {
	return "dnsbl"
}

func (d *DNSBL) Enrich(ctx context.Context, target Target) (interface{}, error) {
	if target.IP == "" {
		return nil, transientErr("dnsbl", errors.Errorf("no address for %s", target.Domain))
	}
	reversed, err := reverseAddr(target.IP)
	if err != nil {
		return nil, malformedErr("dnsbl", err)
	}

	res := &DNSBLResult{Addr: target.IP}
	for _, blocklist := range d.blocklists {
		listed, err := d.lookup(ctx, reversed+"."+blocklist)
		if err != nil {
			// an unreachable blocklist must not fail the others
			continue
		}
		if listed {
			res.Detected = true
			res.DetectedBy = append(res.DetectedBy, blocklist)
		}
	}
	return res, nil
}

// lookup reports whether the name resolves; blocklists answer listed
// entries with an A record and everything else with NXDOMAIN.
func (d *DNSBL) lookup(ctx context.Context, name string) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := d.client.ExchangeContext(ctx, msg, d.server)
	if err != nil {
		return false, errors.Wrap(err, "exchange dnsbl query")
	}
	if reply.Rcode == dns.RcodeNameError {
		return false, nil
	}
	if reply.Rcode != dns.RcodeSuccess {
		return false, errors.Errorf("unexpected rcode %d", reply.Rcode)
	}
	return len(reply.Answer) > 0, nil
}

// reverseAddr flips an IPv4 address into blocklist query order
// (192.0.2.1 -> 1.2.0.192).
func reverseAddr(addr string) (string, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("not an IPv4 address: %s", addr)
	}
	octets := strings.Split(ip.To4().String(), ".")
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	return strings.Join(octets, "."), nil
}
