package enrich

import (
	"context"
	"sync"
	"testing"

	"github.com/certphisher/certphisher/alert"
	"github.com/certphisher/certphisher/brand"
	"github.com/certphisher/certphisher/pipeline"
	"github.com/certphisher/certphisher/store"
)

type fakeProvider struct {
	name   string
	result interface{}
	err    error
	calls  int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Enrich(ctx context.Context, target Target) (interface{}, error) {
	p.calls++
	return p.result, p.err
}

type fakeVT struct {
	submits int
	reports int
	err     error
}

func (vt *fakeVT) Submit(ctx context.Context, domain string) (*VTSubmission, error) {
	vt.submits++
	if vt.err != nil {
		return nil, vt.err
	}
	return &VTSubmission{
		ResponseCode: 1,
		Permalink:    "https://www.virustotal.com/url/" + domain,
	}, nil
}

func (vt *fakeVT) DomainReport(ctx context.Context, domain string) (map[string]interface{}, error) {
	vt.reports++
	return map[string]interface{}{"response_code": 1}, nil
}

type fakeScanner struct {
	calls int
}

func (s *fakeScanner) Submit(ctx context.Context, domain string) (*URLScanLinks, error) {
	s.calls++
	return &URLScanLinks{
		UUID:       "uuid-1",
		Result:     "https://urlscan.io/result/uuid-1",
		Screenshot: "https://urlscan.io/screenshots/uuid-1",
	}, nil
}

type fakeBrandChecker struct {
	result *brand.Result
}

func (c *fakeBrandChecker) Detect(ctx context.Context, domain string) (*brand.Result, error) {
	return c.result, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, notification alert.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) all() []alert.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Notification{}, n.sent...)
}

func nopStats() store.StatsService {
	return store.NewStatsService(store.InfluxOpts{Enabled: false})
}

func newTestOrchestrator(t *testing.T, recordStore store.RecordStore) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(recordStore, nopStats(), Config{QueueSize: 8, Workers: 1})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %s", err)
	}
	o.resolve = func(ctx context.Context, domain string) (string, error) {
		return "192.0.2.1", nil
	}
	return o
}

func TestProcessFullSequence(t *testing.T) {
	fake := store.NewFakeStore()
	provider := &fakeProvider{name: "urlhaus", result: &URLHausResult{Listed: true}}
	vt := &fakeVT{}
	scanner := &fakeScanner{}
	notifier := &fakeNotifier{}

	o := newTestOrchestrator(t, fake).
		WithProviders(provider).
		WithVirusTotal(vt).
		WithScanner(scanner).
		WithNotifier(notifier)

	o.process(context.Background(), pipeline.FlaggedDomain{
		Domain:               "secure-paypal-verify.tk",
		Score:                120,
		CertificateAuthority: "Evil CA",
		Tier:                 pipeline.TierSuspicious,
	})

	records := fake.All()
	if len(records) != 1 {
		t.Fatalf("expected one persisted record, got %d", len(records))
	}
	rec := records[0]
	if rec.Domain != "secure-paypal-verify.tk" || rec.Score != 120 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.CheckedVT {
		t.Fatalf("expected checked_vt to be set after enrichment")
	}
	if rec.UrlscanPermalink != "https://urlscan.io/result/uuid-1" {
		t.Fatalf("unexpected urlscan permalink: %q", rec.UrlscanPermalink)
	}
	if rec.UrlscanUUID != "https://urlscan.io/screenshots/uuid-1" {
		t.Fatalf("unexpected urlscan screenshot link: %q", rec.UrlscanUUID)
	}

	_, fields, ok := fake.Get(rec.ID)
	if !ok {
		t.Fatalf("record disappeared from store")
	}
	if _, ok := fields["urlhaus"]; !ok {
		t.Fatalf("expected urlhaus sub-document, got fields: %v", fields)
	}
	if _, ok := fields["virus_total"]; !ok {
		t.Fatalf("expected virus_total sub-document, got fields: %v", fields)
	}
	if _, ok := fields["vt_domain_report"]; !ok {
		t.Fatalf("expected vt_domain_report sub-document, got fields: %v", fields)
	}
	if saved, ok := fields["vt_report_saved"].(bool); !ok || !saved {
		t.Fatalf("expected vt_report_saved=true, got fields: %v", fields)
	}

	sent := notifier.all()
	if len(sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(sent))
	}
	if sent[0].VTPermalink == "" || sent[0].URLScanResult == "" {
		t.Fatalf("expected notification links, got %+v", sent[0])
	}
}

func TestProviderFailureKeepsRecord(t *testing.T) {
	fake := store.NewFakeStore()
	failing := &fakeProvider{name: "urlhaus", err: transientErr("urlhaus", context.DeadlineExceeded)}
	working := &fakeProvider{name: "dnsbl", result: &DNSBLResult{Addr: "192.0.2.1"}}

	o := newTestOrchestrator(t, fake).WithProviders(failing, working)

	o.process(context.Background(), pipeline.FlaggedDomain{Domain: "evil.tk", Score: 100})

	records := fake.All()
	if len(records) != 1 {
		t.Fatalf("expected record to survive a provider failure, got %d records", len(records))
	}
	_, fields, _ := fake.Get(records[0].ID)
	if _, ok := fields["urlhaus"]; ok {
		t.Fatalf("failed provider must not leave a sub-document")
	}
	if _, ok := fields["dnsbl"]; !ok {
		t.Fatalf("later providers must still run after a failure")
	}
}

func TestResumeSkipsCheckedVT(t *testing.T) {
	fake := store.NewFakeStore()
	vt := &fakeVT{}
	o := newTestOrchestrator(t, fake).WithVirusTotal(vt)

	rec := &store.SiteRecord{Domain: "evil.tk", Score: 100}
	id, err := fake.Insert(context.Background(), rec)
	if err != nil {
		t.Fatalf("failed to insert record: %s", err)
	}
	rec.ID = id

	if err := o.Resume(context.Background(), rec); err != nil {
		t.Fatalf("first resume failed: %s", err)
	}
	if err := o.Resume(context.Background(), rec); err != nil {
		t.Fatalf("second resume failed: %s", err)
	}

	if vt.submits != 1 {
		t.Fatalf("expected exactly one virustotal submission, got %d", vt.submits)
	}
}

func TestResumeRetriesAfterFailedSubmission(t *testing.T) {
	fake := store.NewFakeStore()
	vt := &fakeVT{err: transientErr("virus_total", context.DeadlineExceeded)}
	o := newTestOrchestrator(t, fake).WithVirusTotal(vt)

	rec := &store.SiteRecord{Domain: "evil.tk", Score: 100}
	id, err := fake.Insert(context.Background(), rec)
	if err != nil {
		t.Fatalf("failed to insert record: %s", err)
	}
	rec.ID = id

	if err := o.Resume(context.Background(), rec); err != nil {
		t.Fatalf("resume failed: %s", err)
	}

	stored, fields, _ := fake.Get(id)
	if stored.CheckedVT {
		t.Fatalf("checked_vt must stay false after a failed submission")
	}
	if _, ok := fields["virus_total"]; ok {
		t.Fatalf("failed submission must not leave a sub-document")
	}

	// the next resume retries and succeeds
	vt.err = nil
	if err := o.Resume(context.Background(), rec); err != nil {
		t.Fatalf("second resume failed: %s", err)
	}
	if vt.submits != 2 {
		t.Fatalf("expected a retry after the failure, got %d submissions", vt.submits)
	}
	stored, fields, _ = fake.Get(id)
	if !stored.CheckedVT {
		t.Fatalf("expected checked_vt after a successful submission")
	}
	if _, ok := fields["virus_total"]; !ok {
		t.Fatalf("expected virus_total sub-document after a successful submission")
	}
}

func TestResumeInflightDedup(t *testing.T) {
	fake := store.NewFakeStore()
	vt := &fakeVT{}
	o := newTestOrchestrator(t, fake).WithVirusTotal(vt)

	rec := &store.SiteRecord{Domain: "evil.tk", Score: 100}
	id, _ := fake.Insert(context.Background(), rec)
	rec.ID = id

	o.inflight.Add(id.Hex(), struct{}{})
	if err := o.Resume(context.Background(), rec); err != nil {
		t.Fatalf("in-flight resume must return immediately: %s", err)
	}
	if vt.submits != 0 {
		t.Fatalf("in-flight record must not be enriched again")
	}
}

func TestMismatchPenaltyAppliedOnce(t *testing.T) {
	fake := store.NewFakeStore()
	checker := &fakeBrandChecker{
		result: &brand.Result{
			DetectedBrands:  []brand.BrandResult{{Keyword: "paypal"}},
			OverallMismatch: true,
			ConfidenceScore: 1,
		},
	}
	o := newTestOrchestrator(t, fake).WithBrandChecker(checker)

	rec := &store.SiteRecord{Domain: "paypal-login.tk", Score: 100}
	id, _ := fake.Insert(context.Background(), rec)
	rec.ID = id

	brands := o.checkBrand(context.Background(), rec)
	if len(brands) != 1 || brands[0] != "paypal" {
		t.Fatalf("expected candidate brand keywords, got %v", brands)
	}
	o.checkBrand(context.Background(), rec)

	stored, _, _ := fake.Get(id)
	if stored.Score != 100+brand.MismatchPenalty {
		t.Fatalf("expected the penalty exactly once, score is %d", stored.Score)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	fake := store.NewFakeStore()
	o, err := NewOrchestrator(fake, nopStats(), Config{QueueSize: 1, Workers: 1})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %s", err)
	}

	if !o.Enqueue(pipeline.FlaggedDomain{Domain: "a.tk"}) {
		t.Fatalf("first enqueue must succeed")
	}
	if o.Enqueue(pipeline.FlaggedDomain{Domain: "b.tk"}) {
		t.Fatalf("enqueue into a full queue must report a drop")
	}
}
