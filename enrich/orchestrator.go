package enrich

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/semaphore"

	"github.com/certphisher/certphisher/alert"
	"github.com/certphisher/certphisher/brand"
	"github.com/certphisher/certphisher/pipeline"
	"github.com/certphisher/certphisher/store"
)

const defaultInflightSize = 4096

type Config struct {
	QueueSize int `yaml:"queue-size"`
	Workers   int `yaml:"workers"`
}

// VTClient is the VirusTotal surface the orchestrator needs.
type VTClient interface {
	Submit(ctx context.Context, domain string) (*VTSubmission, error)
	DomainReport(ctx context.Context, domain string) (map[string]interface{}, error)
}

// Scanner submits a domain to a URL sandbox.
type Scanner interface {
	Submit(ctx context.Context, domain string) (*URLScanLinks, error)
}

// BrandChecker runs logo mismatch detection for a domain.
type BrandChecker interface {
	Detect(ctx context.Context, domain string) (*brand.Result, error)
}

// Notifier delivers an alert for an enriched domain.
type Notifier interface {
	Notify(ctx context.Context, n alert.Notification) error
}

// Orchestrator drains flagged domains off a bounded queue and runs the
// enrichment sequence on a bounded worker pool. It is the only writer of
// site records.
type Orchestrator struct {
	store    store.RecordStore
	provs    []Provider
	vt       VTClient
	scanner  Scanner
	brands   BrandChecker
	notifier Notifier
	stats    store.StatsService

	queue    chan pipeline.FlaggedDomain
	sem      *semaphore.Weighted
	inflight *lru.Cache
	resolve  func(ctx context.Context, domain string) (string, error)
}

func NewOrchestrator(recordStore store.RecordStore, stats store.StatsService, conf Config) (*Orchestrator, error) {
	if conf.QueueSize <= 0 {
		conf.QueueSize = 1024
	}
	if conf.Workers <= 0 {
		conf.Workers = 4
	}
	inflight, err := lru.New(defaultInflightSize)
	if err != nil {
		return nil, errors.Wrap(err, "create in-flight cache")
	}
	return &Orchestrator{
		store:    recordStore,
		stats:    stats,
		queue:    make(chan pipeline.FlaggedDomain, conf.QueueSize),
		sem:      semaphore.NewWeighted(int64(conf.Workers)),
		inflight: inflight,
		resolve:  ResolveIP,
	}, nil
}

// WithProviders installs the generic reputation providers, called in order.
func (o *Orchestrator) WithProviders(provs ...Provider) *Orchestrator {
	o.provs = append(o.provs, provs...)
	return o
}

func (o *Orchestrator) WithVirusTotal(vt VTClient) *Orchestrator {
	o.vt = vt
	return o
}

func (o *Orchestrator) WithScanner(scanner Scanner) *Orchestrator {
	o.scanner = scanner
	return o
}

func (o *Orchestrator) WithBrandChecker(checker BrandChecker) *Orchestrator {
	o.brands = checker
	return o
}

func (o *Orchestrator) WithNotifier(notifier Notifier) *Orchestrator {
	o.notifier = notifier
	return o
}

// Enqueue hands a flagged domain to the worker pool without blocking. It
// returns false when the queue is full and the domain was dropped.
func (o *Orchestrator) Enqueue(fd pipeline.FlaggedDomain) bool {
	select {
	case o.queue <- fd:
		return true
	default:
		return false
	}
}

// Run drains the queue until the context is cancelled. Each flagged domain
// is persisted and enriched on its own worker slot.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fd := <-o.queue:
			if err := o.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func(fd pipeline.FlaggedDomain) {
				defer o.sem.Release(1)
				o.process(ctx, fd)
			}(fd)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, fd pipeline.FlaggedDomain) {
	rec := &store.SiteRecord{
		Domain:               fd.Domain,
		Score:                fd.Score,
		CertificateAuthority: fd.CertificateAuthority,
	}
	id, err := o.store.Insert(ctx, rec)
	if err != nil {
		log.Error().Err(err).Str("domain", fd.Domain).Msg("failed to persist flagged domain")
		return
	}
	rec.ID = id

	if err := o.Resume(ctx, rec); err != nil {
		log.Error().Err(err).Str("domain", fd.Domain).Msg("enrichment failed")
	}
}

// Resume runs the enrichment sequence for an existing record. At most one
// enrichment per record id runs at a time; a concurrent call for the same
// record returns immediately. Safe to call again for partially enriched
// records: steps already done (checked_vt, score adjustment) are skipped.
func (o *Orchestrator) Resume(ctx context.Context, rec *store.SiteRecord) error {
	key := rec.ID.Hex()
	if found, _ := o.inflight.ContainsOrAdd(key, struct{}{}); found {
		return nil
	}
	defer o.inflight.Remove(key)

	target := Target{Domain: rec.Domain}
	if ip, err := o.resolve(ctx, rec.Domain); err == nil {
		target.IP = ip
	} else {
		log.Debug().Err(err).Str("domain", rec.Domain).Msg("domain does not resolve")
	}

	for _, p := range o.provs {
		o.runProvider(ctx, rec, p, target)
	}

	brands := o.checkBrand(ctx, rec)
	vtPermalink := o.checkVT(ctx, rec)
	urlscanResult := o.submitScan(ctx, rec)

	if o.notifier != nil {
		n := alert.Notification{
			Domain:               rec.Domain,
			Score:                rec.Score,
			CertificateAuthority: rec.CertificateAuthority,
			Brands:               brands,
			URLScanResult:        urlscanResult,
			VTPermalink:          vtPermalink,
		}
		if err := o.notifier.Notify(ctx, n); err != nil {
			// a failed alert never fails the record
			log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to deliver alert")
		}
	}
	return nil
}

// runProvider calls one provider and stores its sub-document. Failures are
// logged and counted; the record stays valid without the provider's key.
func (o *Orchestrator) runProvider(ctx context.Context, rec *store.SiteRecord, p Provider, target Target) {
	res, err := p.Enrich(ctx, target)
	if err != nil {
		status := "transient"
		var perr *ProviderErr
		if errors.As(err, &perr) {
			status = perr.Kind.String()
		}
		o.stats.ProviderOutcome(p.Name(), status)
		log.Warn().Err(err).Str("provider", p.Name()).Str("domain", rec.Domain).Msg("provider call failed")
		return
	}
	o.stats.ProviderOutcome(p.Name(), "ok")

	if err := o.store.SetProviderResult(ctx, rec.ID, p.Name(), res); err != nil {
		log.Error().Err(err).Str("provider", p.Name()).Msg("failed to store provider result")
	}
}

// checkBrand runs logo mismatch detection. The score penalty is applied at
// most once per record, enforced by the store. Returns the candidate brand
// keywords for alerting.
func (o *Orchestrator) checkBrand(ctx context.Context, rec *store.SiteRecord) []string {
	if o.brands == nil {
		return nil
	}
	res, err := o.brands.Detect(ctx, rec.Domain)
	if err != nil {
		o.stats.ProviderOutcome("logo_detection", "transient")
		log.Warn().Err(err).Str("domain", rec.Domain).Msg("brand detection failed")
		return nil
	}
	if res == nil {
		return nil
	}
	o.stats.ProviderOutcome("logo_detection", "ok")

	if !res.OverallMismatch {
		if err := o.store.SetProviderResult(ctx, rec.ID, "logo_detection", res); err != nil {
			log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to store brand result")
		}
		return res.Keywords()
	}

	res.ScoreAdjusted = true
	applied, err := o.store.ApplyMismatchPenalty(ctx, rec.ID, brand.MismatchPenalty, res)
	if err != nil {
		log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to apply mismatch penalty")
		return res.Keywords()
	}
	if applied {
		rec.Score += brand.MismatchPenalty
		log.Info().
			Str("domain", rec.Domain).
			Int("score", rec.Score).
			Strs("brands", res.Keywords()).
			Msg("brand mismatch penalty applied")
	}
	return res.Keywords()
}

// checkVT submits the domain once per record, then fetches and stores the
// reputation report. The checked_vt flag transitions false->true only
// after an accepted submission, so a failed attempt is retried on the
// next resume; the in-flight set keeps concurrent resumes from submitting
// twice.
func (o *Orchestrator) checkVT(ctx context.Context, rec *store.SiteRecord) string {
	if o.vt == nil || rec.CheckedVT {
		return ""
	}

	sub, err := o.vt.Submit(ctx, rec.Domain)
	if err != nil {
		o.stats.ProviderOutcome("virus_total", "transient")
		log.Warn().Err(err).Str("domain", rec.Domain).Msg("virustotal submission failed")
		return ""
	}
	o.stats.ProviderOutcome("virus_total", "ok")

	if _, err := o.store.SetCheckedVT(ctx, rec.ID); err != nil {
		log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to flip checked_vt flag")
	} else {
		rec.CheckedVT = true
	}
	if err := o.store.SetProviderResult(ctx, rec.ID, "virus_total", sub); err != nil {
		log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to store virustotal submission")
	}

	report, err := o.vt.DomainReport(ctx, rec.Domain)
	if err != nil {
		log.Warn().Err(err).Str("domain", rec.Domain).Msg("virustotal domain report failed")
		return sub.Permalink
	}
	if err := o.store.SetProviderResult(ctx, rec.ID, "vt_domain_report", report); err != nil {
		log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to store virustotal report")
		return sub.Permalink
	}
	if err := o.store.UpdateByID(ctx, rec.ID, bson.M{"vt_report_saved": true}); err != nil {
		log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to mark report saved")
	}
	return sub.Permalink
}

// submitScan sends the domain to the URL sandbox and stores the resulting
// permalinks. Returns the result link for alerting.
func (o *Orchestrator) submitScan(ctx context.Context, rec *store.SiteRecord) string {
	if o.scanner == nil {
		return ""
	}
	links, err := o.scanner.Submit(ctx, rec.Domain)
	if err != nil {
		o.stats.ProviderOutcome("urlscan", "transient")
		log.Warn().Err(err).Str("domain", rec.Domain).Msg("urlscan submission failed")
		return ""
	}
	o.stats.ProviderOutcome("urlscan", "ok")

	fields := bson.M{
		"urlscan_permalink": links.Result,
		"urlscan_uuid":      links.Screenshot,
	}
	if err := o.store.UpdateByID(ctx, rec.ID, fields); err != nil {
		log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to store urlscan links")
	}
	return links.Result
}
