package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/certphisher/certphisher/alert"
	"github.com/certphisher/certphisher/brand"
	"github.com/certphisher/certphisher/collectors/certstream"
	"github.com/certphisher/certphisher/collectors/ctlog"
	"github.com/certphisher/certphisher/config"
	"github.com/certphisher/certphisher/enrich"
	"github.com/certphisher/certphisher/pipeline"
	"github.com/certphisher/certphisher/scoring"
	"github.com/certphisher/certphisher/store"
)

func errLogger(conf config.Config) config.ErrLogger {
	tags := map[string]string{
		"app": "catcher",
	}
	chain := config.NewErrLogChain(config.NewZeroLogger(tags))
	if conf.Sentry.Enabled {
		hub, err := config.NewSentryHub(conf)
		if err != nil {
			log.Fatal().Msgf("error while creating sentry hub: %s", err)
		}
		chain.Add(hub.GetLogger(tags))
	}
	return chain
}

func source(conf config.Config, pl *pipeline.Pipeline) pipeline.Source {
	p := mpb.New()
	bar := p.AddSpinner(0, mpb.SpinnerOnLeft,
		mpb.BarWidth(1),
		mpb.AppendDecorators(
			decor.Name(" domains "),
			decor.CurrentNoUnit("%d"),
		),
	)
	pl.SetProgress(func(count int) {
		bar.IncrBy(count)
	})

	if conf.Source == "ctlog" {
		logList, err := ctlog.TrustedLogs()
		if err != nil {
			log.Fatal().Msgf("error while retrieving list of existing logs: %s", err)
		}
		return ctlog.NewTailer(conf.CTLogs, logList)
	}
	return certstream.New(conf.Certstream)
}

func main() {
	confFile := flag.String("config", "config/config.yml", "location of configuration file")
	flag.Parse()

	conf, err := config.ReadConfig(*confFile)
	if err != nil {
		log.Fatal().Msgf("error while reading configuration: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	suspicious, err := scoring.LoadSuspicious(conf.Suspicious.Path, conf.Suspicious.ExternalPath)
	if err != nil {
		log.Fatal().Msgf("error while loading suspicious keywords: %s", err)
	}
	scorer := scoring.NewScorer(suspicious)

	client, err := conf.Store.Open(ctx)
	if err != nil {
		log.Fatal().Msgf("error while opening store: %s", err)
	}
	defer client.Disconnect(context.Background())
	recordStore := store.NewMongoStore(client, conf.Store)

	stats := store.NewStatsService(conf.Store.InfluxOpts)
	defer stats.Close()

	el := errLogger(conf)

	orch, err := enrich.NewOrchestrator(recordStore, stats, conf.Enrich)
	if err != nil {
		log.Fatal().Msgf("error while creating enrichment orchestrator: %s", err)
	}
	if conf.Providers.URLHausEnabled {
		orch.WithProviders(enrich.NewURLHaus())
	}
	if conf.Providers.DNSBLEnabled {
		orch.WithProviders(enrich.NewDNSBL(conf.Providers.DNSBLServer))
	}
	if conf.Providers.SafebrowsingApiKey != "" {
		orch.WithProviders(enrich.NewSafeBrowsing(conf.Providers.SafebrowsingApiKey))
	}
	if conf.Providers.SitereviewEnabled {
		orch.WithProviders(enrich.NewSiteReview())
	}
	if conf.Providers.VTApiKey != "" {
		delay := time.Duration(conf.Providers.VTRateLimit) * time.Second
		orch.WithVirusTotal(enrich.NewVirusTotal(conf.Providers.VTApiKey, delay))
	}
	if conf.Providers.UrlscanApiKey != "" {
		orch.WithScanner(enrich.NewURLScan(conf.Providers.UrlscanApiKey))
	}
	if conf.Brand.Enabled {
		registry := brand.NewMongoRegistry(client, conf.Store.Database, conf.Store.BrandCollection)
		assets := &brand.DirAssets{Dir: conf.Brand.UploadDir}
		orch.WithBrandChecker(brand.NewChecker(registry, assets, conf.Brand))
	}
	orch.WithNotifier(alert.NewDispatcher(conf.Alert))

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			el.Log(err, config.LogOptions{Msg: "enrichment orchestrator stopped"})
		}
	}()

	pl := pipeline.New(scorer, conf.Pipeline, orch, stats)
	src := source(conf, pl)

	log.Info().Str("source", conf.Source).Msg("starting certificate stream")
	if err := src.Run(ctx, pl.Handle); err != nil && ctx.Err() == nil {
		el.Log(err, config.LogOptions{Msg: "certificate stream failed"})
		log.Fatal().Msgf("error while consuming certificate stream: %s", err)
	}
}
