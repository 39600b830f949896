package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/certphisher/certphisher/config"
	"github.com/certphisher/certphisher/generic"
	"github.com/certphisher/certphisher/store"
)

// prints the most frequently abused certificate authorities among the
// enriched records, optionally on a repeating interval.
func main() {
	confFile := flag.String("config", "config/config.yml", "location of configuration file")
	limit := flag.Int64("limit", 10, "number of certificate authorities to show")
	interval := flag.Duration("interval", 0, "repeat interval (print once when zero)")
	flag.Parse()

	conf, err := config.ReadConfig(*confFile)
	if err != nil {
		log.Fatal().Msgf("error while reading configuration: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := conf.Store.Open(ctx)
	if err != nil {
		log.Fatal().Msgf("error while opening store: %s", err)
	}
	defer client.Disconnect(context.Background())
	recordStore := store.NewMongoStore(client, conf.Store)

	print := func(ctx context.Context, t time.Time) error {
		stats, err := recordStore.CAStats(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Printf("top certificate authorities at %s\n", t.Format(time.RFC3339))
		for _, s := range stats {
			fmt.Printf("%6d  %s\n", s.Count, s.CertificateAuthority)
		}
		return nil
	}

	n := 1
	repeatInterval := time.Second
	if *interval > 0 {
		n = -1
		repeatInterval = *interval
	}
	if err := generic.Repeat(ctx, print, repeatInterval, n); err != nil && ctx.Err() == nil {
		log.Fatal().Msgf("error while aggregating stats: %s", err)
	}
}
