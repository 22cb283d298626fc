package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/workbeam/livesync"
	"github.com/workbeam/livesync/internal"
)

const (
	// Required fields
	EnvDB     = "LIVESYNC_DB"
	EnvSecret = "LIVESYNC_SECRET"

	// Optional fields
	EnvBindAddr  = "LIVESYNC_BINDADDR"
	EnvOrigins   = "LIVESYNC_ORIGINS"
	EnvSentryDSN = "LIVESYNC_SENTRY_DSN"
	EnvOTLPURL   = "LIVESYNC_OTLP_URL"
	EnvOTLPUser  = "LIVESYNC_OTLP_USERNAME"
	EnvOTLPPass  = "LIVESYNC_OTLP_PASSWORD"
	EnvProm      = "LIVESYNC_PROM"
)

var (
	flagBindAddr = flag.String("port", "", "Bind address, overrides "+EnvBindAddr)
	flagDB       = flag.String("db", "", "Postgres connection string of the workspace store (see lib/pq docs), overrides "+EnvDB)
)

func defaulting(in, defaultValue string) string {
	if in == "" {
		return defaultValue
	}
	return in
}

func main() {
	// .env is optional, real deployments set the environment directly
	godotenv.Load()
	flag.Parse()

	args := map[string]string{
		EnvDB:        defaulting(*flagDB, os.Getenv(EnvDB)),
		EnvSecret:    os.Getenv(EnvSecret),
		EnvBindAddr:  defaulting(*flagBindAddr, defaulting(os.Getenv(EnvBindAddr), ":8119")),
		EnvOrigins:   defaulting(os.Getenv(EnvOrigins), "*"),
		EnvSentryDSN: os.Getenv(EnvSentryDSN),
		EnvOTLPURL:   os.Getenv(EnvOTLPURL),
		EnvOTLPUser:  os.Getenv(EnvOTLPUser),
		EnvOTLPPass:  os.Getenv(EnvOTLPPass),
	}
	for _, required := range []string{EnvDB, EnvSecret} {
		if args[required] == "" {
			fmt.Fprintf(os.Stderr, "%s must be set\n", required)
			flag.Usage()
			os.Exit(1)
		}
	}

	if args[EnvSentryDSN] != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     args[EnvSentryDSN],
			Release: livesync.Version,
		})
		if err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if args[EnvOTLPURL] != "" {
		err := internal.ConfigureOTLP(args[EnvOTLPURL], args[EnvOTLPUser], args[EnvOTLPPass], livesync.Version)
		if err != nil {
			panic(err)
		}
	}

	livesync.RunServer(livesync.Opts{
		ChannelSecret:        []byte(args[EnvSecret]),
		PostgresURI:          args[EnvDB],
		AllowedOrigins:       strings.Split(args[EnvOrigins], ","),
		AddPrometheusMetrics: os.Getenv(EnvProm) == "1",
	}, args[EnvBindAddr])
}
