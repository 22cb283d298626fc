package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/workbeam/livesync/gateway"
	"github.com/workbeam/livesync/internal"
	"github.com/workbeam/livesync/notify"
	"github.com/workbeam/livesync/presence"
	"github.com/workbeam/livesync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version of the server. Reported on /livesync/healthz and in logs.
const Version = "0.99.1"

var errMissingContextID = errors.New("missing context id")

type Opts struct {
	// ChannelSecret verifies the HMAC-signed credentials minted by the
	// workspace auth service.
	ChannelSecret []byte
	// PostgresURI of the external workspace store, used for NOTIFY
	// subscriptions and read-only projection loads.
	PostgresURI string
	// AllowedOrigins for browser channels. "*" allows any.
	AllowedOrigins []string
	// AddPrometheusMetrics exposes prometheus metrics on /metrics.
	AddPrometheusMetrics bool

	// Presence timings. Zero values use the defaults.
	IdleTimeout  time.Duration
	AwayTimeout  time.Duration
	OfflineGrace time.Duration
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Setup assembles the gateway, presence tracker and notification dispatch
// pipeline. Returns the gateway, the tracker and the router to serve.
func Setup(opts Opts) (*gateway.Gateway, *presence.Tracker, http.Handler, error) {
	gw := gateway.New(gateway.Config{
		Verifier:       gateway.NewJWTVerifier(opts.ChannelSecret),
		AllowedOrigins: opts.AllowedOrigins,
		EnableMetrics:  opts.AddPrometheusMetrics,
	})
	tracker := presence.NewTracker(gw, presence.Config{
		IdleTimeout:  opts.IdleTimeout,
		AwayTimeout:  opts.AwayTimeout,
		OfflineGrace: opts.OfflineGrace,
	})
	gw.SetPresenceHandler(tracker)

	loader, err := notify.NewSQLProjectionLoader(opts.PostgresURI)
	if err != nil {
		return nil, nil, nil, err
	}
	bus := pubsub.NewPubSub(64)
	var notifier pubsub.Notifier = bus
	if opts.AddPrometheusMetrics {
		notifier = pubsub.NewPromNotifier(bus, "store")
	}
	dispatcher := notify.NewDispatcher(gw, loader, opts.AddPrometheusMetrics)
	storeSub := pubsub.NewStoreSub(bus, dispatcher)
	go func() {
		if err := storeSub.Listen(); err != nil {
			logger.Err(err).Msg("store subscription terminated")
		}
	}()
	ingest := notify.NewStoreIngest(opts.PostgresURI, notifier)
	go func() {
		if err := ingest.Listen(); err != nil {
			logger.Err(err).Msg("store ingest terminated")
			internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
		}
	}()

	r := mux.NewRouter()
	r.Handle("/livesync/channel", gw)
	r.Handle("/livesync/healthz", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		b, _ := json.Marshal(struct {
			Version string `json:"version"`
		}{Version})
		w.Write(b)
	})))
	// read-only presence snapshots, for dashboards and tests
	r.Handle("/livesync/context/{contextID}/presence", allowCORS(presenceSnapshotHandler(tracker)))
	if opts.AddPrometheusMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return gw, tracker, r, nil
}

func presenceSnapshotHandler(tracker *presence.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		contextID := mux.Vars(req)["contextID"]
		if contextID == "" {
			herr := &internal.HandlerError{
				StatusCode: 400,
				Err:        errMissingContextID,
			}
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
			return
		}
		b, _ := json.Marshal(struct {
			Users []presence.Record `json:"users"`
			Stats presence.Stats    `json:"stats"`
		}{
			Users: tracker.OnlineUsers(contextID),
			Stats: tracker.Stats(contextID),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write(b)
	}
}

// RunServer is the main entry point to the server. Blocks forever.
func RunServer(opts Opts, bindAddr string) {
	gw, _, handler, err := Setup(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up server")
	}
	gw.Start()

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: handler,
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
