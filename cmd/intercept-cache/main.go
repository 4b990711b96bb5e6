package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	interceptcache "github.com/intercept-cache/intercept-cache"
	"github.com/intercept-cache/intercept-cache/access"
	"github.com/intercept-cache/intercept-cache/cache"
	"github.com/intercept-cache/intercept-cache/policy"
)

var (
	// CLI flags
	portFlag           int
	configFilenameFlag string
	dbFilenameFlag     string
	logFilenameFlag    string
	verbosityTraceFlag bool

	// this is set by goreleaser
	version string
)

func init() {
	pflag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	pflag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	pflag.StringVar(&dbFilenameFlag, "db", "intercept.db", "Cache DB file name (use 'memory' for an in-memory db)")
	pflag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (rotated, in addition to stdout)")
	pflag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	pflag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout, plus a rotated file if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilenameFlag,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if configFilenameFlag == "" {
		log.Fatal().Msg("Please specify a config file")
	}
	config, err := interceptcache.LoadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	// set up the durable record store
	var records cache.RecordStore
	if dbFilenameFlag == "memory" {
		records = cache.NewMemoryRecordStore()
	} else {
		sqliteRecords, err := cache.NewSQLiteRecordStore(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache database")
		}
		defer sqliteRecords.Close()
		records = sqliteRecords
	}

	store := cache.NewStore(cache.Config{
		Records:             records,
		MemoryCapacityBytes: config.MemoryCapacityBytes,
		DiskCapacityBytes:   config.DiskCapacityBytes,
	})
	if restored, err := store.Warm(); err != nil {
		log.Warn().Err(err).Msg("Could not warm cache index")
	} else {
		log.Info().Int("entries", restored).Msg("Cache index warmed")
	}

	engine := policy.New(policy.Config{
		Patterns:    config.CachePatterns,
		FreshWindow: time.Duration(config.FreshSeconds) * time.Second,
		StaleWindow: time.Duration(config.StaleSeconds) * time.Second,
	})
	acl := access.New(access.Config{
		Enabled:            config.AccessControl.Enabled,
		AllowedPatterns:    config.AccessControl.AllowedPatterns,
		LocalContentPrefix: config.AccessControl.LocalContentPrefix,
	})

	interceptor := interceptcache.New(interceptcache.Config{
		Store:    store,
		Policy:   engine,
		Access:   acl,
		External: logOpener{},
	})

	router := chi.NewRouter()
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.URLHandler("url"))

	// admin surface
	router.Get("/-/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interceptor.CacheStatistics())
	})
	router.Post("/-/clear", func(w http.ResponseWriter, r *http.Request) {
		interceptor.ClearCache()
		w.WriteHeader(http.StatusNoContent)
	})

	// everything else runs through the interception pipeline, with a plain
	// network forwarder as the default path
	router.Handle("/*", interceptor.Middleware(passthroughHandler()))

	log.Info().Int("port", portFlag).Msg("Starting interception gateway")
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// logOpener stands in for the platform hand-off to the system browser,
// which is renderer glue and lives outside this process.
type logOpener struct{}

func (logOpener) OpenExternal(url string) {
	log.Info().Str("url", url).Msg("External navigation handed off")
}

// passthroughHandler forwards the request to its target over the network
// and copies the response back, mimicking the renderer's own network path.
func passthroughHandler() http.Handler {
	client := &http.Client{Timeout: 30 * time.Second}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.String()
		if !r.URL.IsAbs() {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			target = scheme + "://" + r.Host + r.URL.RequestURI()
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			http.Error(w, "Could not create request", http.StatusBadGateway)
			return
		}
		copyHeader(req.Header, r.Header)
		res, err := client.Do(req)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Pass-through fetch failed")
			http.Error(w, "Could not reach target", http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		io.Copy(w, res.Body)
	})
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
