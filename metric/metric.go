package metric

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/utils"
)

const (
	ScoringRequestCount   = "scoring_request_count"
	ScoringRequestLatency = "scoring_request_latency"
	ScoringRowsCount      = "scoring_rows_count"
	CatalogRequestCount   = "catalog_request_count"
	CatalogRequestLatency = "catalog_request_latency"
	PipelineRunLatency    = "pipeline_run_latency"

	TagEnv        = "env"
	TagService    = "service"
	TagEntityType = "entity_type"
	TagFunction   = "function"
	TagStatus     = "status"
)

var (
	logger = gologger.NewLogger()

	// safe for concurrent use, NoOpClient until Init is called with an address
	statsDClient statsd.ClientInterface = &statsd.NoOpClient{}
	appName                             = utils.GetEnvOrDefault("APP_NAME", "kpibridge")

	once sync.Once
)

// Init creates the statsd client when STATSD_ADDR is configured, otherwise metrics stay no-op
func Init() {
	once.Do(func() {
		if utils.STATSD_ADDR == "" {
			logger.Debug().Msg("STATSD_ADDR not set, metrics disabled")
			return
		}
		c, err := statsd.New(utils.STATSD_ADDR, statsd.WithTags([]string{
			TagAsString(TagEnv, utils.GetEnvOrDefault("APP_ENV", "dev")),
			TagAsString(TagService, appName),
		}))
		if err != nil {
			logger.Error().Err(err).Msg("statsd client initialization failed, metrics disabled")
			return
		}
		statsDClient = c
		logger.Info().Str("addr", utils.STATSD_ADDR).Msg("metrics client initialized")
	})
}

func Count(name string, value int64, tags []string) {
	if err := statsDClient.Count(name, value, tags, 1); err != nil {
		logger.Warn().Err(err).Msg("error in statsd count")
	}
}

func Incr(name string, tags []string) {
	Count(name, 1, tags)
}

func Timing(name string, value time.Duration, tags []string) {
	if err := statsDClient.Timing(name, value, tags, 1); err != nil {
		logger.Warn().Err(err).Msg("error in statsd timing")
	}
}

// TimingWithStart is meant for `defer metric.TimingWithStart(name, time.Now(), tags)`
func TimingWithStart(name string, start time.Time, tags []string) {
	Timing(name, time.Since(start), tags)
}

func TagAsString(key, value string) string {
	return key + ":" + value
}

func Shutdown() error {
	return statsDClient.Close()
}
