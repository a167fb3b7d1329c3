package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/danthegoodman1/kpibridge/datastore"
	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/pipeline"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

var logger = gologger.NewLogger()

type HTTPServer struct {
	Echo *echo.Echo

	registry *pipeline.Registry
	runner   *pipeline.Runner
	pool     *pgxpool.Pool
	store    datastore.DataStore
}

type CustomValidator struct {
	validator *validator.Validate
}

// NewHTTPServer sets up the echo instance and routes without listening
func NewHTTPServer(registry *pipeline.Registry, runner *pipeline.Runner, pool *pgxpool.Pool, store datastore.DataStore) *HTTPServer {
	s := &HTTPServer{
		Echo:     echo.New(),
		registry: registry,
		runner:   runner,
		pool:     pool,
		store:    store,
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.JSONSerializer = &utils.NoEscapeJSONSerializer{}

	s.Echo.Use(CreateReqContext)
	s.Echo.Use(LoggerMiddleware)
	s.Echo.Use(middleware.CORS())
	s.Echo.Validator = &CustomValidator{validator: validator.New()}

	// technical - no auth
	s.Echo.GET("/hc", s.HealthCheck)

	entityGroup := s.Echo.Group("/entity_types")
	entityGroup.GET("", ccHandler(s.ListEntityTypes))
	entityGroup.POST("/:name/register", ccHandler(s.RegisterEntityType))
	entityGroup.GET("/:name/params", ccHandler(s.GetEntityTypeParams))
	entityGroup.GET("/:name/data", ccHandler(s.GetEntityData))
	entityGroup.GET("/:name/log", ccHandler(s.GetEntityLog))
	entityGroup.GET("/:name/parts", ccHandler(s.ListParts))
	entityGroup.GET("/:name/archive/*", ccHandler(s.DownloadArchive))
	entityGroup.POST("/:name/run", ccHandler(s.RunEntityType))

	functionGroup := s.Echo.Group("/functions")
	functionGroup.GET("/:name", ccHandler(s.DescribeFunction))
	functionGroup.POST("/:name/score", ccHandler(s.ScoreHandler))

	s.Echo.GET("/constants", ccHandler(s.ListConstants))

	return s
}

func StartHTTPServer(registry *pipeline.Registry, runner *pipeline.Runner, pool *pgxpool.Pool, store datastore.DataStore) *HTTPServer {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", utils.GetEnvOrDefault("HTTP_PORT", "8080")))
	if err != nil {
		logger.Error().Err(err).Msg("error creating tcp listener, exiting")
		os.Exit(1)
	}
	s := NewHTTPServer(registry, runner, pool, store)

	s.Echo.Listener = listener
	go func() {
		logger.Info().Msg("starting h2c server on " + listener.Addr().String())
		err := s.Echo.StartH2CServer("", &http2.Server{})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("failed to start h2c server, exiting")
			os.Exit(1)
		}
	}()

	return s
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func ValidateRequest(c echo.Context, s interface{}) error {
	if err := c.Bind(s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(s); err != nil {
		return err
	}
	return nil
}

func (*HTTPServer) HealthCheck(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	return err
}

func LoggerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			// default handler
			c.Error(err)
		}
		stop := time.Since(start)
		// Log otherwise
		logger := zerolog.Ctx(c.Request().Context())
		req := c.Request()
		res := c.Response()

		p := req.URL.Path
		if p == "" {
			p = "/"
		}

		cl := req.Header.Get(echo.HeaderContentLength)
		if cl == "" {
			cl = "0"
		}
		logger.Debug().Str("method", req.Method).Str("remote_ip", c.RealIP()).Str("req_uri", req.RequestURI).Str("handler_path", c.Path()).Str("path", p).Int("status", res.Status).Int64("latency_ns", int64(stop)).Str("protocol", req.Proto).Str("bytes_in", cl).Int64("bytes_out", res.Size).Msg("req received")
		return nil
	}
}
