package http_server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/datastore"
	"github.com/danthegoodman1/kpibridge/part"
	"github.com/danthegoodman1/kpibridge/pipeline"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/labstack/echo/v4"
)

type (
	DataResponse struct {
		NumRows int
		Rows    []table.Row
	}

	LogResponse struct {
		Entries []catalog.LogEntry
	}

	RunResponse struct {
		Results []pipeline.RunResult
		TimeMS  int64
	}
)

var (
	ErrNoPool  = errors.New("archive listing needs a database")
	ErrNoStore = errors.New("no archive datastore configured")
)

func (s *HTTPServer) entityType(c *CustomContext) (*catalog.EntityType, error) {
	return s.registry.EntityType(c.Param("name"))
}

func (s *HTTPServer) ListEntityTypes(c *CustomContext) error {
	return c.JSON(http.StatusOK, s.registry.EntityTypeNames())
}

// RegisterEntityType republishes the schema and passes the catalog's answer through as is
func (s *HTTPServer) RegisterEntityType(c *CustomContext) error {
	et, err := s.entityType(c)
	if err != nil {
		return c.NotFound(err)
	}
	res, err := et.Register(c.Request().Context())
	if err != nil {
		return c.InternalError(err, "error registering entity type")
	}
	if len(res.Body) == 0 {
		return c.NoContent(res.StatusCode)
	}
	return c.Blob(res.StatusCode, echo.MIMEApplicationJSON, res.Body)
}

func (s *HTTPServer) GetEntityTypeParams(c *CustomContext) error {
	et, err := s.entityType(c)
	if err != nil {
		return c.NotFound(err)
	}
	params, err := et.Params(c.Request().Context())
	if err != nil {
		return c.InternalError(err, "error getting entity type params")
	}
	return c.JSON(http.StatusOK, params)
}

// parseBounds reads the optional start and end query params as RFC3339 times
func parseBounds(c *CustomContext) (start, end *time.Time, err error) {
	for _, b := range []struct {
		param string
		dst   **time.Time
	}{{"start", &start}, {"end", &end}} {
		v := c.QueryParam(b.param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, nil, err
		}
		*b.dst = utils.Ptr(t)
	}
	return start, end, nil
}

func parseEntities(c *CustomContext) []string {
	v := c.QueryParam("entities")
	if v == "" {
		return nil
	}
	var out []string
	for _, e := range strings.Split(v, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func (s *HTTPServer) GetEntityData(c *CustomContext) error {
	et, err := s.entityType(c)
	if err != nil {
		return c.NotFound(err)
	}
	start, end, err := parseBounds(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "start and end must be RFC3339 timestamps")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*60)
	defer cancel()

	b, err := et.GetData(ctx, start, end, parseEntities(c))
	if err != nil {
		return c.InternalError(err, "error getting entity data")
	}
	return c.JSON(http.StatusOK, DataResponse{
		NumRows: b.Len(),
		Rows:    b.Rows(catalog.EntityColumn, et.TimestampColumn()),
	})
}

func (s *HTTPServer) GetEntityLog(c *CustomContext) error {
	et, err := s.entityType(c)
	if err != nil {
		return c.NotFound(err)
	}
	rows := catalog.DefaultLogRows
	if v := c.QueryParam("rows"); v != "" {
		rows, err = strconv.Atoi(v)
		if err != nil || rows <= 0 {
			return c.String(http.StatusBadRequest, "rows must be a positive integer")
		}
	}
	entries, err := et.GetLog(c.Request().Context(), rows)
	if err != nil {
		return c.InternalError(err, "error getting entity log")
	}
	return c.JSON(http.StatusOK, LogResponse{Entries: entries})
}

func (s *HTTPServer) ListParts(c *CustomContext) error {
	et, err := s.entityType(c)
	if err != nil {
		return c.NotFound(err)
	}
	if s.pool == nil {
		return c.String(http.StatusServiceUnavailable, ErrNoPool.Error())
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return c.String(http.StatusBadRequest, "limit must be a positive integer")
		}
	}
	parts, err := part.List(c.Request().Context(), s.pool, et.Name(), limit)
	if err != nil {
		return c.InternalError(err, "error listing parts")
	}
	return c.JSON(http.StatusOK, parts)
}

// RunEntityType runs every function of the entity type once, now
func (s *HTTPServer) RunEntityType(c *CustomContext) error {
	name := c.Param("name")
	if _, err := s.registry.EntityType(name); err != nil {
		return c.NotFound(err)
	}
	start := time.Now()
	results := s.runner.RunAll(c.Request().Context(), s.registry.JobsFor(name))
	return c.JSON(http.StatusOK, RunResponse{
		Results: results,
		TimeMS:  time.Since(start).Milliseconds(),
	})
}

// DownloadArchive serves an archived batch file by the file_path of its part. Only files under the entity
// type's own prefix are served.
func (s *HTTPServer) DownloadArchive(c *CustomContext) error {
	et, err := s.entityType(c)
	if err != nil {
		return c.NotFound(err)
	}
	if s.store == nil {
		return c.String(http.StatusServiceUnavailable, ErrNoStore.Error())
	}
	key := c.Param("*")
	if !strings.HasPrefix(key, "entity="+et.TableName()+"/") || strings.Contains(key, "..") {
		return c.String(http.StatusBadRequest, "path is not an archive of this entity type")
	}
	b, err := s.store.ReadFile(c.Request().Context(), key)
	if errors.Is(err, datastore.ErrNotFound) {
		return c.NotFound(err)
	}
	if err != nil {
		return c.InternalError(err, "error reading archive")
	}
	return c.Blob(http.StatusOK, "application/vnd.apache.parquet", b)
}

func (s *HTTPServer) ListConstants(c *CustomContext) error {
	names, err := s.registry.ConstantNames(c.Request().Context())
	if err != nil {
		return c.InternalError(err, "error listing constants")
	}
	return c.JSON(http.StatusOK, names)
}
