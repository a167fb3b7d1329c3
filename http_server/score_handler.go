package http_server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danthegoodman1/gojsonutils"
	"github.com/danthegoodman1/kpibridge/scoring"
	"github.com/danthegoodman1/kpibridge/table"
)

type (
	ScoreReqBody struct {
		// Line-delimited JSON (NDJSON)
		RowsString *string
		// Array of JSON
		Rows []map[string]any
		// Defaults to deviceid
		EntityColumn string
		// Defaults to evt_timestamp
		TimestampColumn string
	}

	ScoreResponse struct {
		Status      scoring.Status
		RowsScored  int
		RowsSkipped int
		Error       string `json:",omitempty"`
		Rows        []table.Row
		TimeMS      int64
	}

	FunctionDescription struct {
		Name        string
		InputItems  []string
		OutputItems []string
		Description string
	}
)

var (
	ErrNotFlatMap = errors.New("not a flat map")
	ErrNoRows     = errors.New("no rows found")
)

func (s *HTTPServer) DescribeFunction(c *CustomContext) error {
	sc, err := s.registry.Function(c.Param("name"))
	if err != nil {
		return c.NotFound(err)
	}
	return c.JSON(http.StatusOK, FunctionDescription{
		Name:        sc.Name(),
		InputItems:  sc.InputItems(),
		OutputItems: sc.Output().Columns(),
		Description: sc.String(),
	})
}

func flattenRow(row map[string]any) (map[string]any, error) {
	flat, err := gojsonutils.Flatten(row, nil)
	if err != nil {
		return nil, fmt.Errorf("error flattening JSON map: %w", err)
	}
	flatMap, ok := flat.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %+v", ErrNotFlatMap, flat)
	}
	return flatMap, nil
}

// requestRows flattens the rows of either body format
func requestRows(reqBody ScoreReqBody) ([]map[string]any, error) {
	var rows []map[string]any
	if reqBody.RowsString != nil {
		ndJSONScanner := bufio.NewScanner(strings.NewReader(*reqBody.RowsString))
		ndJSONScanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for ndJSONScanner.Scan() {
			line := strings.TrimSpace(ndJSONScanner.Text())
			if line == "" {
				continue
			}
			var jsonMap map[string]any
			if err := json.Unmarshal([]byte(line), &jsonMap); err != nil {
				return nil, fmt.Errorf("line was not a JSON object: %w", err)
			}
			flatMap, err := flattenRow(jsonMap)
			if err != nil {
				return nil, err
			}
			rows = append(rows, flatMap)
		}
		if err := ndJSONScanner.Err(); err != nil {
			return nil, fmt.Errorf("error scanning rows: %w", err)
		}
	} else {
		for _, row := range reqBody.Rows {
			flatMap, err := flattenRow(row)
			if err != nil {
				return nil, err
			}
			rows = append(rows, flatMap)
		}
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}

// ScoreHandler scores ad hoc rows with a configured function and returns them with the predictions
func (s *HTTPServer) ScoreHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*60)
	defer cancel()

	start := time.Now()

	sc, err := s.registry.Function(c.Param("name"))
	if err != nil {
		return c.NotFound(err)
	}

	var reqBody ScoreReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if reqBody.EntityColumn == "" {
		reqBody.EntityColumn = table.DefaultEntityColumn
	}
	if reqBody.TimestampColumn == "" {
		reqBody.TimestampColumn = table.DefaultTimestampColumn
	}

	rows, err := requestRows(reqBody)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	b, err := table.FromRows(rows, reqBody.EntityColumn, reqBody.TimestampColumn)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	// forward fill follows time order, request rows can arrive in any order
	b.SortByTime()

	out, err := sc.Execute(ctx, b)
	if err != nil {
		return c.String(http.StatusBadGateway, err.Error())
	}

	res := ScoreResponse{
		Status:      out.Status,
		RowsScored:  out.RowsScored,
		RowsSkipped: out.RowsSkipped,
		Rows:        out.Batch.Rows(reqBody.EntityColumn, reqBody.TimestampColumn),
		TimeMS:      time.Since(start).Milliseconds(),
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return c.JSON(http.StatusOK, res)
}
