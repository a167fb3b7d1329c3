package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/s3_helper"
	"github.com/danthegoodman1/kpibridge/utils"
)

var (
	logger = gologger.NewLogger()

	ErrNotFound = errors.New("file not found")
)

type (
	// DataStore holds archived batch files by key
	DataStore interface {
		WriteFile(ctx context.Context, key string, r io.Reader) error
		ReadFile(ctx context.Context, key string) ([]byte, error)

		Shutdown(ctx context.Context) error
	}
)

// New builds the data store selected by kind, disk or s3
func New(kind string) (DataStore, error) {
	switch kind {
	case "disk":
		return NewDiskDataStore(utils.DATASTORE_PATH)
	case "s3":
		h, err := s3_helper.NewS3Helper(s3_helper.ConfigFromEnv())
		if err != nil {
			return nil, fmt.Errorf("error in NewS3Helper: %w", err)
		}
		return NewS3DataStore(h), nil
	default:
		return nil, fmt.Errorf("unknown datastore %q", kind)
	}
}
