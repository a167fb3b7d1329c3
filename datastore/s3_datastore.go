package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/danthegoodman1/kpibridge/s3_helper"
)

type (
	S3DataStore struct {
		helper *s3_helper.S3Helper
	}
)

func NewS3DataStore(helper *s3_helper.S3Helper) *S3DataStore {
	return &S3DataStore{helper: helper}
}

func (sds *S3DataStore) WriteFile(ctx context.Context, key string, r io.Reader) error {
	_, err := sds.helper.WriteBytes(ctx, key, r, aws.String("application/vnd.apache.parquet"))
	return err
}

func (sds *S3DataStore) ReadFile(ctx context.Context, key string) ([]byte, error) {
	b, err := sds.helper.ReadBytes(ctx, key)
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b, err
}

func (sds *S3DataStore) Shutdown(_ context.Context) error {
	logger.Debug().Msg("s3 datastore has nothing to flush")
	return nil
}
