package utils

import "os"

var (
	CRDB_DSN = os.Getenv("CRDB_DSN")

	AWS_ACCESS_KEY_ID     = os.Getenv("AWS_ACCESS_KEY_ID")
	AWS_SECRET_ACCESS_KEY = os.Getenv("AWS_SECRET_ACCESS_KEY")
	AWS_DEFAULT_REGION    = GetEnvOrDefault("AWS_DEFAULT_REGION", "us-east-1")

	S3_BUCKET_NAME = os.Getenv("S3_BUCKET_NAME")
	S3_ENDPOINT    = os.Getenv("S3_ENDPOINT")

	CATALOG_URL       = os.Getenv("CATALOG_URL")
	CATALOG_TENANT    = os.Getenv("CATALOG_TENANT")
	CATALOG_API_KEY   = os.Getenv("CATALOG_API_KEY")
	CATALOG_API_TOKEN = os.Getenv("CATALOG_API_TOKEN")

	WML_IAM_URL     = GetEnvOrDefault("WML_IAM_URL", "https://iam.cloud.ibm.com/identity/token")
	WML_API_VERSION = GetEnvOrDefault("WML_API_VERSION", "2020-09-01")

	METASTORE      = GetEnvOrDefault("METASTORE", "postgres")
	REDIS_ADDR     = os.Getenv("REDIS_ADDR")
	REDIS_PASSWORD = os.Getenv("REDIS_PASSWORD")

	DATASTORE      = GetEnvOrDefault("DATASTORE", "disk")
	DATASTORE_PATH = GetEnvOrDefault("DATASTORE_PATH", "./archive")

	PIPELINE_FILE = GetEnvOrDefault("PIPELINE_FILE", "pipeline.yaml")

	STATSD_ADDR = os.Getenv("STATSD_ADDR")
)
