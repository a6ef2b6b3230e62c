// Package archive keeps compression reports in S3 compatible storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rsprolipsi/compensation/engine/pkg/compression"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
)

// PutObjectAPI is the part of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3ArchiveConfig struct {
	Logger *slog.Logger
	Client PutObjectAPI
	Bucket string
	Prefix string
	// Timeout bounds one upload when run as a hook.
	Timeout time.Duration
}

func (cfg *S3ArchiveConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return nil
}

type S3Archive struct {
	log *slog.Logger
	cfg S3ArchiveConfig
}

func NewS3Archive(cfg S3ArchiveConfig) (*S3Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Archive{log: cfg.Logger, cfg: cfg}, nil
}

// Key is <prefix>/<period>/<started-at>.txt with a compact UTC timestamp.
func (a *S3Archive) Key(res compression.Result) string {
	period := res.Period
	if period == "" {
		period = "unknown"
	}
	name := res.StartedAt.UTC().Format("20060102T150405.000Z") + ".txt"
	if a.cfg.Prefix == "" {
		return path.Join(period, name)
	}
	return path.Join(a.cfg.Prefix, period, name)
}

// Store uploads the rendered report and returns its key.
func (a *S3Archive) Store(ctx context.Context, res compression.Result) (string, error) {
	key := a.Key(res)
	body := compression.GenerateReport(res)
	_, err := a.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"period":  res.Period,
			"success": fmt.Sprintf("%t", res.Success),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report %s: %w", key, err)
	}
	return key, nil
}

// Hook archives every pass. Upload failures are logged and do not affect
// the pass.
func (a *S3Archive) Hook() compression.Hook {
	return func(ctx context.Context, res compression.Result) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		key, err := a.Store(ctx, res)
		if err != nil {
			metrics.ReportArchiveTotal.WithLabelValues("error").Inc()
			a.log.Error("archive: failed to store report", "period", res.Period, "error", err)
			return
		}
		metrics.ReportArchiveTotal.WithLabelValues("success").Inc()
		a.log.Debug("archive: report stored", "bucket", a.cfg.Bucket, "key", key)
	}
}

// NewS3Client builds a client from the default AWS credential chain.
// endpoint, when set, points at an S3 compatible server with path-style
// addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
