package logtap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FailureReport captures the state of a supervised mount at the moment the
// supervisor gave up on it. Reports are written locally and, when an S3
// destination is configured, uploaded next to the data they describe so a
// dead mount leaves a trace on the remote it was serving.
type FailureReport struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Hostname   string    `json:"hostname"`
	Mountpoint string    `json:"mountpoint"`

	Error        string `json:"error,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	ExitCode     int    `json:"exit_code,omitempty"`
	RecentOutput string `json:"recent_output,omitempty"`

	RecentLogs []Entry `json:"recent_logs,omitempty"`

	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// ReportS3 configures the optional S3 destination for failure reports.
type ReportS3 struct {
	AccessKey string
	SecretKey string
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
}

// Reporter writes failure reports.
type Reporter struct {
	dir      string
	s3Config *ReportS3
	s3Client *s3.Client
	logger   *slog.Logger
}

// NewReporter creates a reporter writing JSON reports under dir. s3cfg may be
// nil to disable uploads.
func NewReporter(dir string, s3cfg *ReportS3, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = Default()
	}
	return &Reporter{dir: dir, s3Config: s3cfg, logger: logger}
}

// Report fills in the bookkeeping fields, persists the report locally and
// uploads it when configured. Upload failures are logged, not returned: a
// report about a broken remote frequently cannot reach that remote.
func (r *Reporter) Report(ctx context.Context, report *FailureReport) error {
	report.ID = fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(report.Mountpoint))
	report.Timestamp = time.Now().UTC()
	report.Hostname, _ = os.Hostname()
	report.OS = runtime.GOOS
	report.Arch = runtime.GOARCH
	report.RecentLogs = Recent(200)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure report: %w", err)
	}

	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
		path := filepath.Join(r.dir, report.ID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write failure report: %w", err)
		}
		r.logger.Info("wrote failure report", "path", path)
	}

	if r.s3Config != nil {
		if err := r.upload(ctx, report.ID, data); err != nil {
			r.logger.Warn("failure report upload failed", "error", err)
		}
	}
	return nil
}

func (r *Reporter) upload(ctx context.Context, id string, data []byte) error {
	if r.s3Client == nil {
		region := r.s3Config.Region
		if region == "" {
			region = "us-east-1"
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				r.s3Config.AccessKey,
				r.s3Config.SecretKey,
				"",
			)),
		)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		r.s3Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if r.s3Config.Endpoint != "" {
				o.BaseEndpoint = aws.String(r.s3Config.Endpoint)
				o.UsePathStyle = true
			}
		})
	}

	key := filepath.Join(r.s3Config.Prefix, "failure-reports", id+".json")
	_, err := r.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.s3Config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", r.s3Config.Bucket, key, err)
	}
	r.logger.Info("uploaded failure report", "bucket", r.s3Config.Bucket, "key", key)
	return nil
}
