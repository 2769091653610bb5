// Package export writes usage logs to object storage for offline analysis.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"devvelocity/internal/types"
)

var tracer = otel.Tracer("devvelocity/internal/export")

// ObjectPutter is the S3 operation the exporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// UsageSource streams usage rows in creation order.
type UsageSource interface {
	ForEachInRange(ctx context.Context, start, end time.Time, fn func(types.UsageLogEntry) error) error
}

// S3Exporter writes one gzip-compressed JSON-lines object per UTC day.
type S3Exporter struct {
	client ObjectPutter
	bucket string
	logs   UsageSource
	logger *slog.Logger
}

// NewS3Exporter creates an S3Exporter.
func NewS3Exporter(client ObjectPutter, bucket string, logs UsageSource, logger *slog.Logger) *S3Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Exporter{client: client, bucket: bucket, logs: logs, logger: logger}
}

// Key returns the object key for day: usage/YYYY/MM/DD.jsonl.gz.
func Key(day time.Time) string {
	return day.UTC().Format("usage/2006/01/02") + ".jsonl.gz"
}

// ExportDay writes every usage row created during the UTC day containing
// day and returns the number of rows written. A day without rows still
// produces an (empty) object so consumers can tell "no usage" from "not
// exported".
func (e *S3Exporter) ExportDay(ctx context.Context, day time.Time) (int, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	key := Key(start)

	ctx, span := tracer.Start(ctx, "export.ExportDay")
	defer span.End()
	span.SetAttributes(attribute.String("s3.bucket", e.bucket), attribute.String("s3.key", key))

	pr, pw := io.Pipe()
	var (
		rows int
		buf  bytes.Buffer
	)
	hash := sha256.New()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zw := gzip.NewWriter(pw)
		enc := json.NewEncoder(zw)
		err := e.logs.ForEachInRange(gctx, start, end, func(entry types.UsageLogEntry) error {
			rows++
			return enc.Encode(entry)
		})
		if err == nil {
			err = zw.Close()
		}
		// A nil error closes the pipe normally; anything else aborts the reader.
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(&buf, hash), pr)
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode usage rows")
		return 0, err
	}

	span.SetAttributes(attribute.Int("export.rows", rows), attribute.Int("content.size", buf.Len()))
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash.Sum(nil)),
			"rows":            fmt.Sprint(rows),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload export")
		return 0, types.NewAppError(types.ErrCodeUpstreamStorage, "failed to upload usage export", err)
	}

	e.logger.InfoContext(ctx, "usage export written",
		"bucket", e.bucket, "key", key, "rows", rows, "bytes", buf.Len())
	return rows, nil
}
