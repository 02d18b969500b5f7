package audit

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

const (
	archiveQueueSize     = 16
	archiveUploadTimeout = 2 * time.Minute
)

// ObjectPutter is the subset of the S3 client the Archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectPutter = (*s3.Client)(nil)

// ArchiveMetrics observes uploads. result is "ok", "error" or "dropped".
type ArchiveMetrics interface {
	IncAuditArchive(result string)
}

type ArchiverOptions struct {
	Logger  log.Logger
	Client  ObjectPutter
	Bucket  string
	Prefix  string
	Metrics ArchiveMetrics
}

// Archiver uploads closed audit files to s3://<bucket>/<prefix>/<file>.
// Uploads run on the Run goroutine so rotation never waits on the network.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	logger  log.Logger
	metrics ArchiveMetrics
	queue   chan string
}

func NewArchiver(opts ArchiverOptions) (*Archiver, error) {
	if opts.Client == nil {
		return nil, xerrors.New("S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("S3 bucket is required")
	}
	return &Archiver{
		client:  opts.Client,
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		logger:  log.OrNop(opts.Logger),
		metrics: opts.Metrics,
		queue:   make(chan string, archiveQueueSize),
	}, nil
}

// Enqueue schedules path for upload. It never blocks; when the queue is
// full the file is left on disk and the drop is logged.
func (a *Archiver) Enqueue(ctx context.Context, p string) {
	select {
	case a.queue <- p:
	default:
		a.logger.Warn(ctx, "audit archive queue full, file left on disk", "path", p)
		a.observe("dropped")
	}
}

// Run uploads queued files until ctx is done, then drains what is left.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case p := <-a.queue:
			_ = a.Upload(ctx, p)
		case <-ctx.Done():
			a.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

func (a *Archiver) drain(ctx context.Context) {
	for {
		select {
		case p := <-a.queue:
			_ = a.Upload(ctx, p)
		default:
			return
		}
	}
}

// Key returns the object key for a local audit file.
func (a *Archiver) Key(p string) string {
	return path.Join(a.prefix, filepath.Base(p))
}

// Upload puts one file. Errors are logged and returned.
func (a *Archiver) Upload(ctx context.Context, p string) error {
	ctx, cancel := context.WithTimeout(ctx, archiveUploadTimeout)
	defer cancel()

	f, err := os.Open(p)
	if err != nil {
		err = xerrors.Wrapf(err, "open audit file %s", p)
		a.logger.Error(ctx, err, "audit archive failed")
		a.observe("error")
		return err
	}
	defer f.Close()

	key := a.Key(p)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		err = xerrors.Wrapf(err, "put s3://%s/%s", a.bucket, key)
		a.logger.Error(ctx, err, "audit archive failed")
		a.observe("error")
		return err
	}
	a.logger.Info(ctx, "audit file archived", "bucket", a.bucket, "key", key)
	a.observe("ok")
	return nil
}

func (a *Archiver) observe(result string) {
	if a.metrics != nil {
		a.metrics.IncAuditArchive(result)
	}
}
