package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/lease"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/telemetry"
)

// ErrNotVideo is returned when a media URL does not serve a video, which is expected for
// fallback URLs that point at the provider's web page.
var ErrNotVideo = errors.New("media is not a video")

// ArchiveStore is the persistence the archiver needs.
type ArchiveStore interface {
	ListUnarchived(ctx context.Context, since time.Time, limit int) ([]models.GenerationJob, error)
	RecordArchive(ctx context.Context, a models.MediaArchive) error
}

type mediaUploader interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error)
}

// ArchiveOptions selects the destination and limits. S3 is used when S3Bucket is set,
// the local directory otherwise.
type ArchiveOptions struct {
	Dir            string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool
	MaxBytes       int64
	Timeout        time.Duration
	ThumbnailWidth int
	// Window limits archiving to jobs completed within it.
	Window    time.Duration
	BatchSize int
	// Interval is the pause between passes of Run.
	Interval time.Duration
	// PassTimeout bounds one pass of Run.
	PassTimeout time.Duration
	// SpoolDir holds downloads while they are uploaded; empty means the OS temp dir.
	SpoolDir string
	// Lease, when set, limits archiving to one replica per pass. It is extended after
	// every job.
	Lease  *lease.Lease
	Logger zerolog.Logger
}

// Archiver copies completed media and a resized thumbnail out of the provider's
// short-lived URLs. Jobs are never modified; the copy is recorded in media_archives.
// It runs on its own loop so media downloads never hold up reconciliation.
type Archiver struct {
	store      ArchiveStore
	httpClient *http.Client
	uploader   mediaUploader
	opts       ArchiveOptions
	log        zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewArchiver constructs the archiver and chooses an uploader (local or S3).
func NewArchiver(ctx context.Context, st ArchiveStore, opts ArchiveOptions) (*Archiver, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 500 * 1024 * 1024
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 320
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 15 * time.Minute
	}
	if opts.Dir == "" {
		opts.Dir = "./archive"
	}

	var up mediaUploader = &localUploader{baseDir: opts.Dir}
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}

	return &Archiver{
		store:      st,
		httpClient: &http.Client{Timeout: opts.Timeout},
		uploader:   up,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "archiver").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
	}, nil
}

func newS3Client(ctx context.Context, opts ArchiveOptions) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

// Run archives a batch every Interval until ctx is cancelled. Each pass is bounded by
// PassTimeout; a failed pass is logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		a.runPass(ctx)
		if err := a.sleep(ctx, a.opts.Interval); err != nil {
			return err
		}
	}
}

func (a *Archiver) runPass(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, a.opts.PassTimeout)
	defer cancel()
	archived, failed, err := a.ArchivePending(pctx)
	switch {
	case err != nil && ctx.Err() == nil:
		a.log.Warn().Err(err).Int("archived", archived).Int("failed", failed).Msg("archive pass failed")
	case archived > 0 || failed > 0:
		a.log.Info().Int("archived", archived).Int("failed", failed).Msg("archive pass finished")
	}
}

// ArchivePending archives a batch of recently completed jobs. Per-job failures are
// logged and counted. Listing failures, cancellation and a lost lease are returned.
func (a *Archiver) ArchivePending(ctx context.Context) (archived, failed int, err error) {
	var held *lease.Handle
	if a.opts.Lease != nil {
		h, ok, err := a.opts.Lease.TryAcquire(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("archive lease: %w", err)
		}
		if !ok {
			a.log.Debug().Msg("archive lease held elsewhere")
			return 0, 0, nil
		}
		held = h
		defer func() {
			if err := h.Release(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn().Err(err).Msg("release archive lease")
			}
		}()
	}

	jobs, err := a.store.ListUnarchived(ctx, a.now().Add(-a.opts.Window), a.opts.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list unarchived: %w", err)
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return archived, failed, err
		}
		if _, err := a.Archive(ctx, job); err != nil {
			failed++
			outcome := "failed"
			if errors.Is(err, ErrNotVideo) {
				outcome = "not_video"
			}
			telemetry.ArchiveOutcomes.WithLabelValues(outcome).Inc()
			a.log.Warn().Err(err).Str("job_id", job.ID).Msg("archive media")
		} else {
			archived++
			telemetry.ArchiveOutcomes.WithLabelValues("archived").Inc()
		}
		if held != nil {
			ok, err := held.Extend(ctx)
			if err != nil {
				return archived, failed, fmt.Errorf("archive lease: %w", err)
			}
			if !ok {
				return archived, failed, fmt.Errorf("archive: %w", errLeaseLost)
			}
		}
	}
	return archived, failed, nil
}

// Archive copies one completed job's media and thumbnail and records the copy.
func (a *Archiver) Archive(ctx context.Context, job models.GenerationJob) (models.MediaArchive, error) {
	if job.Status != models.JobCompleted || job.MediaURL == nil {
		return models.MediaArchive{}, fmt.Errorf("job %s has no completed media", job.ID)
	}

	media, err := a.fetch(ctx, *job.MediaURL)
	if err != nil {
		return models.MediaArchive{}, fmt.Errorf("media: %w", err)
	}
	defer media.Close()
	ext, ok := videoExtension(media.contentType, media.head)
	if !ok {
		return models.MediaArchive{}, fmt.Errorf("%w (content type %q)", ErrNotVideo, media.contentType)
	}

	prefix := sanitizeKey(filepath.Join("videos", job.WorkItemID, job.ID))
	location, err := a.uploader.Upload(ctx, prefix+ext, media.file, media.size, mimeForExtension(ext))
	if err != nil {
		return models.MediaArchive{}, fmt.Errorf("upload media: %w", err)
	}
	record := models.MediaArchive{JobID: job.ID, MediaLocation: location, ArchivedAt: a.now().UTC()}

	if job.ThumbnailURL != nil {
		thumb, err := a.thumbnail(ctx, *job.ThumbnailURL, prefix+"_thumb.jpg")
		if err != nil {
			a.log.Warn().Err(err).Str("job_id", job.ID).Msg("thumbnail skipped")
		} else {
			record.ThumbnailLocation = &thumb
		}
	}

	if err := a.store.RecordArchive(ctx, record); err != nil {
		return models.MediaArchive{}, err
	}
	return record, nil
}

func (a *Archiver) thumbnail(ctx context.Context, url, key string) (string, error) {
	src, err := a.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	defer src.Close()
	img, _, err := image.Decode(src.file)
	if err != nil {
		return "", fmt.Errorf("decode thumbnail: %w", err)
	}
	if img.Bounds().Dx() > a.opts.ThumbnailWidth {
		img = imaging.Resize(img, a.opts.ThumbnailWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return a.uploader.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg")
}

// sniffLen is how much of a download http.DetectContentType looks at.
const sniffLen = 512

// spooled is a download held in a temporary file, positioned at its start.
type spooled struct {
	file        *os.File
	size        int64
	contentType string
	head        []byte
}

func (s *spooled) Close() {
	name := s.file.Name()
	_ = s.file.Close()
	_ = os.Remove(name)
}

// fetch streams url into a spool file, failing once the body passes MaxBytes.
func (a *Archiver) fetch(ctx context.Context, url string) (*spooled, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(a.opts.SpoolDir, "media-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	sp := &spooled{file: f, contentType: resp.Header.Get("Content-Type")}

	limit := a.opts.MaxBytes
	n, err := io.Copy(f, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		sp.Close()
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > limit {
		sp.Close()
		return nil, fmt.Errorf("download too large (>%d bytes)", limit)
	}
	sp.size = n

	sp.head = make([]byte, min(n, sniffLen))
	if _, err := f.ReadAt(sp.head, 0); err != nil {
		sp.Close()
		return nil, fmt.Errorf("read spool file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		sp.Close()
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return sp, nil
}

// videoExtension trusts an explicit video/* content type and sniffs the body otherwise.
func videoExtension(contentType string, head []byte) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if !strings.HasPrefix(ct, "video/") {
		ct = http.DetectContentType(head)
	}
	switch {
	case strings.HasPrefix(ct, "video/webm"):
		return ".webm", true
	case strings.HasPrefix(ct, "video/quicktime"):
		return ".mov", true
	case strings.HasPrefix(ct, "video/"):
		return ".mp4", true
	default:
		return "", false
	}
}

func mimeForExtension(ext string) string {
	switch ext {
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	default:
		return "video/mp4"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body io.ReadSeeker, _ int64, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
