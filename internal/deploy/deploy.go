// Package deploy publishes a production build to an S3-compatible bucket.
package deploy

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/kiln-dev/kiln/internal/build"
	"github.com/kiln-dev/kiln/internal/config"
	"github.com/kiln-dev/kiln/internal/errors"
	"github.com/kiln-dev/kiln/internal/static"
)

// S3API is the subset of the S3 client the uploader needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// Object is one file to upload.
type Object struct {
	// Path is the file on disk.
	Path string

	// Key is the object key in the bucket.
	Key string

	ContentType  string
	CacheControl string
	Size         int64
}

// Options configures an Uploader.
type Options struct {
	Bucket string
	Prefix string

	// Concurrency bounds parallel uploads (default 8).
	Concurrency int

	// DryRun plans the upload without calling the bucket.
	DryRun bool

	// OnUpload is called after each object is uploaded.
	OnUpload func(obj Object)

	Logger *slog.Logger
}

// Result summarizes an upload.
type Result struct {
	Objects []Object
	Bytes   int64
}

// Uploader copies a build directory into a bucket.
type Uploader struct {
	client S3API
	opts   Options
	logger *slog.Logger
}

// NewUploader creates an uploader.
func NewUploader(client S3API, opts Options) *Uploader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "deploy")
	}
	return &Uploader{client: client, opts: opts, logger: logger}
}

// Upload uploads every file below dir. Precompressed siblings are skipped;
// the bucket serves the originals. Uploads stop at the first failure, which
// is reported as E170.
func (u *Uploader) Upload(ctx context.Context, dir string) (*Result, error) {
	if u.opts.Bucket == "" {
		return nil, errors.New("E170").
			WithDetail("no bucket configured").
			WithSuggestion("Set deploy.bucket in kiln.json or pass --bucket")
	}

	objects, err := Plan(dir, u.opts.Prefix)
	if err != nil {
		return nil, errors.New("E170").WithDetail("cannot read " + dir).Wrap(err)
	}

	result := &Result{Objects: objects}
	for _, obj := range objects {
		result.Bytes += obj.Size
	}
	if u.opts.DryRun {
		return result, nil
	}

	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)
	for _, obj := range objects {
		g.Go(func() error {
			if err := u.put(gctx, obj); err != nil {
				return err
			}
			uploaded.Add(1)
			if u.opts.OnUpload != nil {
				u.opts.OnUpload(obj)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.New("E170").WithDetail("upload to " + u.opts.Bucket + " failed").Wrap(err)
	}

	u.logger.Info("deployed", "bucket", u.opts.Bucket, "objects", uploaded.Load(), "bytes", result.Bytes)
	return result, nil
}

func (u *Uploader) put(ctx context.Context, obj Object) error {
	f, err := os.Open(obj.Path)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "open object"), "path", obj.Path)
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.opts.Bucket),
		Key:           aws.String(obj.Key),
		Body:          f,
		ContentLength: aws.Int64(obj.Size),
		ContentType:   aws.String(obj.ContentType),
		CacheControl:  aws.String(obj.CacheControl),
	})
	if err != nil {
		return zerr.With(zerr.Wrap(err, "put object"), "key", obj.Key)
	}
	u.logger.Debug("uploaded", "key", obj.Key, "size", obj.Size)
	return nil
}

// Plan lists the objects an upload of dir would create, sorted by key.
func Plan(dir, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || build.IsPrecompressed(p) {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		objects = append(objects, Object{
			Path:         p,
			Key:          objectKey(prefix, rel),
			ContentType:  static.MimeType(rel, "application/octet-stream"),
			CacheControl: cacheControl(rel),
			Size:         info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func objectKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

// cacheControl picks the Cache-Control header for a build file.
func cacheControl(rel string) string {
	switch {
	case isFingerprinted(rel):
		return "public, max-age=31536000, immutable"
	case strings.HasSuffix(rel, ".html"), rel == build.ManifestName:
		return "no-cache"
	default:
		return "public, max-age=3600, must-revalidate"
	}
}

// isFingerprinted reports whether a file name carries a content hash, e.g.
// "chunk.a1b2c3d4.js".
func isFingerprinted(name string) bool {
	parts := strings.Split(path.Base(name), ".")
	if len(parts) < 3 {
		return false
	}

	hash := parts[len(parts)-2]
	if len(hash) < 8 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// NewClient creates an S3 client for cfg. Credentials, and the region when
// cfg leaves it empty, come from the default AWS chain: environment,
// shared config and credentials files, SSO, then instance roles.
func NewClient(ctx context.Context, cfg config.DeployConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New("E170").
			WithDetail("cannot load AWS configuration").
			WithSuggestion("Check AWS_PROFILE and ~/.aws/config").
			Wrap(err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
