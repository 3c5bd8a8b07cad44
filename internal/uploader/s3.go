package uploader

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/config"
	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/util"
)

// objectAPI is the slice of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// streamAPI uploads bodies of unknown length in parts.
type streamAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ObjectStore uploads to an S3-compatible bucket. Both Backblaze B2 and
// Cloudflare R2 speak the same protocol; only the endpoint differs.
type ObjectStore struct {
	client    objectAPI
	uploader  streamAPI
	http      *http.Client
	bucket    string
	publicURL string
	name      string
}

// NewObjectStore builds a store against the target's endpoint with static
// credentials.
func NewObjectStore(ctx context.Context, target config.S3Target, name string) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(target.KeyID, target.AppKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(target.Endpoint)
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		http: &http.Client{
			Transport: util.SafeTransport(10 * time.Minute),
		},
		bucket:    target.Bucket,
		publicURL: strings.TrimRight(target.PublicURL, "/"),
		name:      name,
	}, nil
}

func (o *ObjectStore) Name() string { return o.name }

// EnsureCollection maps a collection to an object-key prefix; buckets have
// no collection API, so nothing is created remotely.
func (o *ObjectStore) EnsureCollection(_ context.Context, name string) (models.Collection, error) {
	return models.Collection{Name: name, ID: util.FolderName(name)}, nil
}

// Exists probes the keys an upload of this title would have produced.
func (o *ObjectStore) Exists(ctx context.Context, collection models.Collection, title string) (string, bool, error) {
	for _, key := range []string{
		o.playlistKey(collection, title),
		o.fileKey(collection, title),
	} {
		ok, err := o.headObject(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return o.publicRef(key), true, nil
		}
	}
	return "", false, nil
}

// Upload pushes an HLS directory, a single local file, or a remote URL
// streamed straight into the bucket, plus the thumbnail when one rides
// along. The reference is the public playlist or file URL.
func (o *ObjectStore) Upload(ctx context.Context, collection models.Collection, title string, payload Payload) (string, error) {
	switch {
	case payload.HLSDir != "":
		prefix := o.dirPrefix(collection, title)
		if err := o.PutDirectory(ctx, payload.HLSDir, prefix); err != nil {
			return "", err
		}
		if payload.ThumbnailPath != "" {
			if err := o.PutFile(ctx, payload.ThumbnailPath, prefix+"/thumbnail.jpg"); err != nil {
				util.Warnf("thumbnail upload failed: %v", err)
			}
		}
		return o.publicRef(prefix + "/playlist.m3u8"), nil

	case payload.FilePath != "":
		key := o.fileKey(collection, title)
		if err := o.PutFile(ctx, payload.FilePath, key); err != nil {
			return "", err
		}
		return o.publicRef(key), nil

	case payload.SourceURL != "":
		key := o.fileKey(collection, title)
		if err := o.streamFromURL(ctx, payload.SourceURL, payload.SourceHeaders, key); err != nil {
			return "", err
		}
		return o.publicRef(key), nil

	default:
		return "", errors.New("payload has neither a file nor an HLS directory")
	}
}

// PutFile uploads one local file to key.
func (o *ObjectStore) PutFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", localPath)
	}
	defer func() { _ = file.Close() }()

	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(ContentTypeForKey(key)),
	})
	if err != nil {
		return errors.Wrapf(err, "putting %s", key)
	}
	util.Debugf("uploaded %s", key)
	return nil
}

// streamFromURL pipes a remote response body straight into the bucket
// without staging it on disk.
func (o *ObjectStore) streamFromURL(ctx context.Context, sourceURL string, headers map[string]string, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return errors.Wrap(err, "building source request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetching source")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("source returned %s", resp.Status)
	}
	return o.PutStream(ctx, resp.Body, key)
}

// PutStream uploads a reader of unknown length through the multipart
// manager, used when piping remote data straight into the bucket.
func (o *ObjectStore) PutStream(ctx context.Context, body io.Reader, key string) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(ContentTypeForKey(key)),
	})
	if err != nil {
		return errors.Wrapf(err, "streaming %s", key)
	}
	return nil
}

// PutDirectory walks localDir and uploads every regular file under the
// given key prefix, preserving relative paths.
func (o *ObjectStore) PutDirectory(ctx context.Context, localDir, prefix string) error {
	return filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := prefix + "/" + filepath.ToSlash(rel)
		return o.PutFile(ctx, path, key)
	})
}

// Delete removes one object. Used to back out partial HLS uploads.
func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	return nil
}

func (o *ObjectStore) headObject(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "probing %s", key)
	}
	return true, nil
}

func (o *ObjectStore) dirPrefix(collection models.Collection, title string) string {
	return collection.ID + "/" + util.FolderName(title)
}

func (o *ObjectStore) fileKey(collection models.Collection, title string) string {
	return collection.ID + "/" + util.SafeKey(title) + ".mp4"
}

func (o *ObjectStore) playlistKey(collection models.Collection, title string) string {
	return o.dirPrefix(collection, title) + "/playlist.m3u8"
}

func (o *ObjectStore) publicRef(key string) string {
	if o.publicURL == "" {
		return key
	}
	return o.publicURL + "/" + key
}

// ContentTypeForKey maps the file extension to the content type the HLS
// player expects.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
