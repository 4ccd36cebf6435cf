package worker

import (
	"bytes"
	"context"
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

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
	"music-enrichment-pipeline/internal/store"
)

type artworkUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ArtworkHandler processes artwork-fetch jobs: download the cover art an
// enrichment reported, shrink it to a thumbnail, and store it locally or
// in S3. The stored location is written back onto the entity record so
// search results can serve the mirrored image instead of hotlinking the
// provider.
type ArtworkHandler struct {
	cfg        config.Config
	store      *store.Store
	httpClient *http.Client
	local      artworkUploader
	s3         artworkUploader
}

// NewArtworkHandler constructs the handler and chooses an uploader (local or S3).
func NewArtworkHandler(ctx context.Context, cfg config.Config, st *store.Store) (*ArtworkHandler, error) {
	timeout := cfg.ArtworkDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ArtworkOutputDir
	if baseDir == "" {
		baseDir = "./artwork"
	}

	var s3Upload artworkUploader
	if cfg.ArtworkS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtworkS3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		s3Upload = &s3Uploader{client: s3.NewFromConfig(awsCfg), bucket: cfg.ArtworkS3Bucket}
	}

	return &ArtworkHandler{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

// Handle downloads, resizes, and stores one piece of cover art.
func (h *ArtworkHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	sourceURL, _ := job.Payload["source_url"].(string)
	entityType, _ := job.Payload["entity_type"].(string)
	entityID, _ := job.Payload["entity_id"].(string)
	if sourceURL == "" || entityType == "" || entityID == "" {
		return nil, providers.Malformed("artwork job requires source_url, entity_type and entity_id")
	}
	outputKey, _ := job.Payload["output_key"].(string)
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s/%s.png", entityType, entityID)
	}
	outputKey = sanitizeKey(outputKey)

	data, err := h.download(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode artwork: %w", err)
	}

	width := h.cfg.ArtworkThumbWidth
	if width == 0 {
		width = 300
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	uploader := h.local
	if h.s3 != nil {
		uploader = h.s3
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), "image/png")
	if err != nil {
		return nil, fmt.Errorf("store thumbnail: %w", err)
	}

	if record, err := h.store.GetRecord(ctx, entityType, entityID); err == nil {
		record.ImageURL = location
		if err := h.store.UpsertRecord(ctx, record); err != nil {
			return nil, fmt.Errorf("write back artwork location: %w", err)
		}
	}

	return map[string]any{"location": location, "width": width}, nil
}

func (h *ArtworkHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, providers.Malformed(fmt.Sprintf("build artwork request: %v", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, providers.Unavailable("download artwork", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, providers.NotFound("artwork gone at source")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, providers.Unavailable(fmt.Sprintf("artwork source returned %d", resp.StatusCode), nil)
	}

	limit := h.cfg.ArtworkMaxBytes
	if limit == 0 {
		limit = 5 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read artwork: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, providers.Malformed(fmt.Sprintf("artwork too large (>%d bytes)", limit))
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
