package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

var ErrChartNotFound = errors.New("chart not found")

// ChartPath builds the object key of an uploaded chart: users/{uid}/charts/{ms}-{random}.png
func ChartPath(userID string, at time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("users/%s/charts/%d-%s.png", userID, at.UnixMilli(), random)
}

func chartPrefix(userID string) string {
	return "users/" + userID + "/charts/"
}

type GCSService struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

func NewGCSService(ctx context.Context, bucket string) (*GCSService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSService{client: client, bucket: bucket, now: time.Now}, nil
}

func (s *GCSService) Close() error {
	return s.client.Close()
}

// UploadChart stores a chart image and returns its object path.
func (s *GCSService) UploadChart(ctx context.Context, userID string, content []byte, contentType string) (string, error) {
	path := ChartPath(userID, s.now())
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{"user_id": userID}
	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func (s *GCSService) DownloadChart(ctx context.Context, path string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrChartNotFound
		}
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *GCSService) DeleteChart(ctx context.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCSService) ListCharts(ctx context.Context, userID string) ([]string, error) {
	var paths []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: chartPrefix(userID)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		paths = append(paths, attrs.Name)
	}
	return paths, nil
}
