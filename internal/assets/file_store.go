package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAssetSaveFailed - ошибка при сохранении файла.
var ErrAssetSaveFailed = errors.New("asset save failed")

// FileStore writes assets under a directory served at a public base URL.
type FileStore struct {
	savePath string
	baseURL  string
	logger   *zap.Logger
}

var _ interfaces.AssetStore = (*FileStore)(nil)

func NewFileStore(savePath, baseURL string, logger *zap.Logger) (*FileStore, error) {
	if savePath == "" {
		return nil, errors.New("asset save path is not configured")
	}
	if baseURL == "" {
		return nil, errors.New("asset public base URL is not configured")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse asset base URL: %w", err)
	}
	for _, kind := range []models.AssetKind{models.AssetImage, models.AssetAudio} {
		if err := os.MkdirAll(filepath.Join(savePath, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("create asset directory: %w", err)
		}
	}
	return &FileStore{
		savePath: savePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger.Named("AssetFileStore"),
	}, nil
}

// Put stores data once and returns its public URL. No retries.
func (s *FileStore) Put(_ context.Context, kind models.AssetKind, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrAssetSaveFailed)
	}
	if kind != models.AssetImage && kind != models.AssetAudio {
		return "", fmt.Errorf("%w: unknown asset kind %q", ErrAssetSaveFailed, kind)
	}

	name := uuid.NewString() + extensionFor(data)
	path := filepath.Join(s.savePath, string(kind), name)

	// Пишем во временный файл и переименовываем, чтобы не отдавать недописанный.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("Failed to write asset", zap.String("path", tmp), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAssetSaveFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrAssetSaveFailed, err)
	}

	assetURL := fmt.Sprintf("%s/%s/%s", s.baseURL, kind, name)
	s.logger.Info("Asset stored", zap.String("kind", string(kind)), zap.Int("sizeBytes", len(data)), zap.String("url", assetURL))
	return assetURL, nil
}

// Dir is the root directory, served by the HTTP layer.
func (s *FileStore) Dir() string { return s.savePath }

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wave":
		return ".wav"
	case "application/ogg":
		return ".ogg"
	}
	if bytes.HasPrefix(data, []byte("ID3")) {
		return ".mp3"
	}
	return ".bin"
}
