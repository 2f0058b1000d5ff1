package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Uploader posts captured images to the coordinator's upload endpoint.
type Uploader struct {
	uploadURL string
	client    *http.Client
	logger    *zap.Logger
}

func NewUploader(uploadURL string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		uploadURL: uploadURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Upload sends one capture as multipart form data. The coordinator rejects
// artifacts it cannot decode; that comes back as a plain error here.
func (u *Uploader) Upload(ctx context.Context, deviceID, filename string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("device_id", deviceID); err != nil {
		return fmt.Errorf("write device_id field: %w", err)
	}
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write image part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, &body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("post upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, detail)
	}

	u.logger.Info("capture uploaded",
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
	)
	return nil
}
