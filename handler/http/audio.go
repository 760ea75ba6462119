package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"scribed/src/storage/minioctrl"
)

type AudioHandler struct {
	minioService *minioctrl.MinioService
	bucketName   string
	maxSizeMB    int64
	allowedExts  map[string]struct{}
}

func NewAudioHandler(minioService *minioctrl.MinioService, bucketName string, maxSizeMB int64, allowedExtensions []string) (*AudioHandler, error) {
	err := minioService.EnsureBucketExists(context.Background(), bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %v", err)
	}

	exts := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		exts[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))] = struct{}{}
	}

	return &AudioHandler{
		minioService: minioService,
		bucketName:   bucketName,
		maxSizeMB:    maxSizeMB,
		allowedExts:  exts,
	}, nil
}

// Upload stores an audio file under a randomized object name.
func (h *AudioHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	defer file.Close()

	if header.Size > h.maxSizeMB*1024*1024 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File size exceeds %dMB limit", h.maxSizeMB)})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File must be an audio file"})
		return
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	if _, ok := h.allowedExts[ext]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported audio format: ." + ext})
		return
	}

	objectName := randomObjectName(header.Filename)

	fileBytes, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return
	}

	err = h.minioService.PutObject(c.Request.Context(), h.bucketName, objectName, contentType, fileBytes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"filename": objectName,
	})
}

type PresignRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}

// Presign issues a time-limited URL a client can PUT audio to directly.
func (h *AudioHandler) Presign(c *gin.Context) {
	var req PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if _, ok := h.allowedExts[ext]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported audio format: ." + ext})
		return
	}

	objectName := randomObjectName(req.Filename)
	url, err := h.minioService.PresignedPutURL(c.Request.Context(), h.bucketName, objectName, time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate upload URL"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"filename":   objectName,
		"upload_url": url,
	})
}

// randomObjectName keeps the original extension but randomizes the
// name so concurrent uploads of the same file cannot collide.
func randomObjectName(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	return fmt.Sprintf("%s_%s%s", base, uuid.New().String(), ext)
}
