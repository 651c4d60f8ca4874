package routes

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UploadStore is the object storage used with the Postgres backend: upload
// targets point at PUT /uploads/<key> and attachments are read back from
// GET /uploads/<key>.
type UploadStore struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

func NewUploadStore(dir string, maxBytes int64, logger *zap.Logger) *UploadStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadStore{dir: dir, maxBytes: maxBytes, logger: logger}
}

func SetupUploadRoutes(r *gin.Engine, store *UploadStore) {
	r.PUT("/uploads/*key", store.Put)
	r.GET("/uploads/*key", store.Get)
}

// filePath confines key to the store directory.
func (s *UploadStore) filePath(key string) (string, bool) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" {
		return "", false
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), true
}

func (s *UploadStore) Put(c *gin.Context) {
	dst, ok := s.filePath(c.Param("key"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing object key"})
		return
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.logger.Error("Error creating upload folder", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create folder"})
		return
	}

	body := c.Request.Body
	if s.maxBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, s.maxBytes)
	}
	f, err := os.Create(dst)
	if err != nil {
		s.logger.Error("Error creating file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create file"})
		return
	}
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds " + humanize.IBytes(uint64(s.maxBytes))})
			return
		}
		s.logger.Error("Error copying file data", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to copy file data"})
		return
	}

	s.logger.Info("Object stored",
		zap.String("key", c.Param("key")),
		zap.String("size", humanize.IBytes(uint64(n))))
	c.Status(http.StatusOK)
}

func (s *UploadStore) Get(c *gin.Context) {
	src, ok := s.filePath(c.Param("key"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing object key"})
		return
	}
	mtype, err := mimetype.DetectFile(src)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Object not found"})
		return
	}
	if err != nil {
		s.logger.Error("Error reading object", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not read object"})
		return
	}
	c.Header("Content-Type", mtype.String())
	c.File(src)
}
