package services

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"go.uber.org/zap"

	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

const (
	DefaultAccept        = "image/*,.pdf"
	DefaultMaxUploadSize = 10 * 1024 * 1024

	attachmentKeyPrefix = "chat-attachments/"
)

type UploadTargets interface {
	UploadTarget(ctx context.Context, in gateway.UploadTargetInput) (gateway.UploadTarget, error)
}

// Constraints bound what the uploader accepts. Accept entries are either
// extension literals (".pdf") or media type patterns ("image/*", "application/pdf").
type Constraints struct {
	Accept  []string
	MaxSize int64
}

func DefaultConstraints() Constraints {
	return Constraints{Accept: ParseAccept(DefaultAccept), MaxSize: DefaultMaxUploadSize}
}

// ParseAccept splits an accept attribute such as "image/*, .pdf".
func ParseAccept(accept string) []string {
	var out []string
	for _, part := range strings.Split(accept, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// File is a local file chosen for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

func (f File) Size() int64 { return int64(len(f.Data)) }

type AttachmentUploader struct {
	targets UploadTargets
	rest    *rest.Client
	logger  *zap.Logger

	inFlight atomic.Int32
}

func NewAttachmentUploader(targets UploadTargets, logger *zap.Logger) *AttachmentUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachmentUploader{
		targets: targets,
		rest:    &rest.Client{HTTPClient: &http.Client{Timeout: 2 * time.Minute}},
		logger:  logger,
	}
}

// Uploading reports whether an upload is in progress, so callers can disable
// their upload trigger.
func (u *AttachmentUploader) Uploading() bool {
	return u.inFlight.Load() > 0
}

// Upload validates f against c, stores it and returns a reference readable by
// conversation members. Validation failures never touch the network.
func (u *AttachmentUploader) Upload(ctx context.Context, f File, c Constraints) (models.AttachmentRef, error) {
	contentType, err := Validate(f, c)
	if err != nil {
		return models.AttachmentRef{}, err
	}

	u.inFlight.Add(1)
	defer u.inFlight.Add(-1)

	target, err := u.targets.UploadTarget(ctx, gateway.UploadTargetInput{
		Key:         attachmentKey(f.Name),
		ContentType: contentType,
	})
	if err != nil {
		return models.AttachmentRef{}, &UploadError{Op: "request upload url", Err: err}
	}

	resp, err := u.rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Put,
		BaseURL: target.UploadURL,
		Headers: map[string]string{"Content-Type": contentType},
		Body:    f.Data,
	})
	if err != nil {
		return models.AttachmentRef{}, &UploadError{Op: "put object", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.AttachmentRef{}, &UploadError{
			Op:  "put object",
			Err: fmt.Errorf("storage responded %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	u.logger.Info("Attachment uploaded",
		zap.String("key", target.Key),
		zap.String("contentType", contentType),
		zap.String("size", humanize.IBytes(uint64(f.Size()))))

	return models.AttachmentRef{
		URL:  target.DownloadURL,
		Kind: KindFor(contentType),
		Size: f.Size(),
		Key:  target.Key,
	}, nil
}

// Validate checks size then type and returns the effective content type. A
// file of exactly MaxSize bytes is accepted.
func Validate(f File, c Constraints) (string, error) {
	if c.MaxSize > 0 && f.Size() > c.MaxSize {
		return "", &ValidationError{Op: "upload", Err: fmt.Errorf("%w: %s exceeds the %s limit",
			ErrFileTooLarge, humanize.IBytes(uint64(f.Size())), humanize.IBytes(uint64(c.MaxSize)))}
	}

	contentType := mediaType(f.ContentType)
	if contentType == "" {
		contentType = mediaType(mimetype.Detect(f.Data).String())
	}
	if len(c.Accept) > 0 && !accepted(f.Name, contentType, c.Accept) {
		return "", &ValidationError{Op: "upload", Err: fmt.Errorf("%w: %s (%s)", ErrFileType, f.Name, contentType)}
	}
	return contentType, nil
}

func accepted(name, contentType string, accept []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		if m := mimetype.Lookup(contentType); m != nil {
			ext = m.Extension()
		}
	}
	for _, a := range accept {
		switch {
		case strings.HasPrefix(a, "."):
			if ext == a {
				return true
			}
		case strings.HasSuffix(a, "/*"):
			if strings.HasPrefix(contentType, strings.TrimSuffix(a, "*")) {
				return true
			}
		case a == contentType:
			return true
		}
	}
	return false
}

// KindFor maps a content type to the attachment kind stored on the message.
func KindFor(contentType string) models.AttachmentType {
	if strings.HasPrefix(contentType, "image/") {
		return models.AttachmentImage
	}
	return models.AttachmentPDF
}

func mediaType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func attachmentKey(name string) string {
	base := unsafeKeyChars.ReplaceAllString(path.Base(filepath.ToSlash(name)), "_")
	if base == "" || base == "." || base == "_" {
		base = "file"
	}
	return attachmentKeyPrefix + uuid.NewString() + "-" + base
}
