package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/services"
)

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		validation *services.ValidationError
		notFound   *services.NotFoundError
		fetch      *services.FetchError
		send       *services.SendError
		upload     *services.UploadError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case gateway.IsUnauthorized(err):
		return http.StatusForbidden
	case errors.Is(err, services.ErrViewClosed), errors.Is(err, services.ErrSuperseded):
		return http.StatusConflict
	case errors.As(err, &fetch), errors.As(err, &send), errors.As(err, &upload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// respondBindError reports which fields failed the binding tags.
func respondBindError(c *gin.Context, err error) {
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		msgs := make([]string, 0, len(fields))
		for _, f := range fields {
			msgs = append(msgs, f.Field()+" failed "+f.Tag())
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + strings.Join(msgs, ", ")})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to parse request body"})
}
