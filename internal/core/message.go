package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// MaxContentLength bounds message text in characters (runes), not bytes.
const MaxContentLength = 8000

// Priority selects between batched and immediate dispatch.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Attachment references an already uploaded file.
type Attachment struct {
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name" validate:"max=255"`
	Size int64  `json:"size" validate:"gte=0"`
}

// SendRequest is the payload of a send intent.
type SendRequest struct {
	ConversationID int64             `json:"conversation_id" validate:"gt=0"`
	Content        string            `json:"content" validate:"max=8000,required_without=Attachment"`
	Type           store.MessageType `json:"type" validate:"oneof=text image file audio video"`
	ReplyToID      *int64            `json:"reply_to_id,omitempty" validate:"omitempty,gt=0"`
	Attachment     *Attachment       `json:"attachment,omitempty"`
	Priority       Priority          `json:"priority,omitempty" validate:"omitempty,oneof=normal high"`
}

func (r *SendRequest) normalize() {
	r.Content = strings.TrimSpace(r.Content)
	if r.Type == "" {
		r.Type = store.MessageText
	}
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validationError flattens validator output into a ValidationFailed error.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return validationFailed("invalid payload: %v", err)
	}
	fe := fieldErrs[0]
	switch fe.Field() {
	case "Content":
		if fe.Tag() == "required_without" {
			return validationFailed("content or attachment required")
		}
		return validationFailed("content too long")
	case "Type":
		return validationFailed("unknown message type %q", fe.Value())
	default:
		return validationFailed("invalid %s", strings.ToLower(fe.Namespace()))
	}
}
