package eventpipe

import (
	"github.com/google/uuid"
)

// newEventID 生成事件唯一ID
func newEventID() string {
	return uuid.NewString()
}

// newSubscriptionID 生成订阅唯一ID
func newSubscriptionID() string {
	return uuid.NewString()
}

// validateStreamID 验证流ID
func validateStreamID(id string) error {
	if id == "" {
		return newValidationError("stream_id", "cannot be empty")
	}

	if len(id) > 255 {
		return newValidationError("stream_id", "too long (max 255 characters)")
	}

	return nil
}

// alertStreamID 返回某实体的告警流ID
func alertStreamID(origin string) string {
	if origin == "" {
		return "alerts.global"
	}
	return "alerts." + origin
}
