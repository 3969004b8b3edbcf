package notification

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const minFCMTokenLen = 130

var (
	expoTokenPattern = regexp.MustCompile(`^Exponent(Push)?Token\[[A-Za-z0-9_-]+\]$`)
	fcmTokenPattern  = regexp.MustCompile(`^[A-Za-z0-9_:.-]+$`)
)

// ValidPushToken reports whether token looks like an Expo or FCM device token.
func ValidPushToken(token string) bool {
	token = strings.TrimSpace(token)
	if expoTokenPattern.MatchString(token) {
		return true
	}
	return len(token) >= minFCMTokenLen && fcmTokenPattern.MatchString(token)
}

// Registrar hands a user's device token to the push delivery system.
type Registrar interface {
	Register(ctx context.Context, userID, token string) error
}

// LoggerRegistrar is a stub Registrar that records registrations in the log.
type LoggerRegistrar struct {
	logger *slog.Logger
}

// NewLoggerRegistrar constructs a logging registrar stub.
func NewLoggerRegistrar(logger *slog.Logger) *LoggerRegistrar {
	return &LoggerRegistrar{logger: logger}
}

// Register writes the registration to the structured logger. The token
// itself is redacted by the logging handler.
func (n *LoggerRegistrar) Register(_ context.Context, userID, token string) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("push token registered", "user_id", userID, "push_token", token)
	return nil
}
