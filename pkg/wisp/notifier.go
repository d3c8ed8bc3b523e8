package wisp

import (
	"fmt"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	logger.Debug("Created toast notifier instance")

	return &ToastNotifier{logger: logger}, nil
}

// Notify sends a desktop notification with the wisp icon
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(fmt.Sprintf("wisp: %s", title), message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
