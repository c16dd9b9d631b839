package notify

import (
	"context"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Config configures the Slack notifier.
type Config struct {
	Enabled       bool
	BotToken      string
	Channel       string
	MessagePrefix string
	// APIURL overrides the Slack API endpoint; tests point it at a local
	// server. Must end with a slash.
	APIURL string
}

// Notifier posts captured frames and their captions to a Slack channel.
// Delivery is best effort; a Slack outage never affects ingestion.
type Notifier struct {
	cfg    Config
	api    *slack.Client
	logger *zap.Logger
}

// New constructs a Notifier; nil means notifications are disabled.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if !cfg.Enabled {
		return nil
	}
	if cfg.MessagePrefix == "" {
		cfg.MessagePrefix = "Edge capture"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Notifier{cfg: cfg, api: slack.New(cfg.BotToken, opts...), logger: logger}
}

// SendImage posts the image at path with an optional caption.
func (n *Notifier) SendImage(ctx context.Context, path, caption string) {
	if n == nil {
		return
	}
	text := n.cfg.MessagePrefix
	if caption != "" {
		text = text + ": " + caption
	}

	info, err := os.Stat(path)
	if err != nil {
		n.logger.Warn("slack upload skipped, image missing",
			zap.String("path", path), zap.Error(err))
		return
	}

	if _, _, err := n.api.PostMessageContext(ctx, n.cfg.Channel,
		slack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("slack message failed", zap.Error(err))
	}

	title := caption
	if title == "" {
		title = n.cfg.MessagePrefix
	}
	_, err = n.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:        n.cfg.Channel,
		File:           path,
		Filename:       filepath.Base(path),
		FileSize:       int(info.Size()),
		Title:          title,
		InitialComment: text,
	})
	if err != nil {
		n.logger.Warn("slack file upload failed", zap.Error(err))
	}
}
