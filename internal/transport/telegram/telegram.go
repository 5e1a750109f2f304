// Package telegram adapts the conversation pipeline to the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/engine"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/response"
)

// MaxMessageChars is Telegram's per-message text limit.
const MaxMessageChars = 4096

// BotAPI is the part of *tgbotapi.BotAPI the transport uses.
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

var _ BotAPI = (*tgbotapi.BotAPI)(nil)

// Handler processes one inbound message and delivers its reply.
type Handler interface {
	Handle(ctx context.Context, msg engine.Message, deliver engine.DeliverFunc) (engine.Reply, error)
}

// Config tunes the transport.
type Config struct {
	PollTimeout     time.Duration
	MaxConcurrent   int   // in-flight messages (default: 8)
	MaxDocumentSize int64 // bytes (default: 1 MiB)
}

// Transport polls Telegram for updates and runs each message through a
// Handler.
type Transport struct {
	bot     BotAPI
	handler Handler
	config  Config
	client  *http.Client
	logger  zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// Connect authorizes token against the Bot API.
func Connect(token string, client *http.Client) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	return bot, nil
}

// New builds a transport around bot.
func New(bot BotAPI, handler Handler, cfg Config, logger zerolog.Logger) *Transport {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = 1 << 20
	}
	return &Transport{
		bot:     bot,
		handler: handler,
		config:  cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "telegram").Logger(),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run polls until ctx is done, then waits for in-flight messages.
func (t *Transport) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(t.config.PollTimeout / time.Second)
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info().Msg("polling started")

	defer func() {
		t.bot.StopReceivingUpdates()
		t.wg.Wait()
		t.logger.Info().Msg("polling stopped")
	}()

	// In-flight messages finish under their own deadline after shutdown
	// begins, so a reply is not cut off mid-send.
	msgCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
				continue
			}
			select {
			case t.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			t.wg.Add(1)
			go func(m *tgbotapi.Message) {
				defer func() {
					<-t.sem
					t.wg.Done()
				}()
				t.handleMessage(msgCtx, m)
			}(update.Message)
		}
	}
}

func (t *Transport) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	msg, ok := t.toMessage(ctx, m)
	if !ok {
		return
	}
	log := t.logger.With().Str("user_id", msg.UserID).Int("message_id", m.MessageID).Logger()

	// Typing indicator; best effort.
	if _, err := t.bot.Request(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		log.Debug().Err(err).Msg("chat action failed")
	}

	reply, err := t.handler.Handle(ctx, msg, t.deliverTo(m.Chat.ID))
	if err != nil {
		log.Warn().Err(err).Str("request_id", reply.RequestID).Msg("reply not delivered")
	}
}

// toMessage maps a Telegram message to a pipeline message. ok is false when
// there is nothing to answer.
func (t *Transport) toMessage(ctx context.Context, m *tgbotapi.Message) (engine.Message, bool) {
	msg := engine.Message{
		UserID: strconv.FormatInt(m.From.ID, 10),
		Text:   m.Text,
		Metadata: map[string]string{
			"channel":    "telegram",
			"chat_id":    strconv.FormatInt(m.Chat.ID, 10),
			"message_id": strconv.Itoa(m.MessageID),
		},
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.From.UserName != "" {
		msg.Metadata["username"] = m.From.UserName
	}

	var fileID, kind, name string
	var size int
	switch {
	case m.Document != nil:
		fileID, kind, name, size = m.Document.FileID, m.Document.MimeType, m.Document.FileName, m.Document.FileSize
	case m.Voice != nil:
		fileID, kind, size = m.Voice.FileID, m.Voice.MimeType, m.Voice.FileSize
		if kind == "" {
			kind = "audio/ogg"
		}
	}

	if fileID != "" {
		att := &engine.Attachment{Kind: kind, Filename: name}
		if int64(size) > t.config.MaxDocumentSize {
			t.logger.Warn().Int("size", size).Str("kind", kind).Msg("attachment too large, not downloaded")
		} else if data, err := t.download(ctx, fileID); err != nil {
			t.logger.Warn().Err(err).Str("kind", kind).Msg("attachment download failed")
		} else {
			att.Data = data
			if att.Kind == "" {
				att.Kind = http.DetectContentType(data)
			}
		}
		msg.Attachment = att
	}

	if msg.Text == "" && msg.Attachment == nil {
		return msg, false
	}
	return msg, true
}

var errFileTooLarge = errors.New("telegram file exceeds size limit")

func (t *Transport) download(ctx context.Context, fileID string) ([]byte, error) {
	link, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}
	if int64(len(data)) > t.config.MaxDocumentSize {
		return nil, errFileTooLarge
	}
	return data, nil
}

// deliverTo sends chunks in order as plain text. Chunks already fit the
// message limit, so no further splitting happens here.
func (t *Transport) deliverTo(chatID int64) engine.DeliverFunc {
	return func(ctx context.Context, chunks []response.Chunk) error {
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := tgbotapi.NewMessage(chatID, c.Text)
			out.DisableWebPagePreview = true
			if _, err := t.bot.Send(out); err != nil {
				return fmt.Errorf("telegram: send chunk %d/%d: %w", c.Index, c.Total, err)
			}
		}
		return nil
	}
}
