package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/engine"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/response"
)

type fakeBot struct {
	updates chan tgbotapi.Update
	fileURL string
	sendErr error

	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	actions int
	stopped bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(string) (string, error) {
	if f.fileURL == "" {
		return "", errors.New("no file")
	}
	return f.fileURL, nil
}

func (f *fakeBot) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

// echoHandler replies with the received text split into two chunks.
type echoHandler struct {
	mu   sync.Mutex
	msgs []engine.Message
	errs []error
}

func (h *echoHandler) Handle(ctx context.Context, msg engine.Message, deliver engine.DeliverFunc) (engine.Reply, error) {
	err := deliver(ctx, []response.Chunk{
		{Index: 1, Total: 2, Text: "echo: " + msg.Text + "\n[1/2]"},
		{Index: 2, Total: 2, Text: "done\n[2/2]"},
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	h.errs = append(h.errs, err)
	return engine.Reply{RequestID: "req"}, err
}

func (h *echoHandler) received() []engine.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]engine.Message(nil), h.msgs...)
}

func textMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 123, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 456},
		Text:      text,
	}
}

func runTransport(t *testing.T, tr *Transport) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("transport did not stop")
		}
	}
}

func TestRun_DeliversChunksInOrder(t *testing.T) {
	bot := newFakeBot()
	h := &echoHandler{}
	tr := New(bot, h, Config{}, zerolog.Nop())
	stop := runTransport(t, tr)

	bot.updates <- tgbotapi.Update{Message: textMessage("hello")}
	assert.Eventually(t, func() bool { return len(bot.sentTexts()) == 2 }, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, []string{"echo: hello\n[1/2]", "done\n[2/2]"}, bot.sentTexts())
	for _, m := range bot.sent {
		assert.Equal(t, int64(456), m.ChatID)
		assert.Empty(t, m.ParseMode, "replies are plain text")
	}

	msgs := h.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "123", msgs[0].UserID)
	assert.Equal(t, "456", msgs[0].Metadata["chat_id"])
	assert.Equal(t, "alice", msgs[0].Metadata["username"])
	assert.Equal(t, 1, bot.actions)
	assert.True(t, bot.stopped)
}

func TestRun_SkipsEmptyUpdates(t *testing.T) {
	bot := newFakeBot()
	h := &echoHandler{}
	stop := runTransport(t, New(bot, h, Config{}, zerolog.Nop()))

	bot.updates <- tgbotapi.Update{}
	bot.updates <- tgbotapi.Update{Message: textMessage("")}
	bot.updates <- tgbotapi.Update{Message: textMessage("real")}
	assert.Eventually(t, func() bool { return len(h.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, "real", h.received()[0].Text)
}

func TestRun_SendFailureReachesHandler(t *testing.T) {
	bot := newFakeBot()
	bot.sendErr = errors.New("blocked by user")
	h := &echoHandler{}
	stop := runTransport(t, New(bot, h, Config{}, zerolog.Nop()))

	bot.updates <- tgbotapi.Update{Message: textMessage("hi")}
	assert.Eventually(t, func() bool { return len(h.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Error(t, h.errs[0])
}

func TestToMessage_Document(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("quarterly numbers"))
	}))
	defer srv.Close()

	bot := newFakeBot()
	bot.fileURL = srv.URL + "/file"
	tr := New(bot, &echoHandler{}, Config{}, zerolog.Nop())

	m := textMessage("")
	m.Caption = "summarize"
	m.Document = &tgbotapi.Document{FileID: "f1", FileName: "q3.txt", MimeType: "text/plain", FileSize: 17}

	msg, ok := tr.toMessage(context.Background(), m)
	require.True(t, ok)
	assert.Equal(t, "summarize", msg.Text)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "text/plain", msg.Attachment.Kind)
	assert.Equal(t, "q3.txt", msg.Attachment.Filename)
	assert.Equal(t, "quarterly numbers", string(msg.Attachment.Data))
}

func TestToMessage_DocumentTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	bot := newFakeBot()
	bot.fileURL = srv.URL
	tr := New(bot, &echoHandler{}, Config{MaxDocumentSize: 32}, zerolog.Nop())

	// Declared size is within the limit but the body is not.
	m := textMessage("")
	m.Document = &tgbotapi.Document{FileID: "f1", MimeType: "text/plain", FileSize: 10}

	msg, ok := tr.toMessage(context.Background(), m)
	require.True(t, ok, "the attachment is still passed on so the pipeline can explain")
	require.NotNil(t, msg.Attachment)
	assert.Nil(t, msg.Attachment.Data)
}

func TestToMessage_Voice(t *testing.T) {
	bot := newFakeBot()
	tr := New(bot, &echoHandler{}, Config{}, zerolog.Nop())

	m := textMessage("")
	m.Voice = &tgbotapi.Voice{FileID: "v1", FileSize: 10}

	msg, ok := tr.toMessage(context.Background(), m)
	require.True(t, ok)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "audio/ogg", msg.Attachment.Kind)
}

func TestNew_Defaults(t *testing.T) {
	tr := New(newFakeBot(), &echoHandler{}, Config{}, zerolog.Nop())
	assert.Equal(t, 30*time.Second, tr.config.PollTimeout)
	assert.Equal(t, 8, tr.config.MaxConcurrent)
	assert.Equal(t, int64(1<<20), tr.config.MaxDocumentSize)
}

func TestConnect_RequiresToken(t *testing.T) {
	_, err := Connect("", nil)
	assert.Error(t, err)
}
