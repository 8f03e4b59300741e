package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

// Config configures the Telegram outbound adapter.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot-api servers).
	APIURL string
	// RequestTimeout bounds a single Bot API HTTP call.
	RequestTimeout time.Duration
}

// Adapter delivers text through the Telegram Bot API. It never polls for
// updates: the bot is created offline and only used for sendMessage.
type Adapter struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	client *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	client := &http.Client{Timeout: cfg.RequestTimeout}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Offline: true,
		Client:  client,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b, client: client}, nil
}

// Close drops idle Bot API connections. In-flight sends are unaffected.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// SendText delivers text as a single message. Callers split long bodies
// and pace the parts themselves.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.send(ctx, &tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if msg != nil {
		ref.MessageID = msg.ID
	}
	return ref, nil
}

// send runs bot.Send so that a cancelled ctx releases the caller even though
// telebot's API is not context aware. The HTTP client timeout bounds the call itself.
func (a *Adapter) send(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := a.bot.Send(chat, text, opt)
		done <- result{msg: m, err: err}
	}()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
}

// classify wraps recipient-level Bot API rejections with kit.ErrPermanent.
// Flood control and network errors stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return err
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return fmt.Errorf("%w: %w", kit.ErrPermanent, err)
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %w", kit.ErrPermanent, err)
	}
	return err
}
