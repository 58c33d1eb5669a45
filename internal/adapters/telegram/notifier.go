package telegram

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/internal/adapters/config"
	"github.com/selivandex/coin-resolver/pkg/cache"
	"github.com/selivandex/coin-resolver/pkg/logger"
)

const (
	queueSize   = 64
	banDedupTTL = time.Hour
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends operator alerts to one admin chat. Sends happen on a
// background goroutine so resolver and pricing hooks never block on Telegram.
type Notifier struct {
	api       sender
	chatID    int64
	templates *TemplateManager
	clock     clock.Clock
	recent    *cache.TTL[string, struct{}]

	queue     chan string
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNotifier creates new Telegram notifier
func NewNotifier(cfg *config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	bot.Debug = false

	tm, err := NewTemplateManager()
	if err != nil {
		return nil, err
	}

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
		zap.Int64("chat_id", cfg.ChatID),
	)

	return newNotifier(bot, cfg.ChatID, tm, clock.New()), nil
}

func newNotifier(api sender, chatID int64, tm *TemplateManager, clk clock.Clock) *Notifier {
	n := &Notifier{
		api:       api,
		chatID:    chatID,
		templates: tm,
		clock:     clk,
		recent:    cache.NewTTL[string, struct{}](1000, banDedupTTL, clk),
		queue:     make(chan string, queueSize),
	}

	n.wg.Add(1)
	go n.sendLoop()
	return n
}

// BreakerChanged alerts on circuit breaker transitions.
func (n *Notifier) BreakerChanged(state, reason string, cooldown time.Duration) {
	data := map[string]interface{}{
		"State":  state,
		"Reason": reason,
		"Until":  "",
	}
	if state == "cooldown" && cooldown > 0 {
		data["Until"] = n.clock.Now().Add(cooldown).UTC().Format("15:04:05 MST")
	}
	n.render("circuit_breaker.tmpl", data)
}

// TickerBanned alerts once per ticker per hour on rule-triggered bans.
func (n *Notifier) TickerBanned(ticker, canonicalID, rule string) {
	if _, seen := n.recent.Get("ban:" + ticker); seen {
		return
	}
	n.recent.Set("ban:"+ticker, struct{}{})

	n.render("ticker_banned.tmpl", map[string]interface{}{
		"Ticker":      ticker,
		"CanonicalID": canonicalID,
		"Rule":        rule,
	})
}

// ErrorAlert reports a failed background job.
func (n *Notifier) ErrorAlert(component string, err error) {
	n.render("error_alert.tmpl", map[string]interface{}{
		"Component": component,
		"ErrorMsg":  err.Error(),
	})
}

func (n *Notifier) render(name string, data interface{}) {
	msg, err := n.templates.ExecuteTemplate(name, data)
	if err != nil {
		logger.Error("failed to render telegram alert", zap.String("template", name), zap.Error(err))
		return
	}

	select {
	case n.queue <- msg:
	default:
		logger.Warn("telegram alert queue full, dropping alert", zap.String("template", name))
	}
}

func (n *Notifier) sendLoop() {
	defer n.wg.Done()
	for text := range n.queue {
		_ = n.sendMessageMarkdown(text)
	}
}

func (n *Notifier) sendMessageMarkdown(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", n.chatID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Close drains queued alerts and stops the sender.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.queue)
	})
	n.wg.Wait()
}
