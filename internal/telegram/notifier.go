package telegram

import (
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/strategy"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts backtest outcomes to a Telegram chat. A disabled or nil
// Notifier drops every message.
type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg config.TelegramConfig, log *logger.Logger) *Notifier {
	if !cfg.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifyBacktestFinished(s *strategy.Strategy, revisionIndex int, results *strategy.BacktestResults) {
	if results == nil {
		return
	}
	name := html.EscapeString(s.Name)

	if results.ErrorMessage != nil {
		n.send(fmt.Sprintf("🔴 <b>Backtest failed</b> %s #%d (rev %d)\n<pre>%s</pre>",
			name, s.ID, revisionIndex, html.EscapeString(truncate(*results.ErrorMessage, 500))))
		return
	}
	if results.Metrics == nil {
		return
	}

	m := results.Metrics
	emoji := "🟢"
	if m.TotalReturn < 0 {
		emoji = "🟠"
	}
	n.send(fmt.Sprintf("%s <b>Backtest completed</b> %s #%d (rev %d)\nReturn: %.2f%%\nSharpe: %.2f\nMax DD: %.2f%%\nWin rate: %.2f%%\nTrades: %d",
		emoji, name, s.ID, revisionIndex, m.TotalReturn, m.SharpeRatio, m.MaxDrawdown, m.WinRate, m.TotalTrades))
}

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("⚠️ <b>Error</b> [%s]\n%s", html.EscapeString(context), html.EscapeString(err.Error())))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(html.EscapeString(message))
}

func (n *Notifier) send(text string) {
	if n == nil || !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
