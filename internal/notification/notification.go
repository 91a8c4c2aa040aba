package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yazbekw/mon/internal/binance"
	"github.com/yazbekw/mon/internal/position"
)

// telegramMessageLimit is Telegram's hard cap on message length.
const telegramMessageLimit = 4096

// Sender delivers one rendered message to a chat transport.
type Sender interface {
	Send(text string) error
	Name() string
	IsEnabled() bool
}

// Notifier queues rendered messages and delivers them from a single
// dispatcher goroutine. Enqueueing never blocks the caller: when the
// queue is full the oldest message is dropped to make room. Delivery
// failures are retried a fixed number of times and then the message is
// dropped with a log line; notification loss never affects trading.
type Notifier struct {
	sender   Sender
	queue    chan string
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewNotifier creates a notifier around a transport.
func NewNotifier(sender Sender, queueSize, attempts int, backoff time.Duration, logger zerolog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 100
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Notifier{
		sender:   sender,
		queue:    make(chan string, queueSize),
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (n *Notifier) Start() {
	n.startOnce.Do(func() {
		n.wg.Add(1)
		go n.dispatch()
	})
}

// Stop ends the dispatcher after the queue drains or the grace period
// elapses, whichever comes first.
func (n *Notifier) Stop(grace time.Duration) {
	n.stopOnce.Do(func() {
		close(n.done)
		finished := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(grace):
			n.logger.Warn().Int("pending", len(n.queue)).Msg("notifier stopped with undelivered messages")
		}
	})
}

// Enqueue queues a message without blocking. On a full queue the oldest
// message is discarded.
func (n *Notifier) Enqueue(text string) {
	text = Truncate(text)
	select {
	case n.queue <- text:
		return
	default:
	}
	select {
	case <-n.queue:
		n.logger.Warn().Msg("notification queue full, dropped oldest message")
	default:
	}
	select {
	case n.queue <- text:
	default:
	}
}

// QueueDepth reports the number of undelivered messages.
func (n *Notifier) QueueDepth() int { return len(n.queue) }

func (n *Notifier) dispatch() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		case <-n.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case msg := <-n.queue:
					n.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(msg string) {
	if n.sender == nil || !n.sender.IsEnabled() {
		return
	}
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err := n.sender.Send(msg); err == nil {
			return
		} else {
			lastErr = err
		}
		if attempt < n.attempts {
			time.Sleep(n.backoff * time.Duration(attempt))
		}
	}
	n.logger.Warn().Err(lastErr).Int("attempts", n.attempts).Msg("notification dropped after retries")
}

// Truncate caps a message at Telegram's length limit.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= telegramMessageLimit {
		return text
	}
	return string(runes[:telegramMessageLimit-3]) + "..."
}

// ==================== EVENT FORMATTERS ====================

// NotifyStart announces the engine start after the initial sync.
func (n *Notifier) NotifyStart(managed int, testnet bool) {
	env := "mainnet"
	if testnet {
		env = "testnet"
	}
	n.Enqueue(fmt.Sprintf(
		"🚀 <b>Position manager started</b>\nEnvironment: %s\nManaged positions: %d", env, managed))
}

// NotifyStop announces a clean shutdown with the session totals.
func (n *Notifier) NotifyStop(stats position.StatsSnapshot) {
	n.Enqueue(fmt.Sprintf(
		"🛑 <b>Position manager stopped</b>\nUptime: %s\nPositions managed: %d\nTotal PnL: %.4f USDT",
		stats.Uptime.Round(time.Second), stats.TotalManaged, stats.TotalPnL))
}

// NotifyNewPosition announces a newly detected position and its envelope.
func (n *Notifier) NotifyNewPosition(pos *position.Position) {
	var b strings.Builder
	emoji := "📈"
	if pos.Side == binance.PositionSideShort {
		emoji = "📉"
	}
	fmt.Fprintf(&b, "%s <b>New position detected: %s %s</b>\n", emoji, pos.Symbol, pos.Side)
	fmt.Fprintf(&b, "Entry: %.4f | Qty: %.6f | Leverage: %dx\n", pos.EntryPrice, pos.Quantity, pos.Leverage)
	fmt.Fprintf(&b, "Stop: %.4f | Partial stop: %.4f\n", pos.Stops.FullStop, pos.Stops.PartialStop)
	for i, tp := range pos.TakeProfits {
		fmt.Fprintf(&b, "TP%d: %.4f (%.0f%%)\n", i+1, tp.Target, tp.CloseFraction*100)
	}
	n.Enqueue(b.String())
}

// NotifyClose reports an executed protective close.
func (n *Notifier) NotifyClose(pos *position.Position, reason string, result *binance.CloseResult, pnl float64, full bool) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	kind := "Partial close"
	if full {
		kind = "Position closed"
	}
	n.Enqueue(fmt.Sprintf(
		"%s <b>%s: %s</b>\nReason: %s\nQty: %.6f @ %.4f\nRealized PnL: %.4f USDT",
		emoji, kind, pos.Symbol, reason, result.ExecutedQty, result.AvgPrice, pnl))
}

// NotifyExternalClose reports a position that disappeared from the
// exchange without a close from this process.
func (n *Notifier) NotifyExternalClose(symbol string) {
	n.Enqueue(fmt.Sprintf("ℹ️ <b>Position %s closed externally</b>\nRemoved from management.", symbol))
}

// NotifyMarginWarning reports a margin-health breach. derisked marks that
// positions were halved.
func (n *Notifier) NotifyMarginWarning(margin *binance.AccountMargin, derisked bool) {
	if derisked {
		n.Enqueue(fmt.Sprintf(
			"🆘 <b>Margin critical</b>\nRatio: %.1f%%\nAll positions halved to reduce exposure.",
			margin.MarginRatio*100))
		return
	}
	n.Enqueue(fmt.Sprintf(
		"⚠️ <b>Margin warning</b>\nRatio: %.1f%%\nAvailable: %.2f / %.2f USDT",
		margin.MarginRatio*100, margin.AvailableBalance, margin.MarginBalance))
}

// NotifyWarning reports a non-fatal operational problem, typically a
// permanent exchange rejection.
func (n *Notifier) NotifyWarning(title, detail string) {
	n.Enqueue(fmt.Sprintf("⚠️ <b>%s</b>\n%s", title, detail))
}

// NotifyReport sends the periodic performance report.
func (n *Notifier) NotifyReport(stats position.StatsSnapshot, positions []*position.Position) {
	var b strings.Builder
	b.WriteString("📊 <b>Performance report</b>\n")
	fmt.Fprintf(&b, "Uptime: %s\n", stats.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Managed: %d | Won: %d | Lost: %d\n",
		stats.TotalManaged, stats.Winning, stats.Losing)
	fmt.Fprintf(&b, "TPs: %d | Partial stops: %d | Full stops: %d\n",
		stats.TotalTakeProfits, stats.TotalPartialStops, stats.TotalStopLosses)
	fmt.Fprintf(&b, "Total PnL: %.4f USDT\n", stats.TotalPnL)
	if len(positions) > 0 {
		b.WriteString("\n<b>Open positions</b>\n")
		for _, pos := range positions {
			fmt.Fprintf(&b, "%s %s qty %.6f pnl %.4f (%.2f%%)\n",
				pos.Symbol, pos.Side, pos.Quantity, pos.UnrealizedPnL, pos.PnLPercent)
		}
	}
	n.Enqueue(b.String())
}

// ==================== TELEGRAM TRANSPORT ====================

// TelegramSender delivers messages through the Telegram Bot API with
// HTML formatting.
type TelegramSender struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

// NewTelegramSender creates the transport. It is disabled when the token
// or chat ID is missing, in which case messages are silently discarded.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		enabled:  botToken != "" && chatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string    { return "telegram" }
func (t *TelegramSender) IsEnabled() bool { return t.enabled }

// SetBaseURL overrides the API host, used by tests.
func (t *TelegramSender) SetBaseURL(u string) { t.baseURL = u }

func (t *TelegramSender) Send(text string) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
