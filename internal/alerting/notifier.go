package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aerugo/SimCash-sub000/internal/event"
)

// Notification carries the context of one alert.
type Notification struct {
	RunID         string
	Tick          int64
	Kind          event.Kind
	Subject       string
	Agent         string
	Amount        decimal.Decimal
	Detail        string
	Channels      []string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// FromEvent builds a notification for the event kinds worth alerting on.
// Subject identifies the alert for de-duplication.
func FromEvent(runID string, ev event.Event, channels []string) (Notification, bool) {
	note := Notification{RunID: runID, Tick: ev.Tick, Kind: ev.Kind(), Channels: channels}
	switch p := ev.Data.(type) {
	case *event.DeadlineExpired:
		note.Subject = p.TxID
		note.Agent = p.Sender
		note.Amount = decimal.New(p.Remaining, -2)
		note.Detail = fmt.Sprintf("%s -> %s missed deadline %d in %s queue, penalty %s",
			p.Sender, p.Receiver, p.DeadlineTick, p.Location, decimal.New(p.Penalty, -2).StringFixed(2))
	case *event.PolicyEvaluationFailed:
		note.Subject = p.Agent + "/" + p.Tree + "/" + p.TxID
		note.Agent = p.Agent
		note.Detail = fmt.Sprintf("policy %s tree %s node %s: %s", p.PolicyID, p.Tree, p.NodeID, p.Error)
	case *event.TransactionDropped:
		note.Subject = p.TxID
		note.Agent = p.Sender
		note.Amount = decimal.New(p.Remaining, -2)
		note.Detail = fmt.Sprintf("%s dropped payment to %s", p.Sender, p.Receiver)
	case *event.LimitExceeded:
		note.Subject = p.TxID
		note.Agent = p.Sender
		note.Amount = decimal.New(p.Attempted, -2)
		note.Detail = fmt.Sprintf("%s limit %s reached by %s", p.LimitKind, decimal.New(p.Limit, -2).StringFixed(2), p.Sender)
	case *event.EndOfDay:
		if p.Unsettled == 0 {
			return Notification{}, false
		}
		note.Subject = fmt.Sprintf("day-%d", p.Day)
		note.Amount = decimal.New(p.UnsettledValue, -2)
		note.Detail = fmt.Sprintf("day %d closed with %d unsettled payments, penalties %s",
			p.Day, p.Unsettled, decimal.New(p.PenaltyTotal, -2).StringFixed(2))
	default:
		return Notification{}, false
	}
	return note, true
}

// Throttle suppresses repeats of the same kind and agent within a cooldown.
type Throttle struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewThrottle returns a Throttle; a non-positive cooldown lets everything through.
func NewThrottle(cooldown time.Duration) *Throttle {
	return &Throttle{cooldown: cooldown, last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether note may be sent now and records it if so.
func (t *Throttle) Allow(note Notification) bool {
	if t == nil || t.cooldown <= 0 {
		return true
	}
	key := string(note.Kind) + "|" + note.Agent
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.last[key] = now
	return true
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("run_id", note.RunID).
		Int64("tick", note.Tick).
		Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[SimCash %s]\n", note.Kind))
	builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	builder.WriteString(fmt.Sprintf("Tick: %d\n", note.Tick))
	if note.Agent != "" {
		builder.WriteString(fmt.Sprintf("Agent: %s\n", note.Agent))
	}
	if !note.Amount.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount.StringFixed(2)))
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail + "\n")
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
