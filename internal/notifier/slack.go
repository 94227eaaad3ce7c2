package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"edgeguard/internal/models"
)

// SlackNotifier posts alarm and supervision alerts to a Slack webhook
type SlackNotifier struct {
	webhookURL string
	channel    string
	httpClient *http.Client

	cooldown   time.Duration
	lastAlerts map[string]time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// SlackMessage represents a Slack message
type SlackMessage struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack message attachment
type Attachment struct {
	Fallback  string  `json:"fallback,omitempty"`
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Text      string  `json:"text,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

// Field represents a field in a Slack attachment
type Field struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value,omitempty"`
	Short bool   `json:"short,omitempty"`
}

// NewSlackNotifier creates a notifier. Alarm alerts for the same device and
// task are suppressed for cooldown after one is sent.
func NewSlackNotifier(webhookURL, channel string, cooldown time.Duration) (*SlackNotifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL cannot be empty")
	}

	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cooldown:   cooldown,
		lastAlerts: make(map[string]time.Time),
		now:        time.Now,
	}, nil
}

// SendAlarm announces a raised alarm. Cleared alarms and alarms inside the
// cooldown are skipped; the bool reports whether a message was sent.
func (s *SlackNotifier) SendAlarm(ctx context.Context, tr models.AlarmTransition) (bool, error) {
	if !tr.Active || !s.shouldSend(tr.DeviceID+"/"+tr.Task) {
		return false, nil
	}

	attachment := Attachment{
		Fallback:  fmt.Sprintf("%s alarm on %s (%.0f%%)", tr.Task, tr.DeviceID, tr.Confidence*100),
		Color:     "#FFA500",
		Title:     fmt.Sprintf("%s alarm raised", strings.ToUpper(tr.Task)),
		Text:      fmt.Sprintf("Detection confidence *%.2f* on device *%s*", tr.Confidence, tr.DeviceID),
		Timestamp: tr.Timestamp.Unix(),
		Fields: []Field{
			{Title: "Device ID", Value: tr.DeviceID, Short: true},
			{Title: "Task", Value: tr.Task, Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%.2f", tr.Confidence), Short: true},
			{Title: "Time", Value: tr.Timestamp.Format(time.RFC1123), Short: false},
		},
		Footer: "edgeguard alarm",
	}
	if tr.Confidence > 0.9 {
		attachment.Color = "#FF0000"
	}

	return true, s.sendMessage(ctx, SlackMessage{
		Channel:     s.channel,
		Username:    "edgeguard",
		IconEmoji:   ":rotating_light:",
		Attachments: []Attachment{attachment},
	})
}

// SendExhausted announces that a process will not be restarted again.
// It is never rate limited.
func (s *SlackNotifier) SendExhausted(ctx context.Context, h models.ProcessHealth) error {
	reason := ""
	if n := len(h.Transitions); n > 0 {
		reason = h.Transitions[n-1].Reason
	}
	fields := []Field{
		{Title: "Process", Value: h.Name, Short: true},
		{Title: "Restarts", Value: fmt.Sprintf("%d/%d", h.Restarts, h.MaxRestarts), Short: true},
		{Title: "Last failure", Value: reason, Short: false},
	}
	if h.LastProbeError != "" {
		fields = append(fields, Field{Title: "Last probe error", Value: h.LastProbeError, Short: false})
	}
	if n := len(h.RecentOutput); n > 0 {
		tail := h.RecentOutput[max(0, n-5):]
		fields = append(fields, Field{Title: "Recent output", Value: "```" + strings.Join(tail, "\n") + "```"})
	}

	return s.sendMessage(ctx, SlackMessage{
		Channel:   s.channel,
		Username:  "edgeguard supervisor",
		IconEmoji: ":skull:",
		Text:      fmt.Sprintf("<!channel> *%s* is EXHAUSTED and needs operator attention", h.Name),
		Attachments: []Attachment{{
			Fallback:  fmt.Sprintf("%s exhausted its restart budget", h.Name),
			Color:     "#000000",
			Title:     "Supervision exhausted",
			Fields:    fields,
			Footer:    "edgeguard supervisor",
			Timestamp: s.now().Unix(),
		}},
	})
}

// shouldSend applies the cooldown per key
func (s *SlackNotifier) shouldSend(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastAlerts[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastAlerts[key] = now
	return true
}

func (s *SlackNotifier) sendMessage(ctx context.Context, msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-OK status: %s", resp.Status)
	}
	return nil
}
