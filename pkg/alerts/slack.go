package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SlackNotifier sends review alerts to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, alert ReviewAlert) error {
	machine := alert.MachineID
	if alert.MachineName != "" {
		machine = fmt.Sprintf("%s (%s)", alert.MachineName, alert.MachineID)
	}

	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color: "#ff9900",
				Title: fmt.Sprintf("viberank: submission by %s flagged for review", alert.Username),
				Fields: []slackField{
					{Title: "User", Value: alert.Username, Short: true},
					{Title: "Department", Value: alert.Department, Short: true},
					{Title: "Machine", Value: machine, Short: true},
					{Title: "Source", Value: alert.Source, Short: true},
					{Title: "Total Tokens", Value: fmt.Sprintf("%d", alert.TotalTokens), Short: true},
					{Title: "Total Cost", Value: fmt.Sprintf("$%.2f", alert.TotalCost), Short: true},
					{Title: "Reasons", Value: strings.Join(alert.Reasons, "\n"), Short: false},
				},
				Footer: "viberank",
				Ts:     time.Now().Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
