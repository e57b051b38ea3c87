// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/slack-go/slack"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Sender delivers one alert to a concrete destination.
type Sender interface {
	// Send delivers the alert; a returned error counts as a delivery
	// failure against the channel.
	Send(ctx context.Context, alert Alert) error
}

// NewSender constructs the sender for a channel's type and config.
// Supported types: console, webhook, slack.
func NewSender(cfg ChannelConfig) (Sender, error) {
	switch cfg.ChannelType {
	case "console":
		return &ConsoleSender{Out: os.Stderr}, nil
	case "webhook":
		url, _ := cfg.Config["url"].(string)
		if url == "" {
			return nil, spineerrors.Validation("webhook channel %s requires a url", cfg.Name)
		}
		return &WebhookSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}, nil
	case "slack":
		token, _ := cfg.Config["token"].(string)
		channel, _ := cfg.Config["channel"].(string)
		if token == "" || channel == "" {
			return nil, spineerrors.Validation("slack channel %s requires token and channel", cfg.Name)
		}
		return &SlackSender{Client: slack.New(token), Channel: channel}, nil
	default:
		return nil, spineerrors.Validation("unknown channel type: %q", cfg.ChannelType)
	}
}

// ConsoleSender writes alerts to a local writer.
type ConsoleSender struct {
	Out io.Writer
}

// Send implements Sender.
func (c *ConsoleSender) Send(ctx context.Context, alert Alert) error {
	_, err := fmt.Fprintf(c.Out, "[%s] %s: %s (%s)\n",
		alert.Severity, alert.Title, alert.Message, alert.Source)
	return err
}

// WebhookSender POSTs the alert as JSON.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return spineerrors.Wrap(spineerrors.CategoryDependency, err, "webhook delivery failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return spineerrors.New(spineerrors.CategoryDependency,
			"webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// SlackSender posts alerts to a Slack channel.
type SlackSender struct {
	Client  *slack.Client
	Channel string
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("*[%s]* %s\n%s", alert.Severity, alert.Title, alert.Message)
	_, _, err := s.Client.PostMessageContext(ctx, s.Channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Color: slackColor(alert.Severity),
			Fields: []slack.AttachmentField{
				{Title: "Source", Value: alert.Source, Short: true},
				{Title: "Domain", Value: alert.Domain, Short: true},
				{Title: "Fingerprint", Value: alert.Fingerprint, Short: false},
			},
		}))
	if err != nil {
		return spineerrors.Wrap(spineerrors.CategoryDependency, err, "slack delivery failed")
	}
	return nil
}

func slackColor(s Severity) string {
	switch s {
	case SeverityCritical, SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
