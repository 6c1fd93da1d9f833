// Package alert delivers threshold notifications to configured sinks.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/usage"
)

const (
	execTimeout    = 30 * time.Second
	webhookTimeout = 10 * time.Second
)

// Notifier delivers a single threshold crossing. Implementations bound their
// own timeouts and log failures instead of returning them, so a broken sink
// never stalls or aborts a polling round.
type Notifier interface {
	Notify(account string, threshold int, dimension usage.Dimension)
}

// Multi fans a notification out to every configured sink in order.
type Multi []Notifier

func (m Multi) Notify(account string, threshold int, dimension usage.Dimension) {
	for _, n := range m {
		n.Notify(account, threshold, dimension)
	}
}

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger.With().Str("component", "alert").Logger(),
	}
}

func (n *LogNotifier) Notify(account string, threshold int, dimension usage.Dimension) {
	n.logger.Warn().
		Str("account", account).
		Str("window", string(dimension)).
		Int("threshold", threshold).
		Msg("Usage threshold crossed")
}

// ExecNotifier runs a configured command for every alert. The crossing is
// passed to the child through the QUOTAWATCH_ACCOUNT, QUOTAWATCH_THRESHOLD
// and QUOTAWATCH_DIMENSION environment variables.
type ExecNotifier struct {
	command string
	args    []string
	logger  zerolog.Logger
}

func NewExecNotifier(command string, args []string, logger zerolog.Logger) *ExecNotifier {
	return &ExecNotifier{
		command: command,
		args:    args,
		logger:  logger.With().Str("component", "alert").Logger(),
	}
}

func (n *ExecNotifier) Notify(account string, threshold int, dimension usage.Dimension) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.command, n.args...)
	cmd.Env = append(os.Environ(),
		"QUOTAWATCH_ACCOUNT="+account,
		"QUOTAWATCH_THRESHOLD="+strconv.Itoa(threshold),
		"QUOTAWATCH_DIMENSION="+string(dimension),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		n.logger.Error().Err(err).
			Str("command", n.command).
			Str("output", msg).
			Msg("Alert command failed")
		return
	}
	n.logger.Debug().
		Str("command", n.command).
		Str("account", account).
		Msg("Alert command finished")
}

// WebhookNotifier POSTs a JSON document describing the crossing.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With().Str("component", "alert").Logger(),
	}
}

type webhookPayload struct {
	Account   string          `json:"account"`
	Window    usage.Dimension `json:"window"`
	Threshold int             `json:"threshold"`
	FiredAt   time.Time       `json:"fired_at"`
}

func (n *WebhookNotifier) Notify(account string, threshold int, dimension usage.Dimension) {
	payload, err := json.Marshal(webhookPayload{
		Account:   account,
		Window:    dimension,
		Threshold: threshold,
		FiredAt:   time.Now().UTC(),
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to encode alert payload")
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error().Err(err).Str("url", n.url).Msg("Failed to build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error().Err(err).Str("url", n.url).Msg("Failed to deliver alert webhook")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		n.logger.Error().
			Str("url", n.url).
			Str("status", resp.Status).
			Msg("Alert webhook rejected")
		return
	}
	n.logger.Debug().
		Str("account", account).
		Int("threshold", threshold).
		Msg("Alert webhook delivered")
}
