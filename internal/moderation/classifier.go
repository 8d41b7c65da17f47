package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultClassifierTimeout bounds a single classifier call.
const DefaultClassifierTimeout = 2500 * time.Millisecond

// maxClassifierResponse caps how much of a response body is read.
const maxClassifierResponse = 64 << 10

// ClassifierConfig configures the remote classifier tier.
type ClassifierConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type classifierRequest struct {
	Content string `json:"content"`
}

type classifierResponse struct {
	Flagged    bool     `json:"flagged"`
	Severity   string   `json:"severity"`
	Reason     string   `json:"reason"`
	Action     string   `json:"action,omitempty"`
	Score      float64  `json:"score,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Classifier is the first tier of the cascade. It asks an external text
// classifier about the message. The tier is advisory: any transport, status
// or decode failure yields NoVerdict so the next tier takes over.
type Classifier struct {
	config     ClassifierConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClassifier creates a Classifier. A nil httpClient uses a default
// client; the per-call deadline comes from config.Timeout either way.
func NewClassifier(config ClassifierConfig, httpClient *http.Client, logger zerolog.Logger) *Classifier {
	if config.Timeout <= 0 {
		config.Timeout = DefaultClassifierTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Classifier{config: config, httpClient: httpClient, logger: logger}
}

// Name implements Tier.
func (c *Classifier) Name() string { return TierClassifier }

// Evaluate implements Tier.
func (c *Classifier) Evaluate(ctx context.Context, in Input) Outcome {
	resp, err := c.classify(ctx, in.Content)
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("classifier unavailable")
		return NoVerdict()
	}

	if !resp.Flagged {
		return Decided(Verdict{
			Severity: SeveritySafe,
			Reason:   "not flagged",
			Action:   ActionNone,
			Tier:     TierClassifier,
			Score:    resp.Score,
		})
	}

	severity := ParseSeverity(resp.Severity)
	if severity == SeveritySafe {
		// Flagged without a usable severity.
		severity = SeverityLow
	}
	action := ParseAction(resp.Action)
	if resp.Action == "" {
		action = defaultAction(severity)
	}
	reason := resp.Reason
	if reason == "" {
		reason = "flagged by classifier"
	}
	return Decided(Verdict{
		Severity: severity,
		Reason:   reason,
		Action:   action,
		Tier:     TierClassifier,
		Flags:    resp.Categories,
		Score:    resp.Score,
	})
}

func (c *Classifier) classify(ctx context.Context, content string) (*classifierResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body, err := json.Marshal(classifierRequest{Content: content})
	if err != nil {
		return nil, fmt.Errorf("classifier: encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("classifier: create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		request.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("classifier: request failed: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxClassifierResponse))
	if err != nil {
		return nil, fmt.Errorf("classifier: read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier: unexpected status %d", response.StatusCode)
	}

	var out classifierResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("classifier: decode response: %w", err)
	}
	return &out, nil
}
