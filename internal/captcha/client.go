// Package captcha acquires solved reCAPTCHA tokens from a CapMonster-compatible solving service.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/metrics"
)

// ErrTokenUnavailable is returned when the solver did not produce a token.
var ErrTokenUnavailable = errors.New("captcha token unavailable")

// Status is the terminal state of a token acquisition.
type Status string

// Acquisition results.
const (
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Config controls the solver client.
type Config struct {
	BaseURL      string
	ClientKey    string
	WebsiteURL   string
	WebsiteKey   string
	PageAction   string
	TaskType     string
	MinScore     float64
	MaxAttempts  int
	PollInterval time.Duration
	Timeout      time.Duration
	Transport    http.RoundTripper
}

// Result describes one acquisition attempt.
type Result struct {
	Status   Status
	Token    string
	TaskID   int64
	Attempts int
	Reason   string
}

// Client talks to the solver's createTask/getTaskResult endpoints.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *zap.Logger
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

type task struct {
	Type       string  `json:"type"`
	WebsiteURL string  `json:"websiteURL"`
	WebsiteKey string  `json:"websiteKey"`
	MinScore   float64 `json:"minScore"`
	PageAction string  `json:"pageAction,omitempty"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// New builds a Client, filling unset fields with CapMonster defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.capmonster.cloud"
	}
	if cfg.TaskType == "" {
		cfg.TaskType = "RecaptchaV3TaskProxyless"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Transport != nil {
		client.SetTransport(cfg.Transport)
	}

	return &Client{cfg: cfg, http: client, logger: logger}
}

// Acquire creates a solving task and polls until it is ready, failed, or out of attempts.
// The returned Result is always populated; err wraps ErrTokenUnavailable unless Status is ready.
func (c *Client) Acquire(ctx context.Context) (Result, error) {
	result, err := c.acquire(ctx)
	metrics.ObserveCaptcha(string(result.Status), result.Attempts)
	if err != nil {
		c.logger.Warn("captcha token acquisition failed",
			zap.String("status", string(result.Status)),
			zap.Int64("task_id", result.TaskID),
			zap.Int("attempts", result.Attempts),
			zap.Error(err),
		)
		return result, err
	}
	c.logger.Info("captcha token acquired",
		zap.Int64("task_id", result.TaskID),
		zap.Int("attempts", result.Attempts),
	)
	return result, nil
}

func (c *Client) acquire(ctx context.Context) (Result, error) {
	taskID, err := c.createTask(ctx)
	if err != nil {
		return fail(Result{Status: StatusFailed}, err.Error())
	}
	result := Result{TaskID: taskID}

	for result.Attempts < c.cfg.MaxAttempts {
		result.Attempts++
		resp, err := c.taskResult(ctx, taskID)
		switch {
		case err != nil:
			result.Status = StatusFailed
			return fail(result, err.Error())
		case resp.ErrorID != 0:
			result.Status = StatusFailed
			return fail(result, describe(resp.ErrorCode, resp.ErrorDescription))
		case resp.Status == "ready":
			if resp.Solution.GRecaptchaResponse == "" {
				result.Status = StatusFailed
				return fail(result, "ready result without token")
			}
			result.Status = StatusReady
			result.Token = resp.Solution.GRecaptchaResponse
			return result, nil
		case resp.Status == "failed":
			result.Status = StatusFailed
			return fail(result, "solver reported failure")
		}
		c.logger.Debug("captcha task pending",
			zap.Int64("task_id", taskID),
			zap.Int("attempt", result.Attempts),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
		)

		if result.Attempts == c.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			result.Status = StatusFailed
			return fail(result, err.Error())
		}
	}

	result.Status = StatusTimeout
	return fail(result, fmt.Sprintf("not ready after %d attempts", result.Attempts))
}

func fail(result Result, reason string) (Result, error) {
	result.Reason = reason
	return result, fmt.Errorf("%w: %s", ErrTokenUnavailable, reason)
}

func (c *Client) createTask(ctx context.Context) (int64, error) {
	var out createTaskResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createTaskRequest{
			ClientKey: c.cfg.ClientKey,
			Task: task{
				Type:       c.cfg.TaskType,
				WebsiteURL: c.cfg.WebsiteURL,
				WebsiteKey: c.cfg.WebsiteKey,
				MinScore:   c.cfg.MinScore,
				PageAction: c.cfg.PageAction,
			},
		}).
		SetResult(&out).
		Post("/createTask")
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("create task: unexpected status %d", resp.StatusCode())
	}
	if out.ErrorID != 0 {
		return 0, fmt.Errorf("create task: %s", describe(out.ErrorCode, out.ErrorDescription))
	}
	if out.TaskID == 0 {
		return 0, errors.New("create task: missing task id")
	}
	return out.TaskID, nil
}

func (c *Client) taskResult(ctx context.Context, taskID int64) (taskResultResponse, error) {
	var out taskResultResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(taskResultRequest{ClientKey: c.cfg.ClientKey, TaskID: taskID}).
		SetResult(&out).
		Post("/getTaskResult")
	if err != nil {
		return taskResultResponse{}, fmt.Errorf("get task result: %w", err)
	}
	if resp.IsError() {
		return taskResultResponse{}, fmt.Errorf("get task result: unexpected status %d", resp.StatusCode())
	}
	return out, nil
}

func describe(code, description string) string {
	switch {
	case code != "" && description != "":
		return code + ": " + description
	case code != "":
		return code
	case description != "":
		return description
	default:
		return "solver returned an error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("poll interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
