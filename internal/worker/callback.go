package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// Notifier posts the final job view to the job's callback URL.
type Notifier struct {
	client  *http.Client
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewNotifier(timeout time.Duration, m *metrics.Collector, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		metrics: m,
		logger:  logger.Named("callback"),
	}
}

// Notify sends job to job.CallbackURL. Jobs without a callback are ignored.
// Delivery is best effort: one attempt, failures are logged and counted.
func (n *Notifier) Notify(ctx context.Context, job *types.Job) error {
	if n == nil || job.CallbackURL == "" {
		return nil
	}
	err := n.post(ctx, job)
	n.metrics.RecordCallback(err == nil)
	if err != nil {
		n.logger.Warn("callback failed",
			zap.String("job_id", job.ID), zap.String("url", job.CallbackURL), zap.Error(err))
		return err
	}
	n.logger.Debug("callback delivered", zap.String("job_id", job.ID))
	return nil
}

func (n *Notifier) post(ctx context.Context, job *types.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskgate-Job-Id", job.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}
