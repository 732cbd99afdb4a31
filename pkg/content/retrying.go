package content

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/retry"
	"quorumchain/pkg/types"
)

// Retrying bounds every attempt with a timeout and retries storage
// failures with backoff.
type Retrying struct {
	inner   Store
	policy  retry.Policy
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRetrying retries retryable failures of inner under policy, giving
// each attempt timeout.
func NewRetrying(inner Store, policy retry.Policy, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Retrying{inner: inner, policy: policy, timeout: timeout, metrics: m, logger: logger}
}

func (r *Retrying) Upload(ctx context.Context, data []byte) (types.ContentID, error) {
	var id types.ContentID
	err := retry.Do(ctx, r.policy, r.logger, "content.upload", fault.IsRetryable, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		started := time.Now()
		var err error
		id, err = r.inner.Upload(attemptCtx, data)
		r.metrics.ContentCall("upload", started, err)
		return err
	})
	if err != nil {
		r.logger.Warn("Upload failed", zap.Int("bytes", len(data)), zap.Error(err))
		return "", err
	}
	return id, nil
}

func (r *Retrying) Download(ctx context.Context, id types.ContentID) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, r.policy, r.logger, "content.download", fault.IsRetryable, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		started := time.Now()
		var err error
		data, err = r.inner.Download(attemptCtx, id)
		r.metrics.ContentCall("download", started, err)
		return err
	})
	if err != nil {
		r.logger.Warn("Download failed", zap.String("cid", string(id)), zap.Error(err))
		return nil, err
	}
	return data, nil
}
