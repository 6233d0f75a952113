package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/model"
)

// StatusSink receives the coarse, externally visible status of a site.
type StatusSink interface {
	UpdateStatus(ctx context.Context, siteID string, status model.Status) error
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(ctx context.Context, siteID string, status model.Status) error

// UpdateStatus implements StatusSink.
func (f StatusFunc) UpdateStatus(ctx context.Context, siteID string, status model.Status) error {
	return f(ctx, siteID, status)
}

// MultiStatus forwards to every sink and returns the first error.
type MultiStatus []StatusSink

// UpdateStatus implements StatusSink.
func (m MultiStatus) UpdateStatus(ctx context.Context, siteID string, status model.Status) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.UpdateStatus(ctx, siteID, status); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// notify updates status and logs, rather than returns, any failure.
func notify(ctx context.Context, sink StatusSink, log *zap.Logger, siteID string, status model.Status) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("workflow: status sink panicked", zap.String("status", string(status)), zap.Any("panic", r))
		}
	}()
	if err := sink.UpdateStatus(ctx, siteID, status); err != nil {
		log.Warn("workflow: status update failed",
			zap.String("site_id", siteID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
