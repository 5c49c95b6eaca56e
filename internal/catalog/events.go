package catalog

import (
	"context"
	"log/slog"
)

// PriceEventSink receives price change notifications emitted during merge.
type PriceEventSink interface {
	PriceChanged(ctx context.Context, change PriceChange)
}

// LogEventSink writes price change events to the structured log.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink constructs a logging sink.
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	return &LogEventSink{logger: logger}
}

// PriceChanged logs the change, at WARN level when anomalous.
func (s *LogEventSink) PriceChanged(ctx context.Context, change PriceChange) {
	if s == nil || s.logger == nil {
		return
	}
	attrs := []any{
		slog.String("supplier_product_id", change.SupplierProductID.String()),
		slog.String("sku", change.SupplierSKU),
		slog.String("upload_id", change.UploadID.String()),
		slog.String("old_price", change.OldPrice.String()),
		slog.String("new_price", change.NewPrice.String()),
		slog.String("currency", change.Currency),
		slog.Float64("change_pct", change.ChangePct),
	}
	if change.Anomalous {
		s.logger.WarnContext(ctx, "price anomaly", attrs...)
		return
	}
	s.logger.InfoContext(ctx, "price changed", attrs...)
}
