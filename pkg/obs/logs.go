// LogSink derives log records from finished spans.
// Emits ERROR-severity logs for failed spans and WARN-severity logs for slow spans.
package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log"
)

// LogSink is a SpanSink that emits through the OTel Logs API.
type LogSink struct {
	logger        log.Logger
	slowThreshold time.Duration
}

// NewLogSink creates a LogSink. A slowThreshold of 0 disables slow span detection.
func NewLogSink(lp log.LoggerProvider, slowThreshold time.Duration) *LogSink {
	return &LogSink{
		logger:        lp.Logger(ScopeName),
		slowThreshold: slowThreshold,
	}
}

// ExportSpan emits records for failed spans and spans over the slow threshold.
func (l *LogSink) ExportSpan(ctx context.Context, rec SpanRecord) error {
	attrs := []log.KeyValue{
		log.String(string(CategoryKey), rec.Operation.Category),
		log.String("code.namespace", rec.Operation.Component),
		log.String("code.function", rec.Operation.Method),
	}

	if rec.Outcome == OutcomeFailure {
		var r log.Record
		r.SetSeverity(log.SeverityError)
		r.SetSeverityText("ERROR")
		r.SetTimestamp(rec.Start.Add(rec.Elapsed))
		r.SetBody(log.StringValue(fmt.Sprintf("%s failed: %s", rec.Operation.Name(), rec.FailureDetail)))
		r.AddAttributes(attrs...)
		if rec.ErrorType != "" {
			r.AddAttributes(log.String("error.type", rec.ErrorType))
		}
		l.logger.Emit(ctx, r)
	}

	if l.slowThreshold > 0 && rec.Elapsed > l.slowThreshold {
		var r log.Record
		r.SetSeverity(log.SeverityWarn)
		r.SetSeverityText("WARN")
		r.SetTimestamp(rec.Start.Add(rec.Elapsed))
		r.SetBody(log.StringValue(fmt.Sprintf(
			"slow operation %s: %s (threshold %s)",
			rec.Operation.Name(), rec.Elapsed, l.slowThreshold,
		)))
		r.AddAttributes(attrs...)
		l.logger.Emit(ctx, r)
	}
	return nil
}
