package services

import "context"

// fallbackPipeline wraps a pipeline with a spoken fallback line, so the
// caller hears a generic apology instead of silence when the inner pipeline
// cannot produce a response.
type fallbackPipeline struct {
	inner UtterancePipeline
	line  string
}

// WithFallback decorates p so that an inner failure is answered with line.
// The decorated pipeline never fails, which keeps the fallback policy out
// of the stream state machine.
func WithFallback(p UtterancePipeline, line string) UtterancePipeline {
	if line == "" {
		return p
	}
	return &fallbackPipeline{inner: p, line: line}
}

func (f *fallbackPipeline) ProcessUtterance(ctx context.Context, req UtteranceRequest, onResponse func(text string)) error {
	err := f.inner.ProcessUtterance(ctx, req, onResponse)
	if err == nil {
		return nil
	}
	if req.Events != nil {
		req.Events.Emit(EventProcessingError, map[string]interface{}{
			"callId":   req.CallID,
			"error":    err.Error(),
			"fallback": true,
		})
	}
	onResponse(f.line)
	return nil
}
