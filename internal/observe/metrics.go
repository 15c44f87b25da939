// Package observe holds the daemon's OpenTelemetry metric instruments and
// the Prometheus exporter bridge that serves them on /metrics.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all gostt metrics.
const meterName = "github.com/chaz8081/gostt"

// Metrics holds the daemon's instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// TranscriptionDuration tracks decode latency per request.
	TranscriptionDuration metric.Float64Histogram

	// AudioDuration tracks the length of audio handed to the transcriber.
	AudioDuration metric.Float64Histogram

	// Requests counts daemon requests. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// Sessions counts finished recording sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	Sessions metric.Int64Counter

	// ActiveRecordings is 1 while a capture is running.
	ActiveRecordings metric.Int64UpDownCounter
}

// transcriptionBuckets are in seconds, spanning tiny models on short clips
// to large models on long dictation.
var transcriptionBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64,
}

var audioBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("gostt.transcription.duration",
		metric.WithDescription("Latency of speech-to-text decoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transcriptionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioDuration, err = m.Float64Histogram("gostt.audio.duration",
		metric.WithDescription("Length of audio submitted for transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("gostt.requests",
		metric.WithDescription("Daemon requests by type and response status."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("gostt.sessions",
		metric.WithDescription("Finished recording sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("gostt.recordings.active",
		metric.WithDescription("Number of captures in progress."),
	); err != nil {
		return nil, err
	}
	return met, nil
}
