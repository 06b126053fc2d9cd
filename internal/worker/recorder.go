package worker

import (
	"time"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Recorder receives per-job counters. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	JobReceived(stream, processor string)
	JobProcessed(stream, processor string, elapsed time.Duration)
	JobFailed(stream, processor string, kind domain.ErrorKind)
	JobRetried(stream, processor string)
	JobDeadLettered(stream, processor string)
}

type nopRecorder struct{}

func (nopRecorder) JobReceived(string, string) {}
func (nopRecorder) JobProcessed(string, string, time.Duration) {}
func (nopRecorder) JobFailed(string, string, domain.ErrorKind) {}
func (nopRecorder) JobRetried(string, string) {}
func (nopRecorder) JobDeadLettered(string, string) {}
