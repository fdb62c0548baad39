package ingest

import (
	"context"

	"github.com/garrettladley/payhook/internal/batch"
	"github.com/garrettladley/payhook/internal/monitor"
	"github.com/garrettladley/payhook/internal/queue"
)

const opProcess = "process"

// Processor is the queue handler on the worker side: it hands the job's
// event to the batch writer and waits for the batch outcome, so a failed
// flush fails the job and the queue retries it.
type Processor struct {
	writer  *batch.Writer
	monitor *monitor.Monitor
}

var _ queue.Handler = (*Processor)(nil)

func NewProcessor(writer *batch.Writer, m *monitor.Monitor) *Processor {
	if m == nil {
		m = monitor.New(monitor.Config{})
	}
	return &Processor{writer: writer, monitor: m}
}

func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	done := p.monitor.Time(opProcess)
	err := p.writer.Add(ctx, job.Event).Wait(ctx)
	done(err)
	return err
}
