package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lmarchetti/parley/internal/observability"
)

// Summarizer condenses long text into a short digest.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
}

// SchedulerConfig controls background summarization runs.
type SchedulerConfig struct {
	// RetainCount is how many recent turns survive verbatim after a
	// conversation is collapsed into its summary.
	RetainCount int
	// MaxLength bounds the digest returned by the summarizer.
	MaxLength int
	// Timeout bounds each summarizer call.
	Timeout time.Duration
}

// Scheduler folds full conversations into their rolling summaries without
// blocking the request path. Each Trigger spawns one job; the returned channel
// closes when the job finishes, so tests can await completion instead of
// racing a goroutine.
type Scheduler struct {
	store      *Manager
	summarizer Summarizer
	cfg        SchedulerConfig
	metrics    *observability.Metrics
	wg         sync.WaitGroup
}

func NewScheduler(store *Manager, summarizer Summarizer, cfg SchedulerConfig, metrics *observability.Metrics) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 142
	}
	return &Scheduler{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg,
		metrics:    metrics,
	}
}

// Trigger schedules a summarization run for key and returns immediately.
func (s *Scheduler) Trigger(key string) <-chan struct{} {
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.run(key)
	}()
	return done
}

// Wait blocks until all scheduled jobs have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// run reads a snapshot without the conversation lock, calls the summarizer,
// and only then takes the lock to apply the digest and persist. A concurrent
// append during the summarizer call may be missing from the digest but stays
// in the retained tail.
func (s *Scheduler) run(key string) {
	jobID := uuid.NewString()[:8]

	input := s.store.Summary(key)
	input += "\n\n" + s.store.Transcript(key, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	log.Printf("summary job %s: generating summary for %q", jobID, key)
	start := time.Now()
	digest, err := s.summarizer.Summarize(ctx, input, s.cfg.MaxLength)
	if s.metrics != nil {
		s.metrics.ObserveSummaryLatency(time.Since(start))
	}
	if err != nil {
		// Abandon the run whole: summary, messages, and the durable record
		// stay untouched. The next fullness trigger retries with a larger
		// backlog.
		log.Printf("summary job %s: summarize %q failed: %v", jobID, key, err)
		s.jobResult("failed")
		return
	}
	if strings.TrimSpace(digest) == "" {
		log.Printf("summary job %s: summarizer returned empty digest for %q, discarding", jobID, key)
		s.jobResult("empty")
		return
	}

	s.store.ApplySummary(ctx, key, digest, s.cfg.RetainCount)
	s.jobResult("ok")
}

func (s *Scheduler) jobResult(status string) {
	if s.metrics != nil {
		s.metrics.SummaryJobs.WithLabelValues(status).Inc()
	}
}
