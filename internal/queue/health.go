package queue

import (
	"github.com/garrettladley/payhook/internal/connhealth"
)

// Stats mixes current set sizes with lifetime counters. Failed is the
// number of retained dead jobs.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`

	TotalEnqueued  int64 `json:"total_enqueued"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed_attempts"`
	TotalDead      int64 `json:"total_dead"`
	TotalRetried   int64 `json:"total_retried"`
	TotalStalled   int64 `json:"total_stalled"`
	TotalDeferred  int64 `json:"total_deferred"`

	Health connhealth.Status `json:"health"`
}

// FailureRate is dead over finished among retained jobs.
func (s Stats) FailureRate() float64 {
	finished := s.Completed + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Failed) / float64(finished)
}

// BacklogRatio is waiting jobs per active job. An idle queue counts as one
// active job so a stuck consumer still shows up.
func (s Stats) BacklogRatio() float64 {
	active := s.Active
	if active < 1 {
		active = 1
	}
	return float64(s.Waiting) / float64(active)
}

type HealthConfig struct {
	DegradedFailureRate float64 `env:"DEGRADED_FAILURE_RATE" envDefault:"0.1"`
	CriticalFailureRate float64 `env:"CRITICAL_FAILURE_RATE" envDefault:"0.2"`
	DegradedBacklog     float64 `env:"DEGRADED_BACKLOG" envDefault:"5"`
	CriticalBacklog     float64 `env:"CRITICAL_BACKLOG" envDefault:"10"`
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		DegradedFailureRate: 0.1,
		CriticalFailureRate: 0.2,
		DegradedBacklog:     5,
		CriticalBacklog:     10,
	}
}

func DeriveHealth(s Stats, cfg HealthConfig) connhealth.Status {
	rate, backlog := s.FailureRate(), s.BacklogRatio()
	switch {
	case rate > cfg.CriticalFailureRate || backlog > cfg.CriticalBacklog:
		return connhealth.StatusCritical
	case rate > cfg.DegradedFailureRate || backlog > cfg.DegradedBacklog:
		return connhealth.StatusDegraded
	default:
		return connhealth.StatusHealthy
	}
}
