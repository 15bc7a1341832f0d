package health

import (
	"fmt"
	"time"
)

// Status is the overall health of the host as seen by the agent.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Thresholds defines the percentages at which host usage is flagged.
type Thresholds struct {
	DiskWarning    float64
	DiskCritical   float64
	MemoryWarning  float64
	MemoryCritical float64
	CPUWarning     float64
	CPUCritical    float64

	// DeliveryWarning flags a controller that has not accepted a heartbeat
	// for this long.
	DeliveryWarning time.Duration
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DiskWarning:     80.0,
		DiskCritical:    90.0,
		MemoryWarning:   85.0,
		MemoryCritical:  95.0,
		CPUWarning:      80.0,
		CPUCritical:     95.0,
		DeliveryWarning: 5 * time.Minute,
	}
}

// Summary is the result of evaluating a set of metrics.
type Summary struct {
	Status    Status    `json:"status"`
	Issues    []Issue   `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Issue is a single finding.
type Issue struct {
	Component string  `json:"component"`
	Severity  Status  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Checker evaluates host metrics against thresholds.
type Checker struct {
	thresholds Thresholds
}

// NewChecker creates a checker with the given thresholds.
func NewChecker(thresholds Thresholds) *Checker {
	return &Checker{thresholds: thresholds}
}

// NewCheckerWithDefaults creates a checker with DefaultThresholds.
func NewCheckerWithDefaults() *Checker {
	return NewChecker(DefaultThresholds())
}

type usageRule struct {
	component string
	value     float64
	warning   float64
	critical  float64
}

// Evaluate grades m. A zero lastDelivery means no heartbeat has been
// accepted yet and is not reported as an issue.
func (c *Checker) Evaluate(m *Metrics, lastDelivery time.Time) *Summary {
	s := &Summary{CheckedAt: time.Now()}
	if m == nil {
		s.Status = StatusUnknown
		return s
	}

	rules := []usageRule{
		{"disk", m.DiskUsage, c.thresholds.DiskWarning, c.thresholds.DiskCritical},
		{"memory", m.MemoryUsage, c.thresholds.MemoryWarning, c.thresholds.MemoryCritical},
		{"cpu", m.CPUUsage, c.thresholds.CPUWarning, c.thresholds.CPUCritical},
	}
	for _, r := range rules {
		switch {
		case r.critical > 0 && r.value >= r.critical:
			s.Issues = append(s.Issues, Issue{
				Component: r.component,
				Severity:  StatusCritical,
				Message:   fmt.Sprintf("%s usage critically high", r.component),
				Value:     r.value,
				Threshold: r.critical,
			})
		case r.warning > 0 && r.value >= r.warning:
			s.Issues = append(s.Issues, Issue{
				Component: r.component,
				Severity:  StatusWarning,
				Message:   fmt.Sprintf("%s usage high", r.component),
				Value:     r.value,
				Threshold: r.warning,
			})
		}
	}

	if !m.NetworkUp {
		s.Issues = append(s.Issues, Issue{
			Component: "network",
			Severity:  StatusCritical,
			Message:   "no active network interface",
		})
	}

	if !lastDelivery.IsZero() && c.thresholds.DeliveryWarning > 0 {
		since := time.Since(lastDelivery)
		if since >= c.thresholds.DeliveryWarning {
			s.Issues = append(s.Issues, Issue{
				Component: "delivery",
				Severity:  StatusWarning,
				Message:   "controller has not accepted a heartbeat recently",
				Value:     since.Minutes(),
				Threshold: c.thresholds.DeliveryWarning.Minutes(),
			})
		}
	}

	s.Status = overallStatus(s.Issues)
	return s
}

func overallStatus(issues []Issue) Status {
	status := StatusHealthy
	for _, issue := range issues {
		switch issue.Severity {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}
