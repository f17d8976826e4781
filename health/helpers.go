package health

import (
	"fmt"
	"strings"
	"time"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StatusHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy returns a healthy status for component
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewDegraded returns a degraded status: still working, attention needed
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// NewUnhealthy returns an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// Aggregate folds sub-statuses into one: the worst sub-status decides, and the
// message names the sub-components responsible.
func Aggregate(component string, subStatuses []Status) Status {
	var unhealthy, degraded []string
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}

	var st Status
	switch {
	case len(unhealthy) > 0:
		st = NewUnhealthy(component, fmt.Sprintf("unhealthy: %s", strings.Join(unhealthy, ", ")))
	case len(degraded) > 0:
		st = NewDegraded(component, fmt.Sprintf("degraded: %s", strings.Join(degraded, ", ")))
	default:
		st = NewHealthy(component, fmt.Sprintf("%d components healthy", len(subStatuses)))
	}

	if len(subStatuses) > 0 {
		st.SubStatuses = append([]Status(nil), subStatuses...)
	}
	return st
}
