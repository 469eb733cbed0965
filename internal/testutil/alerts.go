package testutil

import (
	"context"
	"sync"

	"docdelta/internal/alert"
)

// AlertRecorder is an alert.Alerter that keeps every alert in memory.
type AlertRecorder struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *AlertRecorder) SendAlert(_ context.Context, severity alert.Severity, alertType, message string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert.Alert{
		Severity: severity,
		Type:     alertType,
		Message:  message,
		Fields:   fields,
	})
}

func (r *AlertRecorder) Alerts() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// ByType returns the recorded alerts of the given type.
func (r *AlertRecorder) ByType(alertType string) []alert.Alert {
	var out []alert.Alert
	for _, a := range r.Alerts() {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}
