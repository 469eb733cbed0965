package app

import (
	"context"
	"fmt"
	"log/slog"

	"docdelta/internal/alert"
	"docdelta/internal/queue"
)

// dispatchAll hands jobs to the dispatcher and returns how many were
// accepted. A job that fails to dispatch stays queued in the store; the
// recovery sweep re-dispatches it once its version is past the stuck
// threshold.
func dispatchAll(ctx context.Context, dispatcher queue.Dispatcher, logger *slog.Logger, jobs []queue.Job) int {
	accepted := 0
	for _, job := range jobs {
		if err := dispatcher.Dispatch(ctx, job); err != nil {
			logger.Warn("dispatch job failed, left queued",
				"job_id", job.ID(), "kind", job.Kind(), "error", err)
			continue
		}
		accepted++
	}
	return accepted
}

type alertingDispatcher struct {
	queue.Dispatcher
	alerter alert.Alerter
}

// NewAlertingDispatcher raises a warning alert for every job next refuses.
func NewAlertingDispatcher(next queue.Dispatcher, alerter alert.Alerter) queue.Dispatcher {
	return &alertingDispatcher{Dispatcher: next, alerter: alerter}
}

func (d *alertingDispatcher) Dispatch(ctx context.Context, job queue.Job) error {
	err := d.Dispatcher.Dispatch(ctx, job)
	if err != nil {
		d.alerter.SendAlert(ctx, alert.SeverityWarning, alert.TypeDispatchFailed,
			fmt.Sprintf("dispatch of %s job %d failed", job.Kind(), job.ID()),
			map[string]any{"job_id": job.ID(), "kind": string(job.Kind()), "error": err.Error()})
	}
	return err
}
