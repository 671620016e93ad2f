package featurebranch

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/octopus"
)

// TaskCanceller cancels the running deployment tasks of a branch channel.
type TaskCanceller struct {
	api     API
	locator *Locator
}

func NewTaskCanceller(api API, locator *Locator) *TaskCanceller {
	return &TaskCanceller{api: api, locator: locator}
}

// CancelActiveTasks requests cancellation of every unfinished task deployed
// through the branch channel and returns how many requests it sent.
// Cancellation completes asynchronously, so a non-zero count means the
// caller should poll again.
func (c *TaskCanceller) CancelActiveTasks(ctx context.Context, spaceID, projectID, branch string) (int, error) {
	channelID, found, err := c.locator.FindChannel(ctx, spaceID, projectID, branch)
	if err != nil || !found {
		return 0, err
	}

	q := url.Values{}
	q.Set("projects", projectID)
	q.Set("channels", channelID)
	var page struct {
		Items []octopus.Deployment `json:"Items"`
	}
	if err := c.api.Query(ctx, octopus.SpacePath(spaceID, octopus.Deployments), q, &page); err != nil {
		return 0, err
	}

	log := logFor(ctx).With(zap.String("channel_id", channelID))
	cancelled := 0
	for _, d := range page.Items {
		if d.TaskID == "" {
			continue
		}
		taskPath := octopus.SpacePath(spaceID, octopus.Tasks, d.TaskID)
		var task octopus.Task
		if err := c.api.Get(ctx, taskPath, &task); err != nil {
			return cancelled, err
		}
		if task.IsCompleted {
			continue
		}
		if err := c.api.Action(ctx, taskPath, "cancel"); err != nil {
			return cancelled, err
		}
		log.Info("requested task cancellation",
			zap.String("deployment_id", d.ID),
			zap.String("task_id", task.ID),
			zap.String("state", task.State),
		)
		cancelled++
	}
	return cancelled, nil
}

// WaitForQuiescence calls CancelActiveTasks until a round finds nothing left
// to cancel, sleeping interval between rounds. It returns the number of
// rounds and the total cancellation requests sent.
func (c *TaskCanceller) WaitForQuiescence(ctx context.Context, spaceID, projectID, branch string, interval time.Duration) (rounds, cancelled int, err error) {
	for {
		rounds++
		n, err := c.CancelActiveTasks(ctx, spaceID, projectID, branch)
		cancelled += n
		if err != nil {
			return rounds, cancelled, err
		}
		if n == 0 {
			return rounds, cancelled, nil
		}
		logFor(ctx).Info("waiting for cancelled tasks to finish",
			zap.Int("round", rounds),
			zap.Int("cancelled", n),
			zap.Duration("interval", interval),
		)
		if err := sleep(ctx, interval); err != nil {
			return rounds, cancelled, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
