package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFailingDispatch = errors.New("dispatch failed")

func TestNextRunParsesFiveFieldExpression(t *testing.T) {
	next, err := NextRun("*/5 * * * *", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC), next)
}

func TestNextRunRejectsInvalidExpression(t *testing.T) {
	_, err := NextRun("not a cron expression", time.Now())
	require.Error(t, err)
}

func TestCheckShellBlocklistRejectsBlockedCommand(t *testing.T) {
	require.Error(t, checkShellBlocklist("sudo reboot"))
	require.Error(t, checkShellBlocklist("rm important.txt"))
	require.Error(t, checkShellBlocklist("cat ../../etc/shadow"))
	require.NoError(t, checkShellBlocklist("echo hello"))
}

func TestSchedulerCircuitBreakerDisablesAfterThreeFailures(t *testing.T) {
	sched, err := New(Config{
		Dispatcher: MessageDispatcherFunc(func(ctx context.Context, sessionID, text string) error {
			return errFailingDispatch
		}),
	})
	require.NoError(t, err)

	job := &Job{
		ID:       "j1",
		Type:     JobTypeMessage,
		CronExpr: "* * * * *",
		Enabled:  true,
		Message:  &MessageJob{SessionID: "s1", Text: "hi"},
	}
	require.NoError(t, sched.AddJob(job))

	now := time.Now()
	for i := 0; i < maxConsecutiveFailures; i++ {
		sched.run(context.Background(), job, now)
	}

	require.True(t, job.Disabled)
	require.Equal(t, maxConsecutiveFailures, job.ConsecutiveFails)
}

func TestSchedulerEnableResetsCircuitBreaker(t *testing.T) {
	sched, err := New(Config{})
	require.NoError(t, err)

	job := &Job{ID: "j1", Type: JobTypeShell, CronExpr: "* * * * *", Enabled: true, Disabled: true, ConsecutiveFails: 3}
	require.NoError(t, sched.AddJob(job))
	job.Disabled = true

	require.NoError(t, sched.Enable("j1"))
	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	require.False(t, jobs[0].Disabled)
	require.Equal(t, 0, jobs[0].ConsecutiveFails)
}
