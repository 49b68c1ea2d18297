package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRegisterJobRejectsInvalidSchedule(t *testing.T) {
	s := NewService(arbor.NewLogger())

	err := s.RegisterJob("sweep", "not a cron expr", func() error { return nil })
	assert.Error(t, err)
}

func TestRegisterJobRejectsDuplicate(t *testing.T) {
	s := NewService(arbor.NewLogger())

	require.NoError(t, s.RegisterJob("sweep", "*/5 * * * *", func() error { return nil }))
	err := s.RegisterJob("sweep", "*/5 * * * *", func() error { return nil })
	assert.Error(t, err)
}

func TestTriggerJobRunsHandler(t *testing.T) {
	s := NewService(arbor.NewLogger())

	var runs atomic.Int32
	require.NoError(t, s.RegisterJob("sweep", "*/5 * * * *", func() error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.TriggerJob("sweep"))
	require.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond)

	status, err := s.GetJobStatus("sweep")
	require.NoError(t, err)
	assert.NotNil(t, status.LastRun)
	assert.Empty(t, status.LastError)
	assert.False(t, status.IsRunning)
}

func TestTriggerJobRecordsFailure(t *testing.T) {
	s := NewService(arbor.NewLogger())

	require.NoError(t, s.RegisterJob("sweep", "*/5 * * * *", func() error {
		return errors.New("remote is down")
	}))

	require.NoError(t, s.TriggerJob("sweep"))
	require.Eventually(t, func() bool {
		status, err := s.GetJobStatus("sweep")
		return err == nil && status.LastError != ""
	}, time.Second, 5*time.Millisecond)

	status, err := s.GetJobStatus("sweep")
	require.NoError(t, err)
	assert.Equal(t, "remote is down", status.LastError)
}

func TestTriggerJobUnknown(t *testing.T) {
	s := NewService(arbor.NewLogger())
	assert.Error(t, s.TriggerJob("no-such-job"))
}

func TestStartStop(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("sweep", "*/5 * * * *", func() error { return nil }))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start()) // double start rejected

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop()) // stop is idempotent
}

func TestGetAllJobStatuses(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("sweep", "*/5 * * * *", func() error { return nil }))
	require.NoError(t, s.RegisterJob("bulk-sync", "0 2 * * *", func() error { return nil }))

	statuses := s.GetAllJobStatuses()
	assert.Len(t, statuses, 2)
	assert.Contains(t, statuses, "sweep")
	assert.Contains(t, statuses, "bulk-sync")
}
