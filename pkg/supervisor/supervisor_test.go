package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func supervised(t *testing.T, spec Spec) State {
	t.Helper()
	s, err := New().Add(spec)
	require.NoError(t, err)
	return s
}

func TestDelayBacksOffAndCaps(t *testing.T) {
	spec := DefaultSpec("accrual")
	for attempt, want := range map[int]int64{0: 1000, 1: 2000, 2: 4000, 4: 16000, 5: 30000, 40: 30000} {
		assert.Equal(t, want, spec.Delay(attempt), "attempt %d", attempt)
	}
}

func TestAddAppliesDefaults(t *testing.T) {
	s := supervised(t, Spec{ModuleID: "accrual"})
	c, ok := s.Child("accrual")
	require.True(t, ok)
	assert.Equal(t, DefaultSpec("accrual"), c.Spec)
	assert.Equal(t, ChildRunning, c.State)
	assert.Equal(t, LevelRestart, c.Level)

	_, err := s.Add(Spec{ModuleID: "accrual"})
	require.Error(t, err)
	_, err = s.Add(Spec{})
	require.Error(t, err)
}

func TestTemporaryIsNeverRestarted(t *testing.T) {
	s := supervised(t, Spec{ModuleID: "report", Strategy: Temporary})
	s, act, err := s.ReportCrash("report", "panic", 10)
	require.NoError(t, err)
	assert.Equal(t, ActionStop, act.Kind)
	c, _ := s.Child("report")
	assert.Equal(t, ChildStopped, c.State)
}

func TestTransientStopsOnNormalExit(t *testing.T) {
	for _, reason := range []string{"normal", "shutdown"} {
		s := supervised(t, Spec{ModuleID: "sync", Strategy: Transient})
		s, act, err := s.ReportCrash("sync", reason, 10)
		require.NoError(t, err)
		assert.Equal(t, ActionStop, act.Kind, reason)
		c, _ := s.Child("sync")
		assert.Equal(t, ChildTerminated, c.State)
	}

	s := supervised(t, Spec{ModuleID: "sync", Strategy: Transient})
	_, act, err := s.ReportCrash("sync", "handler panic", 10)
	require.NoError(t, err)
	assert.Equal(t, ActionRestart, act.Kind)
}

func TestRestartScheduleAndDue(t *testing.T) {
	s := supervised(t, DefaultSpec("accrual"))
	s, act, err := s.ReportCrash("accrual", "panic", 100)
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: ActionRestart, ModuleID: "accrual", DelayMs: 1000, At: 1100, Level: LevelRestart}, act)

	assert.Empty(t, s.Due(1099))
	assert.Equal(t, []string{"accrual"}, s.Due(1100))

	s, err = s.Started("accrual")
	require.NoError(t, err)
	assert.Empty(t, s.Due(5000))

	s, act, err = s.ReportCrash("accrual", "panic", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), act.DelayMs)
	c, _ := s.Child("accrual")
	assert.Equal(t, 2, c.Restarts)
	assert.Equal(t, uint64(2), c.TotalCrashes)
}

func TestDueOrdersByTimeThenID(t *testing.T) {
	s := New()
	for _, id := range []string{"b", "a", "c"} {
		var err error
		s, err = s.Add(DefaultSpec(id))
		require.NoError(t, err)
	}
	s, _, _ = s.ReportCrash("c", "x", 0)
	s, _, _ = s.ReportCrash("b", "x", 500)
	s, _, _ = s.ReportCrash("a", "x", 500)
	assert.Equal(t, []string{"c", "a", "b"}, s.Due(2000))
}

func TestEscalation(t *testing.T) {
	s := supervised(t, DefaultSpec("accrual"))
	var (
		act Action
		err error
	)
	levels := []Level{}
	for i := range 15 {
		s, act, err = s.ReportCrash("accrual", "panic", int64(i))
		require.NoError(t, err)
		require.Equal(t, ActionRestart, act.Kind, "crash %d", i+1)
		levels = append(levels, act.Level)
	}
	assert.Equal(t, LevelRestart, levels[4])
	assert.Equal(t, LevelRestartWithBackoff, levels[5])
	assert.Equal(t, LevelIsolate, levels[14])

	s, act, err = s.ReportCrash("accrual", "panic", 15)
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, act.Kind)
	assert.Equal(t, LevelNotify, act.Level)
	c, _ := s.Child("accrual")
	assert.Equal(t, ChildStopped, c.State)
	assert.Empty(t, s.Due(1_000_000))
}

func TestWindowExpiryResetsIntensity(t *testing.T) {
	s := supervised(t, DefaultSpec("accrual"))
	for i := range 6 {
		s, _, _ = s.ReportCrash("accrual", "panic", int64(i))
	}
	c, _ := s.Child("accrual")
	require.Equal(t, LevelRestartWithBackoff, c.Level)

	s, act, err := s.ReportCrash("accrual", "panic", 60_001)
	require.NoError(t, err)
	assert.Equal(t, LevelRestart, act.Level)
	assert.Equal(t, int64(1000), act.DelayMs)
	c, _ = s.Child("accrual")
	assert.Equal(t, int64(60_001), c.WindowStart)
	assert.Equal(t, 1, c.Restarts)
}

func TestLevelNextSaturates(t *testing.T) {
	assert.Equal(t, LevelShutdown, LevelShutdown.Next())
	assert.Equal(t, LevelIsolate, LevelRestartWithBackoff.Next())
	assert.Equal(t, "notify", LevelNotify.String())
}

func TestStateIsAValue(t *testing.T) {
	s := supervised(t, DefaultSpec("accrual"))
	after, _, err := s.ReportCrash("accrual", "panic", 0)
	require.NoError(t, err)
	before, _ := s.Child("accrual")
	assert.Equal(t, ChildRunning, before.State)
	c, _ := after.Child("accrual")
	assert.Equal(t, ChildRestarting, c.State)

	_, _, err = s.ReportCrash("missing", "panic", 0)
	require.Error(t, err)
	assert.Len(t, after.Remove("accrual").Children(), 0)
	assert.Len(t, after.Children(), 1)
}
