package duration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zimfarm/internal/domain"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func run(worker string, start time.Time, took time.Duration) domain.Task {
	return domain.Task{
		WorkerName: worker,
		Status:     domain.StatusSucceeded,
		Timestamps: []domain.Timestamp{
			{Status: domain.StatusReserved, At: start.Add(-time.Minute)},
			{Status: domain.StatusStarted, At: start},
			{Status: domain.StatusSucceeded, At: start.Add(took)},
		},
	}
}

func TestLatestStartedIsUsed(t *testing.T) {
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Hour)
	task := domain.Task{
		WorkerName: "w1",
		Status:     domain.StatusSucceeded,
		Timestamps: []domain.Timestamp{
			{Status: domain.StatusReserved, At: t0},
			{Status: domain.StatusStarted, At: t1},
			{Status: domain.StatusStarted, At: t1.Add(5 * time.Second)},
			{Status: domain.StatusSucceeded, At: t2},
		},
	}
	s := FromTasks([]domain.Task{task})
	require.NotNil(t, s)
	require.NotNil(t, s.Single)
	assert.Equal(t, t2.Sub(t1.Add(5*time.Second)), s.Single.Value)
	assert.Equal(t, "w1", s.Single.Worker)
	assert.Equal(t, t2, s.Single.On)
}

func TestEmptyHistory(t *testing.T) {
	assert.Nil(t, FromTasks(nil))
	failed := domain.Task{WorkerName: "w1", Status: domain.StatusFailed, Timestamps: []domain.Timestamp{
		{Status: domain.StatusStarted, At: t0},
		{Status: domain.StatusFailed, At: t0.Add(time.Minute)},
	}}
	assert.Nil(t, FromTasks([]domain.Task{failed}))
	assert.Nil(t, FromSchedule(ScheduleDuration{}))
}

func TestSingleWhenAllEqual(t *testing.T) {
	s := FromTasks([]domain.Task{
		run("w1", t0, time.Hour),
		run("w2", t0.Add(24*time.Hour), time.Hour),
	})
	require.NotNil(t, s.Single)
	assert.Nil(t, s.Range)
	assert.Equal(t, time.Hour, s.Single.Value)
	assert.Equal(t, "w2", s.Single.Worker)
}

func TestRangeDeduplicatesWorkers(t *testing.T) {
	s := FromTasks([]domain.Task{
		run("w1", t0, time.Hour),
		run("w1", t0.Add(24*time.Hour), time.Hour),
		run("w2", t0, 3*time.Hour),
		run("w3", t0, 3*time.Hour),
		run("w4", t0, 2*time.Hour),
	})
	require.NotNil(t, s.Range)
	assert.Equal(t, time.Hour, s.Range.Min)
	assert.Equal(t, 3*time.Hour, s.Range.Max)
	assert.Equal(t, []string{"w1"}, s.Range.MinWorkers)
	assert.Equal(t, []string{"w2", "w3"}, s.Range.MaxWorkers)
	assert.Equal(t, 3*time.Hour, s.Max())
}

func TestIdempotentAndMaxMonotonic(t *testing.T) {
	history := []domain.Task{
		run("w1", t0, time.Hour),
		run("w2", t0, 3*time.Hour),
	}
	a := FromTasks(history)
	b := FromTasks(history)
	assert.Equal(t, a, b)

	for _, took := range []time.Duration{time.Minute, time.Hour, 2 * time.Hour, 3 * time.Hour} {
		extended := append(append([]domain.Task(nil), history...), run("w2", t0.Add(48*time.Hour), took))
		s := FromTasks(extended)
		require.NotNil(t, s.Range)
		assert.Equal(t, 3*time.Hour, s.Range.Max, took)
	}
}

func TestFromSchedule(t *testing.T) {
	def := &Observed{Value: time.Hour, On: t0}
	s := FromSchedule(ScheduleDuration{Default: def})
	require.NotNil(t, s.Single)
	assert.Equal(t, time.Hour, s.Single.Value)

	s = FromSchedule(ScheduleDuration{Default: def, Workers: map[string]Observed{
		"w1": {Value: 2 * time.Hour, On: t0},
		"w2": {Value: 4 * time.Hour, On: t0},
	}})
	require.NotNil(t, s.Range)
	assert.Equal(t, []string{"w1"}, s.Range.MinWorkers)
	assert.Equal(t, []string{"w2"}, s.Range.MaxWorkers)
}

func TestSummaryJSON(t *testing.T) {
	s := FromTasks([]domain.Task{run("w1", t0, 90*time.Second)})
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"single","value":90,"worker":"w1","on":"2024-06-01T00:01:30Z"}`, string(b))
}

func TestSummaryJSONDecode(t *testing.T) {
	var s Summary
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"range","min":60,"max":7200,"min_workers":["a"],"max_workers":["b","c"]}`), &s))
	require.NotNil(t, s.Range)
	assert.Nil(t, s.Single)
	assert.Equal(t, 2*time.Hour, s.Max())
	assert.Equal(t, []string{"b", "c"}, s.Range.MaxWorkers)

	single := FromTasks([]domain.Task{run("w1", t0, 90*time.Second)})
	b, err := json.Marshal(single)
	require.NoError(t, err)
	var back Summary
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Single)
	assert.Equal(t, 90*time.Second, back.Max())
	assert.Equal(t, "w1", back.Single.Worker)
}
