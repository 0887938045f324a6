package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oss.journal")
	j, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func collect(t *testing.T, path string) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, Replay(path, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// Append / Replay
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	j, path := openTestJournal(t)

	now := types.ClockTime{Seconds: 1, Nanos: 250_000_000}
	require.NoError(t, j.Append(Event{Type: EventLaunch, Slot: 0, WorkerID: "w1"}.At(now)))
	require.NoError(t, j.Append(Event{Type: EventHeartbeat, Slot: 0, WorkerID: "w1", Continue: true}.At(now)))
	require.NoError(t, j.Append(Event{Type: EventTerminate, Slot: 0, WorkerID: "w1"}.At(now)))
	require.NoError(t, j.Close())

	events := collect(t, path)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotZero(t, e.Timestamp)
		assert.NoError(t, VerifyChecksum(e))
		assert.Equal(t, now, e.Clock())
	}
	assert.Equal(t, EventHeartbeat, events[1].Type)
	assert.True(t, events[1].Continue)
}

func TestBufferedEventsInvisibleUntilFlush(t *testing.T) {
	j, path := openTestJournal(t)

	require.NoError(t, j.Append(Event{Type: EventDrain, Slot: -1}))
	assert.Empty(t, collect(t, path), "event should still be buffered")

	require.NoError(t, j.Flush())
	assert.Len(t, collect(t, path), 1)
}

func TestJournalReplayFlushesFirst(t *testing.T) {
	j, _ := openTestJournal(t)
	require.NoError(t, j.Append(Event{Type: EventLaunch, WorkerID: "a"}))

	count := 0
	require.NoError(t, j.Replay(func(Event) error { count++; return nil }))
	assert.Equal(t, 1, count)
}

func TestOpen_ContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oss.journal")

	j, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, j.Append(Event{Type: EventLaunch, WorkerID: "a"}))
	require.NoError(t, j.Append(Event{Type: EventFinish, Slot: -1}))
	require.NoError(t, j.Close())

	j2, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), j2.LastSeq())
	require.NoError(t, j2.Append(Event{Type: EventLaunch, WorkerID: "b"}))
	require.NoError(t, j2.Close())

	events := collect(t, path)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[2].Seq)
}

func TestAppendAfterClose(t *testing.T) {
	j, _ := openTestJournal(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "close is idempotent")

	assert.ErrorIs(t, j.Append(Event{Type: EventLaunch}), ErrJournalClosed)
	assert.ErrorIs(t, j.Flush(), ErrJournalClosed)
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Append(Event{Type: EventLaunch}))
	assert.NoError(t, j.Flush())
	assert.NoError(t, j.Close())
	assert.Equal(t, uint64(0), j.LastSeq())
	assert.Empty(t, j.Path())
}

// ============================================================================
// 損壞偵測
// ============================================================================

func TestReplay_ChecksumMismatch(t *testing.T) {
	j, path := openTestJournal(t)
	require.NoError(t, j.Append(Event{Type: EventLaunch, WorkerID: "honest"}))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "honest", "forged", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	err = Replay(path, func(Event) error { return nil })
	require.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestReplay_CorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.journal")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0644))

	err := Replay(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedJournal)
	assert.Contains(t, err.Error(), "line 1")

	_, err = Open(path, DefaultOptions())
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestReplay_SequenceOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.journal")
	first := Event{Seq: 2, Type: EventLaunch, WorkerID: "a"}
	first.Checksum = CalculateChecksum(first)
	second := Event{Seq: 1, Type: EventLaunch, WorkerID: "b"}
	second.Checksum = CalculateChecksum(second)

	f, err := os.Create(path)
	require.NoError(t, err)
	j := &Journal{file: f, path: path, opts: DefaultOptions()}
	j.encoder = json.NewEncoder(f)
	j.buffer = []Event{first, second}
	require.NoError(t, j.flushLocked())
	require.NoError(t, f.Close())

	err = Replay(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrSequenceGap)
}

func TestReplay_MissingFile(t *testing.T) {
	err := Replay(filepath.Join(t.TempDir(), "absent"), func(Event) error {
		t.Fatal("handler must not be called")
		return nil
	})
	assert.NoError(t, err)
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	j, path := openTestJournal(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(Event{Type: EventHeartbeat}))
	}
	require.NoError(t, j.Close())

	stop := errors.New("stop")
	seen := 0
	err := Replay(path, func(Event) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

// ============================================================================
// Summarize
// ============================================================================

func TestSummarize(t *testing.T) {
	j, path := openTestJournal(t)
	at := func(s uint32) types.ClockTime { return types.ClockTime{Seconds: s} }

	events := []Event{
		Event{Type: EventLaunch, Slot: 0, WorkerID: "a"}.At(at(1)),
		Event{Type: EventLaunch, Slot: 1, WorkerID: "b"}.At(at(2)),
		Event{Type: EventHeartbeat, Slot: 0, WorkerID: "a", Continue: true}.At(at(2)),
		Event{Type: EventHeartbeat, Slot: 1, WorkerID: "b", Continue: true}.At(at(3)),
		Event{Type: EventHeartbeat, Slot: 0, WorkerID: "a"}.At(at(3)),
		Event{Type: EventTerminate, Slot: 0, WorkerID: "a"}.At(at(3)),
		Event{Type: EventDrain, Slot: -1}.At(at(4)),
		Event{Type: EventSignal, Slot: 1, WorkerID: "b"}.At(at(4)),
		Event{Type: EventForceKill, Slot: 1, WorkerID: "b"}.At(at(4)),
		Event{Type: EventFinish, Slot: -1, Detail: "interrupted"}.At(at(4)),
	}
	for _, e := range events {
		require.NoError(t, j.Append(e))
	}
	require.NoError(t, j.Close())

	sum, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, len(events), sum.Events)
	assert.Equal(t, 1, sum.Runs)
	assert.Equal(t, 2, sum.Launches)
	assert.Equal(t, uint64(3), sum.Heartbeats)
	assert.Equal(t, 1, sum.ForcedKills)
	assert.Equal(t, 1, sum.Drains)

	require.Len(t, sum.Workers, 2)
	a, b := sum.Workers[0], sum.Workers[1]
	assert.Equal(t, types.WorkerID("a"), a.ID)
	assert.Equal(t, uint64(2), a.Heartbeats)
	assert.Equal(t, EventTerminate, a.EndReason)
	assert.Equal(t, at(3), a.Ended)
	assert.Equal(t, types.WorkerID("b"), b.ID)
	assert.Equal(t, 1, b.Slot)
	assert.Equal(t, EventForceKill, b.EndReason)
}
