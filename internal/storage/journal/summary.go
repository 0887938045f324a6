package journal

import (
	"sort"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// WorkerHistory is the lifecycle of one worker rebuilt from the journal.
type WorkerHistory struct {
	ID         types.WorkerID  `json:"id"`
	Slot       int             `json:"slot"`
	Launched   types.ClockTime `json:"launched"`
	Ended      types.ClockTime `json:"ended"`
	Heartbeats uint64          `json:"heartbeats"`
	EndReason  EventType       `json:"end_reason,omitempty"` // empty while still running
	firstSeq   uint64
}

// Summary aggregates a journal for the inspect command.
type Summary struct {
	Events      int             `json:"events"`
	Runs        int             `json:"runs"`
	Launches    int             `json:"launches"`
	Heartbeats  uint64          `json:"heartbeats"`
	ForcedKills int             `json:"forced_kills"`
	Drains      int             `json:"drains"`
	Workers     []WorkerHistory `json:"workers"`
}

// Summarize replays the journal at path and folds it into a Summary.
// Workers are ordered by launch.
func Summarize(path string) (Summary, error) {
	var sum Summary
	byID := make(map[types.WorkerID]*WorkerHistory)

	err := Replay(path, func(e Event) error {
		sum.Events++

		switch e.Type {
		case EventLaunch:
			sum.Launches++
			byID[e.WorkerID] = &WorkerHistory{
				ID:       e.WorkerID,
				Slot:     e.Slot,
				Launched: e.Clock(),
				firstSeq: e.Seq,
			}
		case EventHeartbeat:
			sum.Heartbeats++
			if w, ok := byID[e.WorkerID]; ok {
				w.Heartbeats++
			}
		case EventTerminate, EventImplicitExit, EventForceKill:
			if e.Type == EventForceKill {
				sum.ForcedKills++
			}
			if w, ok := byID[e.WorkerID]; ok && w.EndReason != EventForceKill {
				w.EndReason = e.Type
				w.Ended = e.Clock()
			}
		case EventDrain:
			sum.Drains++
		case EventFinish:
			sum.Runs++
		}
		return nil
	})
	if err != nil {
		return sum, err
	}

	sum.Workers = make([]WorkerHistory, 0, len(byID))
	for _, w := range byID {
		sum.Workers = append(sum.Workers, *w)
	}
	sort.Slice(sum.Workers, func(i, j int) bool {
		return sum.Workers[i].firstSeq < sum.Workers[j].firstSeq
	})
	return sum, nil
}
