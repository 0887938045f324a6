package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// slotEntry 讓 types.Slot 以 zerolog 物件輸出
type slotEntry types.Slot

func (e slotEntry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Int("slot", e.Index).
		Str("worker", string(e.WorkerID)).
		Stringer("start", e.Start).
		Uint64("heartbeats", e.HeartbeatsSent)
}

// slotList 只輸出被佔用的槽位
type slotList []types.Slot

func (l slotList) MarshalZerologArray(a *zerolog.Array) {
	for _, s := range l {
		if s.Occupied {
			a.Object(slotEntry(s))
		}
	}
}

// logTable 輸出行程表快照並更新 gauge
func (s *Scheduler) logTable(reason string) {
	now := s.clock.Now()
	slots := s.table.Snapshot()
	occupied := s.table.CountOccupied()

	s.metrics.UpdateTable(occupied, now)

	s.log.Info().
		Str("reason", reason).
		Stringer("clock", now).
		Int("occupied", occupied).
		Int("capacity", len(slots)).
		Array("slots", slotList(slots)).
		Msg("process table")
}
