package scheduler

// State 排程器生命週期狀態
// 只會單向前進：RUNNING → DRAINING → TERMINATED（正常結束時跳過 DRAINING）
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}
