package worker

// ============================================================================
// ExecSpawner - 子行程 Worker 啟動器（process 模式）
// 職責：
// 1. 以 os/exec 啟動同一個執行檔的隱藏 worker 子命令
// 2. 等待子行程透過 gRPC 附加到心跳通道後才視為啟動成功
// 3. Signal 送出 SIGTERM，Kill 送出 SIGKILL
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// DefaultSpawnTimeout 子行程附加的預設等待時間
const DefaultSpawnTimeout = 5 * time.Second

// ErrExitedBeforeAttach 子行程在附加到心跳通道前就已結束
var ErrExitedBeforeAttach = errors.New("worker exited before attaching")

// Attacher 由心跳通道實作，用於確認子行程已連線
type Attacher interface {
	AwaitAttach(ctx context.Context, id types.WorkerID) error
}

// ExecConfig 子行程啟動設定
type ExecConfig struct {
	Binary       string        // 執行檔路徑，空字串時使用 os.Executable()
	Addr         string        // 排程器 gRPC 位址
	SpawnTimeout time.Duration // 等待附加的上限
	ExtraArgs    []string      // 附加在 worker 子命令後的參數（例如 log 設定）
	Stdout       io.Writer     // 子行程標準輸出，nil 時繼承 os.Stdout
	Stderr       io.Writer     // 子行程標準錯誤，nil 時繼承 os.Stderr
}

// ExecSpawner 以子行程執行 Worker，實作 Spawner
type ExecSpawner struct {
	cfg      ExecConfig
	attacher Attacher
	log      zerolog.Logger
}

// NewExecSpawner 建立子行程啟動器
//
// 參數：
//   - cfg: 啟動設定
//   - attacher: 心跳通道（GRPCChannel）
//   - log: logger
//
// 返回值：
//   - *ExecSpawner: 啟動器實例
//   - error: 無法決定執行檔路徑或缺少位址
func NewExecSpawner(cfg ExecConfig, attacher Attacher, log zerolog.Logger) (*ExecSpawner, error) {
	if cfg.Addr == "" {
		return nil, errors.New("exec spawner: scheduler address is required")
	}
	if attacher == nil {
		return nil, errors.New("exec spawner: attacher is required")
	}
	if cfg.Binary == "" {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("exec spawner: resolve executable: %w", err)
		}
		cfg.Binary = bin
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = DefaultSpawnTimeout
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &ExecSpawner{cfg: cfg, attacher: attacher, log: log}, nil
}

// Args 返回啟動 spec 所用的命令列參數（不含執行檔）
func (s *ExecSpawner) Args(spec Spec) []string {
	args := []string{
		"worker",
		"--addr", s.cfg.Addr,
		"--id", string(spec.ID),
		"--deadline-sec", strconv.FormatUint(uint64(spec.Deadline.Seconds), 10),
		"--deadline-nanos", strconv.FormatUint(uint64(spec.Deadline.Nanos), 10),
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Spawn 啟動子行程並等待其附加
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.Command(s.cfg.Binary, s.Args(spec)...)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", spec.ID, err)
	}

	p := &childProcess{
		id:   spec.ID,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.wait()

	actx, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout)
	defer cancel()

	attached := make(chan error, 1)
	go func() { attached <- s.attacher.AwaitAttach(actx, spec.ID) }()

	select {
	case err := <-attached:
		if err != nil {
			_ = p.Kill()
			<-p.done
			return nil, fmt.Errorf("worker %s did not attach: %w", spec.ID, err)
		}
	case <-p.done:
		return nil, fmt.Errorf("%w: %s: %v", ErrExitedBeforeAttach, spec.ID, p.err)
	}

	s.log.Debug().
		Str("worker", string(spec.ID)).
		Int("pid", cmd.Process.Pid).
		Msg("worker process attached")
	return p, nil
}

// childProcess 子行程 Worker 的控制把手
type childProcess struct {
	id   types.WorkerID
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *childProcess) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *childProcess) ID() types.WorkerID { return p.id }

func (p *childProcess) Signal() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *childProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *childProcess) Done() <-chan struct{} { return p.done }

func (p *childProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Pid 返回子行程 PID
func (p *childProcess) Pid() int {
	return p.cmd.Process.Pid
}
