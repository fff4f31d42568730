// Package aiwait 跟踪当前会话是否在等待 AI 回复，负责思考占位与轮询兜底。
package aiwait

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/reconcile"
)

// State 等待状态。
type State int

const (
	StateIdle State = iota
	StateWaiting
	// StateReconciled 收到 AI 回复后、清理完成前的瞬时状态。
	StateReconciled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateReconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}

// Options 时间参数。
type Options struct {
	ThinkingDelay time.Duration // 占位插入前的去抖延迟
	PollInterval  time.Duration // 轮询间隔
}

// DefaultOptions 默认 300ms 去抖、3s 轮询。
func DefaultOptions() Options {
	return Options{
		ThinkingDelay: 300 * time.Millisecond,
		PollInterval:  3 * time.Second,
	}
}

// Actions 状态机驱动的副作用，由持有转录的一方提供。
type Actions struct {
	// InsertPlaceholder 插入思考占位。在状态机锁内调用，不得回调 Machine。
	InsertPlaceholder func()
	// ClearPlaceholder 移除思考占位。
	ClearPlaceholder func()
	// Poll 拉取历史并合并，返回合并结果。
	Poll func(ctx context.Context) (reconcile.BatchResult, error)
	// OnChange 状态变化通知。
	OnChange func(State)
}

// Machine 单会话的等待状态机。所有定时回调都校验代次，Stop/Resolve 之后的旧回调不会生效。
type Machine struct {
	opts    Options
	actions Actions
	log     zerolog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	polls  sync.WaitGroup
}

// New 创建状态机。
func New(opts Options, actions Actions, log zerolog.Logger) *Machine {
	def := DefaultOptions()
	if opts.ThinkingDelay < 0 {
		opts.ThinkingDelay = def.ThinkingDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Machine{
		opts:    opts,
		actions: actions,
		log:     log.With().Str("component", "aiwait").Logger(),
	}
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Waiting 报告是否在等待 AI 回复。
func (m *Machine) Waiting() bool {
	return m.State() == StateWaiting
}

// Begin 进入等待：去抖插入占位并启动轮询。已在等待时返回 false。
func (m *Machine) Begin(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == StateWaiting {
		m.mu.Unlock()
		return false
	}

	m.gen++
	gen := m.gen
	m.state = StateWaiting

	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.timer = time.AfterFunc(m.opts.ThinkingDelay, func() { m.showPlaceholder(gen) })

	m.polls.Add(1)
	go m.pollLoop(pollCtx, gen)
	m.mu.Unlock()

	m.log.Debug().Str("from", StateIdle.String()).Str("to", StateWaiting.String()).Msg("ai wait transition")
	m.notify(StateWaiting)
	return true
}

// Observe 处理任一通道合并后的结果；新到达的 AI 回复结束等待。
func (m *Machine) Observe(r reconcile.Result) bool {
	if !r.FreshAI {
		return false
	}
	return m.Resolve()
}

// ObserveBatch 同 Observe，用于批量合并。
func (m *Machine) ObserveBatch(b reconcile.BatchResult) bool {
	if !b.FreshAI {
		return false
	}
	return m.Resolve()
}

// Resolve 结束等待并清理定时器、轮询与占位。不在等待时返回 false。
func (m *Machine) Resolve() bool {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.resolve(gen)
}

// Abort 失败路径：放弃本次等待并撤回占位。
func (m *Machine) Abort() bool {
	if !m.release(StateIdle) {
		return false
	}
	m.clearPlaceholder()
	m.log.Debug().Str("from", StateWaiting.String()).Str("to", StateIdle.String()).Msg("ai wait aborted")
	m.notify(StateIdle)
	return true
}

// Stop 取消所有定时器与轮询，并等待在途轮询退出。用于切换会话或关闭组件。
func (m *Machine) Stop() {
	if m.release(StateIdle) {
		m.log.Debug().Msg("ai wait stopped")
	}
	m.polls.Wait()
}

func (m *Machine) resolve(gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen || m.state != StateWaiting {
		m.mu.Unlock()
		return false
	}
	m.releaseLocked(StateReconciled)
	m.mu.Unlock()
	m.log.Debug().Str("from", StateWaiting.String()).Str("to", StateReconciled.String()).Msg("ai wait transition")

	// 去抖定时器可能在回复合并之后、释放之前插入了占位
	m.clearPlaceholder()

	// 清理期间新的 Begin 可能已经进入等待，此时不再通知空闲
	m.mu.Lock()
	idle := m.state == StateReconciled
	if idle {
		m.state = StateIdle
	}
	m.mu.Unlock()

	if idle {
		m.log.Debug().Str("from", StateReconciled.String()).Str("to", StateIdle.String()).Msg("ai wait transition")
		m.notify(StateIdle)
	}
	return true
}

// release 离开等待状态并使所有在途回调失效。
func (m *Machine) release(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateWaiting {
		return false
	}
	m.releaseLocked(next)
	return true
}

func (m *Machine) releaseLocked(next State) {
	m.gen++
	m.state = next
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Machine) showPlaceholder(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 持锁插入，保证与 release 互斥
	if m.gen != gen || m.state != StateWaiting {
		return
	}
	if m.actions.InsertPlaceholder != nil {
		m.actions.InsertPlaceholder()
	}
}

func (m *Machine) pollLoop(ctx context.Context, gen uint64) {
	defer m.polls.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ctx.Err() != nil || !m.current(gen) || m.actions.Poll == nil {
			return
		}

		result, err := m.actions.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 下一个周期即重试
			m.log.Warn().Err(err).Msg("poll failed")
			continue
		}
		if result.FreshAI {
			m.resolve(gen)
			return
		}
	}
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.state == StateWaiting
}

func (m *Machine) clearPlaceholder() {
	if m.actions.ClearPlaceholder != nil {
		m.actions.ClearPlaceholder()
	}
}

func (m *Machine) notify(state State) {
	if m.actions.OnChange != nil {
		m.actions.OnChange(state)
	}
}
