package application

import (
	"context"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/pkg/safego"
	"go.uber.org/zap"
)

// sweepInterval 终态会话回收的检查周期
const sweepInterval = time.Minute

// Manager 进程级会话注册表。容量有上限；终态会话超过 TTL 后被回收，
// 为新会话腾位。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
	ttl      time.Duration
	logger   *zap.Logger
}

// NewManager 创建会话注册表
func NewManager(max int, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		max:      max,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "session-manager")),
	}
}

// Add 注册新会话。满员时先尝试回收过期的终态会话，仍满则拒绝。
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.max {
		m.evictLocked()
	}
	if len(m.sessions) >= m.max {
		return entity.ErrSessionLimit
	}
	m.sessions[s.ID] = s
	m.logger.Info("Session registered",
		zap.String("session", s.ID),
		zap.String("kind", string(s.Kind)),
		zap.Int("active", len(m.sessions)),
	)
	return nil
}

// Get 按 ID 查找
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, entity.ErrSessionNotFound
	}
	return s, nil
}

// List 返回全部会话视图，创建时间倒序由调用方自行排
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Remove 注销会话
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// StartSweeper 启动终态会话回收循环
func (m *Manager) StartSweeper(ctx context.Context) {
	safego.Go(m.logger, "session-sweeper", func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				m.evictLocked()
				m.mu.Unlock()
			}
		}
	})
}

// evictLocked 回收超过 TTL 的终态会话
func (m *Manager) evictLocked() {
	cutoff := time.Now().Add(-m.ttl)
	for id, s := range m.sessions {
		if !s.Status().Terminal() {
			continue
		}
		if t := s.FinishedAt(); !t.IsZero() && t.Before(cutoff) {
			delete(m.sessions, id)
			m.logger.Debug("Session evicted", zap.String("session", id))
		}
	}
}
