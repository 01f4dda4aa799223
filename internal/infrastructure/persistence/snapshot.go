package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// SessionSnapshot 落库前的会话快照
type SessionSnapshot struct {
	ID         string
	Kind       entity.SessionKind
	Status     entity.SessionStatus
	Title      string
	Result     interface{} // 备忘录 / 会议产出，JSON 序列化后存储
	Transcript []entity.Message
	StartedAt  time.Time
	FinishedAt time.Time
}

// SnapshotStore persists terminal session snapshots and emitted signals.
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore 创建快照仓储
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save 保存终态会话快照。非终态会话拒绝落库。
func (s *SnapshotStore) Save(ctx context.Context, snap SessionSnapshot) error {
	if !snap.Status.Terminal() {
		return errors.New("refusing to snapshot a non-terminal session")
	}

	resultJSON, err := json.Marshal(snap.Result)
	if err != nil {
		return err
	}
	transcriptJSON, err := json.Marshal(snap.Transcript)
	if err != nil {
		return err
	}

	model := &models.SessionSnapshotModel{
		ID:         snap.ID,
		Kind:       string(snap.Kind),
		Status:     string(snap.Status),
		Title:      snap.Title,
		Result:     string(resultJSON),
		Transcript: string(transcriptJSON),
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	return s.db.WithContext(ctx).Save(model).Error
}

// Find 按 ID 取回快照
func (s *SnapshotStore) Find(ctx context.Context, id string) (*SessionSnapshot, error) {
	var model models.SessionSnapshotModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, entity.ErrSessionNotFound
		}
		return nil, err
	}
	return toSnapshot(&model)
}

// List 按时间倒序返回最近的快照（不含 transcript，列表页用）
func (s *SnapshotStore) List(ctx context.Context, kind entity.SessionKind, limit int) ([]SessionSnapshot, error) {
	q := s.db.WithContext(ctx).
		Model(&models.SessionSnapshotModel{}).
		Omit("transcript").
		Order("finished_at desc").
		Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}

	var rows []models.SessionSnapshotModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]SessionSnapshot, 0, len(rows))
	for i := range rows {
		snap, err := toSnapshot(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

// SaveSignal 记录一条已执行的交易信号
func (s *SnapshotStore) SaveSignal(ctx context.Context, sessionID string, sig *entity.TradingSignal) error {
	model := &models.SignalModel{
		SessionID:     sessionID,
		Symbol:        sig.Symbol,
		Direction:     string(sig.Direction),
		Leverage:      sig.Leverage,
		AmountPercent: sig.AmountPercent,
		EntryPrice:    sig.EntryPrice,
		TakeProfit:    sig.TakeProfit,
		StopLoss:      sig.StopLoss,
		Confidence:    sig.Confidence,
		Reasoning:     sig.Reasoning,
		CreatedAt:     sig.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// Signals 返回某标的最近的信号，时间倒序
func (s *SnapshotStore) Signals(ctx context.Context, symbol string, limit int) ([]entity.TradingSignal, error) {
	var rows []models.SignalModel
	q := s.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]entity.TradingSignal, 0, len(rows))
	for _, r := range rows {
		out = append(out, entity.TradingSignal{
			Symbol:        r.Symbol,
			Direction:     entity.Direction(r.Direction),
			Leverage:      r.Leverage,
			AmountPercent: r.AmountPercent,
			EntryPrice:    r.EntryPrice,
			TakeProfit:    r.TakeProfit,
			StopLoss:      r.StopLoss,
			Confidence:    r.Confidence,
			Reasoning:     r.Reasoning,
			CreatedAt:     r.CreatedAt,
		})
	}
	return out, nil
}

func toSnapshot(model *models.SessionSnapshotModel) (*SessionSnapshot, error) {
	snap := &SessionSnapshot{
		ID:         model.ID,
		Kind:       entity.SessionKind(model.Kind),
		Status:     entity.SessionStatus(model.Status),
		Title:      model.Title,
		StartedAt:  model.StartedAt,
		FinishedAt: model.FinishedAt,
	}
	if model.Result != "" {
		var result interface{}
		if err := json.Unmarshal([]byte(model.Result), &result); err == nil {
			snap.Result = result
		}
	}
	if model.Transcript != "" {
		if err := json.Unmarshal([]byte(model.Transcript), &snap.Transcript); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
