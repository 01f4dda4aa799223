package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionSnapshotModel 终态会话快照。会话结束（完成/失败/取消）时落库，
// 运行中的状态只存在于内存。
type SessionSnapshotModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Kind       string `gorm:"index;size:32;not null"` // dd, roundtable_analysis, roundtable_trading
	Status     string `gorm:"size:32;not null"`
	Title      string `gorm:"size:255"` // 项目名或交易标的
	Result     string `gorm:"type:text"` // JSON：备忘录 / 会议产出
	Transcript string `gorm:"type:text"` // JSON：总线消息数组
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// TableName 指定表名
func (SessionSnapshotModel) TableName() string {
	return "session_snapshots"
}

// SignalModel 历史交易信号
type SignalModel struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"index;size:64;not null"`
	Symbol        string `gorm:"index;size:32;not null"`
	Direction     string `gorm:"size:16;not null"`
	Leverage      int
	AmountPercent float64
	EntryPrice    float64
	TakeProfit    float64
	StopLoss      float64
	Confidence    int
	Reasoning     string `gorm:"type:text"`
	CreatedAt     time.Time
}

// TableName 指定表名
func (SignalModel) TableName() string {
	return "signals"
}
