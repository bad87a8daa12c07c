package models

import "time"

// EngineState 是单个机器人实例的生命周期状态
type EngineState string

const (
	StateSeeding    EngineState = "SEEDING"
	StateActive     EngineState = "ACTIVE"
	StateBreached   EngineState = "BREACHED"
	StateTerminated EngineState = "TERMINATED"
)

// LedgerSnapshot 定义了需要持久化的全部关键数据。
// 每次账本变更后写入一份，进程重启后用于恢复。
type LedgerSnapshot struct {
	BotID          string            `json:"bot_id"`  // Bot 的唯一标识符
	Symbol         string            `json:"symbol"`  // 交易对, e.g. "BTCUSD"
	Version        int               `json:"version"` // 快照模型版本号，用于未来迁移
	State          EngineState       `json:"state"`
	Levels         []GridLevel       `json:"levels"`   // 静态网格定义（周期内不变）
	Slots          map[int]OrderSlot `json:"slots"`    // 各档位槽位的动态状态
	Position       float64           `json:"position"` // 启动以来累计的净持仓（基础资产）
	LastUpdateTime time.Time         `json:"last_update_time"`
}

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1
