package models

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass 定义了标的的资产类别。
// 它只影响适配器如何请求行情以及是否允许小数/名义订单，引擎本身不关心。
type AssetClass string

const (
	AssetClassStock  AssetClass = "stock"
	AssetClassCrypto AssetClass = "crypto"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus 是经纪商侧报告的订单状态，已归一化为四种取值
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderUnknown   OrderStatus = "UNKNOWN"
)

// SlotStatus 是账本中单个档位记录的状态
type SlotStatus string

const (
	SlotNone      SlotStatus = "NONE"
	SlotPending   SlotStatus = "PENDING"
	SlotFilled    SlotStatus = "FILLED"
	SlotCancelled SlotStatus = "CANCELLED"
)

// Sizing 定义了单格仓位的计算方式。两种模式互斥：
// AllocationFraction 按账户权益比例下名义价值单，FixedQuantity 每格固定数量。
type Sizing struct {
	AllocationFraction float64 `json:"allocation_fraction,omitempty"`
	FixedQuantity      float64 `json:"fixed_quantity,omitempty"`
}

// Validate 检查仓位模式是否恰好设置了一种
func (s Sizing) Validate() error {
	hasAllocation := s.AllocationFraction != 0
	hasQuantity := s.FixedQuantity != 0
	if hasAllocation && hasQuantity {
		return &SizingConfigError{Reason: "allocation_fraction 与 fixed_quantity 互斥，只能设置其一"}
	}
	if !hasAllocation && !hasQuantity {
		return &SizingConfigError{Reason: "必须设置 allocation_fraction 或 fixed_quantity 之一"}
	}
	if hasAllocation && (s.AllocationFraction <= 0 || s.AllocationFraction > 1) {
		return &SizingConfigError{Reason: fmt.Sprintf("allocation_fraction 必须在 (0, 1] 内, 实际为 %v", s.AllocationFraction)}
	}
	if hasQuantity && s.FixedQuantity <= 0 {
		return &SizingConfigError{Reason: fmt.Sprintf("fixed_quantity 必须为正数, 实际为 %v", s.FixedQuantity)}
	}
	return nil
}

// IsNotional 报告该模式是否按名义价值下单
func (s Sizing) IsNotional() bool {
	return s.AllocationFraction != 0
}

// OrderSize 表示一笔订单的规模：按基础资产数量或按计价货币名义价值，二者必居其一
type OrderSize struct {
	Quantity float64 `json:"quantity,omitempty"`
	Notional float64 `json:"notional,omitempty"`
}

// IsNotional 报告该订单是否为名义价值单
func (s OrderSize) IsNotional() bool {
	return s.Notional != 0
}

// Units 返回按给定价格折算的基础资产数量
func (s OrderSize) Units(price float64) float64 {
	if s.IsNotional() && price > 0 {
		return s.Notional / price
	}
	return s.Quantity
}

// GridLevel 代表网格中的一个价格档位，构造后不可变
type GridLevel struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
}

// OrderSlot 是账本中每个档位的可变记录。
// 任意时刻一个档位至多有一个活动槽位，由所属引擎实例独占，不跨协程共享。
type OrderSlot struct {
	LevelIndex    int        `json:"level_index"`
	Side          Side       `json:"side"`
	Size          OrderSize  `json:"size"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	Status        SlotStatus `json:"status"`
}

// GridConfig 是一个机器人实例的全部静态参数，构造后不可变
type GridConfig struct {
	Symbol     string     `json:"symbol"`
	Broker     string     `json:"broker"`      // 经纪商选择字符串, e.g. "alpaca", "binance", "paper"
	AssetClass AssetClass `json:"asset_class"` // "stock" 或 "crypto"

	RangeLow  float64 `json:"range_low"`
	RangeHigh float64 `json:"range_high"`
	GridCount int     `json:"grid_count"` // 档位数量，含区间两端

	Sizing Sizing `json:"sizing"`

	// 越界边界。为零时由 ApplyDefaults 取区间外一格
	TopStop    float64 `json:"top_stop,omitempty"`
	BottomStop float64 `json:"bottom_stop,omitempty"`

	PollIntervalMs      int `json:"poll_interval_ms,omitempty"`
	RetryAttempts       int `json:"retry_attempts,omitempty"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms,omitempty"`
}

const (
	DefaultGridCount      = 21
	DefaultPollIntervalMs = 500
	DefaultRetryAttempts  = 3
	DefaultRetryDelayMs   = 250
)

// Step 返回网格间距
func (c *GridConfig) Step() float64 {
	if c.GridCount < 2 {
		return 0
	}
	return (c.RangeHigh - c.RangeLow) / float64(c.GridCount-1)
}

// PollInterval 返回轮询间隔
func (c *GridConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RetryInitialDelay 返回瞬时失败后的首次重试延迟
func (c *GridConfig) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

// ApplyDefaults 为未设置的可选字段填入默认值。必须在 Validate 之前调用。
func (c *GridConfig) ApplyDefaults() {
	c.Symbol = strings.ToUpper(c.Symbol)
	if c.AssetClass == "" {
		c.AssetClass = AssetClassCrypto
	}
	if c.GridCount == 0 {
		c.GridCount = DefaultGridCount
	}
	step := c.Step()
	// 安全边界默认取区间外一格
	if c.TopStop == 0 {
		c.TopStop = c.RangeHigh + step
	}
	if c.BottomStop == 0 {
		c.BottomStop = c.RangeLow - step
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryInitialDelayMs <= 0 {
		c.RetryInitialDelayMs = DefaultRetryDelayMs
	}
}

// Validate 对配置做急切校验，任何网络调用之前失败
func (c *GridConfig) Validate() error {
	if c.Symbol == "" {
		return &InvalidRangeError{Reason: "symbol 不能为空"}
	}
	if c.AssetClass != AssetClassStock && c.AssetClass != AssetClassCrypto {
		return &InvalidRangeError{Reason: fmt.Sprintf("无效的资产类别: %q", c.AssetClass)}
	}
	if c.RangeLow >= c.RangeHigh {
		return &InvalidRangeError{Reason: fmt.Sprintf("range_low (%v) 必须小于 range_high (%v)", c.RangeLow, c.RangeHigh)}
	}
	if c.GridCount < 2 {
		return &InvalidRangeError{Reason: fmt.Sprintf("grid_count 至少为 2, 实际为 %d", c.GridCount)}
	}
	if err := c.Sizing.Validate(); err != nil {
		return err
	}
	// 不变式: bottom_stop < range_low < range_high < top_stop
	if !(c.BottomStop < c.RangeLow && c.RangeHigh < c.TopStop) {
		return &InvalidRangeError{Reason: fmt.Sprintf(
			"安全边界必须满足 bottom_stop (%v) < range_low (%v) < range_high (%v) < top_stop (%v)",
			c.BottomStop, c.RangeLow, c.RangeHigh, c.TopStop)}
	}
	return nil
}

// InvalidRangeError 表示区间或网格参数无效
type InvalidRangeError struct {
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid grid range: %s", e.Reason)
}

// SizingConfigError 表示仓位模式配置无效
type SizingConfigError struct {
	Reason string
}

func (e *SizingConfigError) Error() string {
	return fmt.Sprintf("invalid sizing config: %s", e.Reason)
}

// Config 是顶层配置文件结构。一个进程可以部署多个相互独立的机器人实例。
type Config struct {
	DBPath string    `json:"db_path"` // 状态数据库目录，留空则不持久化
	Log    LogConfig `json:"log"`

	// 各机器人条目未覆盖时使用的全局默认值
	PollIntervalMs      int `json:"poll_interval_ms,omitempty"`
	RetryAttempts       int `json:"retry_attempts,omitempty"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms,omitempty"`

	Bots []BotConfig `json:"bots"`
}

// BotConfig 是配置文件中的一个机器人条目。
// 区间可以直接给出 (range_low/range_high)，也可以只给 grid_height，
// 由启动时的现价对称推算（等价于 FromDefaults 构造方式）。
type BotConfig struct {
	Symbol     string  `json:"symbol"`
	Broker     string  `json:"broker,omitempty"`
	AssetClass string  `json:"asset_class,omitempty"`
	RangeLow   float64 `json:"range_low,omitempty"`
	RangeHigh  float64 `json:"range_high,omitempty"`
	GridHeight float64 `json:"grid_height,omitempty"`
	GridCount  int     `json:"grid_count,omitempty"`

	AllocationFraction float64 `json:"allocation_fraction,omitempty"`
	FixedQuantity      float64 `json:"fixed_quantity,omitempty"`

	TopProfitStop    float64 `json:"top_profit_stop,omitempty"`
	BottomProfitStop float64 `json:"bottom_profit_stop,omitempty"`

	PollIntervalMs int `json:"poll_interval_ms,omitempty"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
