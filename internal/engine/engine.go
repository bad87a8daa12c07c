// Package engine 实现网格策略的核心状态机。
// 每个 GridEngine 实例是一条独立的顺序循环：没有内部并发，
// 也不与其他实例共享任何可变状态；多实例并行由上层编排。
package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"grid-trader-go/internal/broker"
	"grid-trader-go/internal/grid"
	"grid-trader-go/internal/ledger"
	"grid-trader-go/internal/logger"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/persistence"

	"go.uber.org/zap"
)

const (
	// 越界平仓的最大重试次数。超过后只能发 CRITICAL 日志交给人工处理。
	flattenMaxAttempts = 8
	positionEpsilon    = 1e-9
)

// GridEngine 是网格交易机器人的核心结构。
// 状态机: Seeding → Active → Breached → Terminated。
type GridEngine struct {
	cfg    *models.GridConfig
	botID  string
	broker broker.Broker
	ledger *ledger.OrderLedger
	repo   persistence.StateRepository // 可为 nil（不持久化）

	state    models.EngineState
	position float64 // 启动以来的净持仓（基础资产），仅用于平仓和日志

	// OnStatus 由上层注入，在轮询循环内同步调用，用于周期性状态输出。
	// 引擎不关心输出格式，控制台呈现是协作方的职责。
	OnStatus func(*models.LedgerSnapshot)

	log *zap.SugaredLogger
}

// New 创建一个网格引擎实例。配置在此急切校验，任何网络调用之前失败。
// 如果持久层存有同一 botID 的 Active 快照且网格定义一致，则恢复该梯子而不重新铺设。
func New(cfg *models.GridConfig, b broker.Broker, repo persistence.StateRepository) (*GridEngine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Broker == "" {
		cfg.Broker = b.Name()
	}

	levels, err := grid.Build(cfg.RangeLow, cfg.RangeHigh, cfg.GridCount)
	if err != nil {
		return nil, err
	}

	botID := fmt.Sprintf("%s@%s", strings.ToLower(cfg.Symbol), b.Name())
	e := &GridEngine{
		cfg:    cfg,
		botID:  botID,
		broker: b,
		ledger: ledger.New(levels),
		repo:   repo,
		state:  models.StateSeeding,
		log:    logger.S().With("bot", botID),
	}

	e.tryRestore()
	return e, nil
}

// NewFromDefaults 是派生构造方式：以现价为中心对称推算交易区间。
// trading_range = (现价 - gridHeight, 现价 + gridHeight)，其余同 New。
func NewFromDefaults(cfg *models.GridConfig, gridHeight float64, b broker.Broker, repo persistence.StateRepository) (*GridEngine, error) {
	if gridHeight <= 0 {
		return nil, &models.InvalidRangeError{Reason: fmt.Sprintf("grid_height 必须为正数, 实际为 %v", gridHeight)}
	}
	if cfg.RangeLow != 0 || cfg.RangeHigh != 0 {
		return nil, &models.InvalidRangeError{Reason: "grid_height 与显式 range_low/range_high 互斥"}
	}

	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	quote, err := b.GetQuote(cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 现价失败: %w", cfg.Symbol, err)
	}

	cfg.RangeLow = quote - gridHeight
	cfg.RangeHigh = quote + gridHeight
	return New(cfg, b, repo)
}

// tryRestore 尝试从持久层恢复上次的梯子状态
func (e *GridEngine) tryRestore() {
	if e.repo == nil {
		return
	}
	snap, err := e.repo.LoadSnapshot(e.botID)
	if err != nil {
		e.log.Warnf("读取历史状态失败: %v, 将以全新状态启动", err)
		return
	}
	if snap == nil || snap.State != models.StateActive {
		return
	}
	if !e.levelsMatch(snap.Levels) {
		e.log.Warnf("历史快照的网格定义与当前配置不一致, 忽略并重新铺设")
		return
	}

	e.ledger.Restore(snap)
	e.position = snap.Position
	e.state = models.StateActive
	e.log.Infof("从快照恢复了 %d 个活动挂单, 净持仓 %.6f", len(e.ledger.Pending()), e.position)
}

func (e *GridEngine) levelsMatch(levels []models.GridLevel) bool {
	mine := e.ledger.Levels()
	if len(levels) != len(mine) {
		return false
	}
	const tol = 1e-9
	return math.Abs(levels[0].Price-mine[0].Price) < tol &&
		math.Abs(levels[len(levels)-1].Price-mine[len(mine)-1].Price) < tol
}

// State 返回引擎当前的生命周期状态
func (e *GridEngine) State() models.EngineState { return e.state }

// Position 返回启动以来累计的净持仓
func (e *GridEngine) Position() float64 { return e.position }

// BotID 返回实例标识，用于日志和持久化
func (e *GridEngine) BotID() string { return e.botID }

// Snapshot 返回账本与引擎元数据的一份可持久化副本
func (e *GridEngine) Snapshot() *models.LedgerSnapshot {
	return e.ledger.Snapshot(e.botID, e.cfg.Symbol, e.state, e.position)
}

// Seed 铺设初始梯子：现价之下的档位挂买单，之上（含恰好等于现价）的档位挂卖单。
// 完成后进入 Active。
func (e *GridEngine) Seed() error {
	if e.state != models.StateSeeding {
		return fmt.Errorf("引擎当前状态为 %s, 无法铺设网格", e.state)
	}

	var quote float64
	if err := e.withRetry("获取现价", func() error {
		p, err := e.broker.GetQuote(e.cfg.Symbol)
		if err != nil {
			return err
		}
		quote = p
		return nil
	}); err != nil {
		return fmt.Errorf("铺设网格前获取现价失败: %w", err)
	}

	// 名义价值模式需要账户权益；整个铺设动作取一次实时值
	var equity float64
	if e.cfg.Sizing.IsNotional() {
		if err := e.withRetry("获取账户权益", func() error {
			v, err := e.broker.GetAccountEquity()
			if err != nil {
				return err
			}
			equity = v
			return nil
		}); err != nil {
			return fmt.Errorf("铺设网格前获取账户权益失败: %w", err)
		}
	}

	e.log.Infof("开始铺设网格: 现价 %.4f, 区间 [%.4f, %.4f], %d 档, 边界 (%.4f, %.4f)",
		quote, e.cfg.RangeLow, e.cfg.RangeHigh, e.cfg.GridCount, e.cfg.BottomStop, e.cfg.TopStop)

	for _, level := range e.ledger.Levels() {
		// 档位恰好落在现价上时挂卖单，避免与现价立即自成交
		side := models.Sell
		if level.Price < quote {
			side = models.Buy
		}
		size, err := grid.SizeForLevel(e.cfg, level, equity, quote)
		if err != nil {
			return err
		}
		e.placeSlot(level, side, size)
	}

	e.state = models.StateActive
	e.save()
	e.log.Infof("网格铺设完成, %d 个挂单进入活动状态", len(e.ledger.Pending()))
	return nil
}

// Cycle 执行一次 Active 轮询：取价 → 越界检查 → 逐档轮询成交并挂反向单。
// 本周期内探测到的全部成交都会在下一次取价之前处理完。
func (e *GridEngine) Cycle() {
	if e.state != models.StateActive {
		return
	}

	quote, err := e.broker.GetQuote(e.cfg.Symbol)
	if err != nil {
		// 瞬时失败不推进状态，下个周期重试同一步骤
		e.log.Warnf("获取现价失败: %v", err)
		return
	}

	// 越界检查先于成交处理
	if quote >= e.cfg.TopStop || quote <= e.cfg.BottomStop {
		e.breach(quote)
		return
	}

	for _, slot := range e.ledger.Pending() {
		status, err := e.broker.GetOrderStatus(e.cfg.Symbol, slot.BrokerOrderID)
		if err != nil {
			e.log.Warnf("查询档位 %d 订单 %s 状态失败: %v", slot.LevelIndex, slot.BrokerOrderID, err)
			continue
		}
		switch status {
		case models.OrderFilled:
			e.handleFill(slot, quote)
		case models.OrderCancelled:
			// 场所侧已撤销/失效，以轮询到的最终状态为准
			e.log.Infof("档位 %d 订单 %s 已在场所侧失效", slot.LevelIndex, slot.BrokerOrderID)
			e.ledger.MarkCancelled(slot.LevelIndex)
		}
	}

	e.save()
}

// handleFill 处理一笔已成交的挂单：更新净持仓并在相邻档位挂反向单。
// 买单成交 → 上一档挂卖单锁定价差；卖单成交 → 下一档挂买单重新装填。
// 边缘档位成交时没有相邻档位，梯子在边缘自然变薄。
func (e *GridEngine) handleFill(slot models.OrderSlot, quote float64) {
	level, _ := e.ledger.Level(slot.LevelIndex)
	e.ledger.MarkFilled(slot.LevelIndex)

	units := slot.Size.Units(level.Price)
	if slot.Side == models.Buy {
		e.position += units
	} else {
		e.position -= units
	}
	e.log.Infof("档位 %d %s 单成交 @ %.4f, 净持仓 %.6f", slot.LevelIndex, slot.Side, level.Price, e.position)

	target := slot.LevelIndex + 1
	if slot.Side == models.Sell {
		target = slot.LevelIndex - 1
	}
	targetLevel, ok := e.ledger.Level(target)
	if !ok {
		e.log.Infof("边缘档位 %d 成交, 无相邻档位可挂反向单", slot.LevelIndex)
		return
	}

	// 目标档位已有活动挂单时不重复下单：每档任意时刻至多一个活动槽位
	if existing, exists := e.ledger.Get(target); exists && existing.Status == models.SlotPending {
		e.log.Debugf("档位 %d 已有活动 %s 挂单, 跳过反向单", target, existing.Side)
		return
	}

	size, err := e.sizeForLevel(targetLevel, quote)
	if err != nil {
		e.log.Warnf("计算档位 %d 反向单规模失败: %v, 放弃该档位", target, err)
		e.ledger.Abandon(models.OrderSlot{LevelIndex: target, Side: slot.Side.Opposite()})
		return
	}
	e.placeSlot(targetLevel, slot.Side.Opposite(), size)
}

// sizeForLevel 计算某档位的订单规模；名义模式每次取实时权益，不做缓存
func (e *GridEngine) sizeForLevel(level models.GridLevel, referencePrice float64) (models.OrderSize, error) {
	var equity float64
	if e.cfg.Sizing.IsNotional() {
		if err := e.withRetry("获取账户权益", func() error {
			v, err := e.broker.GetAccountEquity()
			if err != nil {
				return err
			}
			equity = v
			return nil
		}); err != nil {
			return models.OrderSize{}, err
		}
	}
	return grid.SizeForLevel(e.cfg, level, equity, referencePrice)
}

// placeSlot 提交限价单并登记槽位。瞬时失败在本周期内重试；
// 永久拒绝或重试耗尽时该档位标记为 None——单个档位降级, 不拖垮整条梯子。
func (e *GridEngine) placeSlot(level models.GridLevel, side models.Side, size models.OrderSize) {
	clientID := broker.NewClientOrderID()
	var orderID string
	err := e.withRetry("下单", func() error {
		id, err := e.broker.SubmitLimitOrder(e.cfg.Symbol, clientID, side, size, level.Price)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	if err != nil {
		e.log.Warnf("档位 %d (%s @ %.4f) 挂单被放弃: %v", level.Index, side, level.Price, err)
		e.ledger.Abandon(models.OrderSlot{LevelIndex: level.Index, Side: side, Size: size})
		return
	}

	e.ledger.Put(models.OrderSlot{
		LevelIndex:    level.Index,
		Side:          side,
		Size:          size,
		BrokerOrderID: orderID,
		ClientOrderID: clientID,
		Status:        models.SlotPending,
	})
	e.log.Infof("已挂 %s 单: 档位 %d @ %.4f, 订单ID %s", side, level.Index, level.Price, orderID)
}

// breach 处理越界退出：撤销全部挂单 → 市价平掉净持仓 → 终止。
// 越界后永不回到 Active；重新入场需要构造新的实例。
func (e *GridEngine) breach(quote float64) {
	e.state = models.StateBreached
	if quote >= e.cfg.TopStop {
		e.log.Warnf("现价 %.4f 上破 top_stop %.4f, 止盈退出", quote, e.cfg.TopStop)
	} else {
		e.log.Warnf("现价 %.4f 下破 bottom_stop %.4f, 止损退出", quote, e.cfg.BottomStop)
	}

	e.cancelAllPending()
	e.save()
	e.flatten(quote)

	e.state = models.StateTerminated
	e.ledger.Clear()
	e.save()
	e.log.Info("越界处理完成, 机器人已终止")
}

// cancelAllPending 撤销所有活动挂单。撤单是尽力而为：
// 撤单请求与场所侧成交赛跑时, 以最终轮询到的状态为准, 不信任撤单回执。
// 撤单后对每个槽位补一次状态查询, 抢在撤单前成交的订单计入净持仓,
// 保证随后的平仓规模正确; 这里成交的订单不再挂反向单。
func (e *GridEngine) cancelAllPending() {
	for _, slot := range e.ledger.Pending() {
		if err := e.broker.CancelOrder(e.cfg.Symbol, slot.BrokerOrderID); err != nil {
			// 撤单失败也继续, 该订单可能已经不存在
			e.log.Warnf("撤销档位 %d 订单 %s 失败: %v", slot.LevelIndex, slot.BrokerOrderID, err)
		}

		status, err := e.broker.GetOrderStatus(e.cfg.Symbol, slot.BrokerOrderID)
		if err == nil && status == models.OrderFilled {
			level, _ := e.ledger.Level(slot.LevelIndex)
			e.ledger.MarkFilled(slot.LevelIndex)
			units := slot.Size.Units(level.Price)
			if slot.Side == models.Buy {
				e.position += units
			} else {
				e.position -= units
			}
			e.log.Infof("档位 %d 订单 %s 在撤单前已成交, 净持仓 %.6f", slot.LevelIndex, slot.BrokerOrderID, e.position)
			continue
		}
		e.ledger.MarkCancelled(slot.LevelIndex)
	}
}

// flatten 市价平掉净持仓。这是唯一把持续失败向上喊话的路径：
// 带止损保护失效的裸仓位是最坏结果, 重试耗尽后必须发 CRITICAL 日志。
func (e *GridEngine) flatten(quote float64) {
	if math.Abs(e.position) < positionEpsilon {
		e.log.Info("无净持仓, 无需平仓")
		return
	}

	side := models.Sell
	if e.position < 0 {
		side = models.Buy
	}
	size := models.OrderSize{Quantity: math.Abs(e.position)}
	if e.cfg.Sizing.IsNotional() {
		size = models.OrderSize{Notional: math.Abs(e.position) * quote}
	}

	delay := e.cfg.RetryInitialDelay()
	for attempt := 1; attempt <= flattenMaxAttempts; attempt++ {
		orderID, err := e.broker.SubmitMarketOrder(e.cfg.Symbol, broker.NewClientOrderID(), side, size)
		if err == nil {
			e.log.Infof("平仓完成: %s %.6f, 订单ID %s", side, math.Abs(e.position), orderID)
			e.position = 0
			return
		}
		e.log.Errorf("平仓失败 (第 %d/%d 次): %v", attempt, flattenMaxAttempts, err)
		time.Sleep(delay)
		delay *= 2
	}

	e.log.Errorf("CRITICAL: 越界平仓连续 %d 次失败, 净持仓 %.6f %s 没有任何止损保护, 需要人工立即介入!",
		flattenMaxAttempts, e.position, e.cfg.Symbol)
}

// withRetry 对瞬时故障做有限次指数退避重试；永久拒绝立即返回
func (e *GridEngine) withRetry(op string, fn func() error) error {
	delay := e.cfg.RetryInitialDelay()
	var err error
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			e.log.Warnf("%s 瞬时失败 (第 %d 次重试): %v", op, attempt, err)
			time.Sleep(delay)
			delay *= 2
		}
		err = fn()
		if err == nil || !broker.IsUnavailable(err) {
			return err
		}
	}
	return err
}

// save 把当前快照写入持久层。保存失败不中断交易, 但要大声记录。
func (e *GridEngine) save() {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveSnapshot(e.Snapshot()); err != nil {
		e.log.Errorf("CRITICAL: 保存状态快照失败: %v", err)
	}
}
