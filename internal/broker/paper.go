package broker

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"grid-trader-go/internal/models"
)

const (
	paperDefaultEquity = 100000
	paperDefaultPrice  = 100
)

// Paper 实现了 Broker 接口，用于模拟场所行为。
// 限价单在模拟价格穿越挂单价时成交，用于干跑和测试；
// 它不是回测器：没有历史数据回放，也不产出绩效指标。
type Paper struct {
	mu     sync.Mutex
	price  float64
	equity float64
	nextID int64
	orders map[string]*paperOrder
}

type paperOrder struct {
	side   models.Side
	limit  float64 // 0 表示市价单
	size   models.OrderSize
	status models.OrderStatus
}

// NewPaper 创建一个模拟场所。参数为零时取默认权益和默认价格。
func NewPaper(equity, price float64) *Paper {
	if equity <= 0 {
		equity = paperDefaultEquity
	}
	if price <= 0 {
		price = paperDefaultPrice
	}
	return &Paper{
		price:  price,
		equity: equity,
		nextID: 1,
		orders: make(map[string]*paperOrder),
	}
}

func (p *Paper) Name() string { return "paper" }

// SetPrice 是模拟的核心：更新现价并检查有无挂单在该价格点成交
func (p *Paper) SetPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price

	// 按订单ID顺序遍历，保证成交顺序可复现
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		order := p.orders[id]
		if order.status != models.OrderPending || order.limit == 0 {
			continue
		}
		if order.side == models.Buy && price <= order.limit {
			order.status = models.OrderFilled
		} else if order.side == models.Sell && price >= order.limit {
			order.status = models.OrderFilled
		}
	}
}

func (p *Paper) GetQuote(symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, nil
}

func (p *Paper) GetAccountEquity() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

func (p *Paper) SubmitLimitOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize, price float64) (string, error) {
	if price <= 0 {
		return "", &RejectedError{Venue: p.Name(), Msg: fmt.Sprintf("限价无效: %v", price)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := strconv.FormatInt(p.nextID, 10)
	p.nextID++
	p.orders[id] = &paperOrder{side: side, limit: price, size: size, status: models.OrderPending}
	return id, nil
}

// SubmitMarketOrder 市价单立即按现价成交
func (p *Paper) SubmitMarketOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := strconv.FormatInt(p.nextID, 10)
	p.nextID++
	p.orders[id] = &paperOrder{side: side, size: size, status: models.OrderFilled}
	return id, nil
}

func (p *Paper) GetOrderStatus(symbol, orderID string) (models.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return models.OrderUnknown, nil
	}
	return order.status, nil
}

// CancelOrder 只允许撤销未成交的挂单；已成交的订单以最终状态为准
func (p *Paper) CancelOrder(symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return &RejectedError{Venue: p.Name(), Msg: fmt.Sprintf("订单 %s 不存在", orderID)}
	}
	if order.status == models.OrderPending {
		order.status = models.OrderCancelled
	}
	return nil
}

func (p *Paper) Close() error { return nil }
