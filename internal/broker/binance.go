package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-trader-go/internal/logger"
	"grid-trader-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
)

const (
	binanceWSBaseURL = "wss://stream.binance.com:9443"
	// 行情流价格超过该时长未更新时回退到 REST 查询
	binanceQuoteStaleAfter = 2 * time.Second
)

// Binance 实现了 Broker 接口，对接币安现货。
// REST 调用走 go-binance 客户端；可选的 WebSocket 行情流提供低延迟报价，
// 断流时 GetQuote 自动回退到 REST。
type Binance struct {
	client     *binance.Client
	quoteAsset string // 权益结算资产, e.g. "USDT"

	mu          sync.Mutex
	streamPrice float64
	streamAt    time.Time
	wsConn      *websocket.Conn
	stopChan    chan struct{}
	streaming   bool
}

// NewBinance 创建一个币安适配器实例
func NewBinance(creds Credentials) *Binance {
	client := binance.NewClient(creds.APIKey, creds.SecretKey)
	if creds.BaseURL != "" {
		client.BaseURL = creds.BaseURL
	}
	return &Binance{
		client:     client,
		quoteAsset: "USDT",
		stopChan:   make(chan struct{}),
	}
}

func (b *Binance) Name() string { return "binance" }

// GetQuote 返回最新成交价。优先使用新鲜的行情流价格，否则走 REST。
func (b *Binance) GetQuote(symbol string) (float64, error) {
	b.mu.Lock()
	if b.streaming && b.streamPrice > 0 && time.Since(b.streamAt) < binanceQuoteStaleAfter {
		p := b.streamPrice
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(context.Background())
	if err != nil {
		return 0, b.mapError(err)
	}
	if len(prices) == 0 {
		return 0, &UnavailableError{Venue: b.Name(), Cause: fmt.Errorf("交易对 %s 无报价", symbol)}
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// GetAccountEquity 返回计价资产的余额 (free+locked)。
// 对单一交易对的现货网格而言，这就是可动用的权益。
func (b *Binance) GetAccountEquity() (float64, error) {
	account, err := b.client.NewGetAccountService().Do(context.Background())
	if err != nil {
		return 0, b.mapError(err)
	}
	for _, bal := range account.Balances {
		if bal.Asset == b.quoteAsset {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			locked, _ := strconv.ParseFloat(bal.Locked, 64)
			return free + locked, nil
		}
	}
	return 0, nil
}

// SubmitLimitOrder 提交限价单。币安现货的限价单不支持名义价值，
// 名义单在这里按限价折算成数量（现货允许小数数量）。
func (b *Binance) SubmitLimitOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize, price float64) (string, error) {
	qty := size.Units(price)
	if qty <= 0 {
		return "", &RejectedError{Venue: b.Name(), Msg: fmt.Sprintf("订单数量无效: %v", qty)}
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide(side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatDecimal(qty)).
		Price(formatDecimal(price)).
		NewClientOrderID(clientOrderID).
		Do(context.Background())
	if err != nil {
		return "", b.mapError(err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// SubmitMarketOrder 提交市价单。名义单使用 quoteOrderQty 原生支持。
func (b *Binance) SubmitMarketOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize) (string, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide(side)).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(clientOrderID)
	if size.IsNotional() {
		svc = svc.QuoteOrderQty(formatDecimal(size.Notional))
	} else {
		svc = svc.Quantity(formatDecimal(size.Quantity))
	}

	resp, err := svc.Do(context.Background())
	if err != nil {
		return "", b.mapError(err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// GetOrderStatus 查询订单并归一化状态
func (b *Binance) GetOrderStatus(symbol, orderID string) (models.OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return models.OrderUnknown, &RejectedError{Venue: b.Name(), Msg: fmt.Sprintf("非法的订单ID: %q", orderID)}
	}
	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(context.Background())
	if err != nil {
		return models.OrderUnknown, b.mapError(err)
	}

	switch order.Status {
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled, nil
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled, binance.OrderStatusTypePendingCancel:
		return models.OrderPending, nil
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired, binance.OrderStatusTypeRejected:
		return models.OrderCancelled, nil
	default:
		return models.OrderUnknown, nil
	}
}

// CancelOrder 撤销订单
func (b *Binance) CancelOrder(symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &RejectedError{Venue: b.Name(), Msg: fmt.Sprintf("非法的订单ID: %q", orderID)}
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(context.Background()); err != nil {
		return b.mapError(err)
	}
	return nil
}

// StartQuoteStream 启动 aggTrade 行情流守护协程，断线后自动重连。
// 行情流是可选的：不启动时 GetQuote 始终走 REST。
func (b *Binance) StartQuoteStream(symbol string) {
	b.mu.Lock()
	if b.streaming {
		b.mu.Unlock()
		return
	}
	b.streaming = true
	b.mu.Unlock()

	go b.streamLoop(symbol)
}

func (b *Binance) streamLoop(symbol string) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", binanceWSBaseURL, strings.ToLower(symbol))
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			logger.S().Warnf("行情流连接失败: %v, 5秒后重试...", err)
			time.Sleep(5 * time.Second)
			continue
		}

		b.mu.Lock()
		b.wsConn = conn
		b.mu.Unlock()

		if err := b.readStream(conn); err != nil {
			logger.S().Warnf("行情流中断: %v, 准备重连...", err)
		}
		conn.Close()
		time.Sleep(5 * time.Second)
	}
}

// readStream 为一个已建立的连接处理消息，并维持心跳。连接损坏时返回错误。
func (b *Binance) readStream(conn *websocket.Conn) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-b.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-b.stopChan:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return err
			}

			var trade struct {
				Price json.Number `json:"p"`
			}
			if err := json.Unmarshal(message, &trade); err != nil {
				continue
			}
			price, err := trade.Price.Float64()
			if err != nil || price <= 0 {
				continue
			}

			b.mu.Lock()
			b.streamPrice = price
			b.streamAt = time.Now()
			b.mu.Unlock()
		}
	}
}

// Close 停止行情流并释放连接
func (b *Binance) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streaming {
		close(b.stopChan)
		b.streaming = false
	}
	if b.wsConn != nil {
		b.wsConn.Close()
		b.wsConn = nil
	}
	return nil
}

// mapError 把 go-binance 的错误归入瞬时/永久两类
func (b *Binance) mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// 非API错误视为网络层瞬时故障
		return &UnavailableError{Venue: b.Name(), Cause: err}
	}
	switch apiErr.Code {
	case -1000, -1001, -1003, -1006, -1007, -1021:
		// 内部错误/断连/限频/超时/时间戳偏移：可重试
		return &UnavailableError{Venue: b.Name(), Cause: apiErr}
	default:
		return &RejectedError{Venue: b.Name(), Code: int(apiErr.Code), Msg: apiErr.Message}
	}
}

func binanceSide(side models.Side) binance.SideType {
	if side == models.Buy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

// formatDecimal 以最多8位小数格式化数量/价格，去掉多余的尾零
func formatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
