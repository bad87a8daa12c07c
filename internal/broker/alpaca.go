package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/internal/models"
)

const (
	alpacaDefaultBaseURL = "https://paper-api.alpaca.markets"
	alpacaDefaultDataURL = "https://data.alpaca.markets"
)

// Alpaca 实现了 Broker 接口，对接 Alpaca 交易 API。
// 股票与加密资产走不同的行情端点，由资产类别决定；名义价值单
// （小数股）是 Alpaca 的原生能力，适配器直接透传。
type Alpaca struct {
	apiKey     string
	secretKey  string
	baseURL    string
	dataURL    string
	assetClass models.AssetClass
	httpClient *http.Client
}

// NewAlpaca 创建一个 Alpaca 适配器实例
func NewAlpaca(creds Credentials, assetClass models.AssetClass) *Alpaca {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = alpacaDefaultBaseURL
	}
	dataURL := creds.DataURL
	if dataURL == "" {
		dataURL = alpacaDefaultDataURL
	}
	return &Alpaca{
		apiKey:     creds.APIKey,
		secretKey:  creds.SecretKey,
		baseURL:    baseURL,
		dataURL:    dataURL,
		assetClass: assetClass,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

// alpacaError 是 Alpaca API 返回的错误信息结构
type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// doRequest 是通用的请求处理函数。out 不为 nil 时把响应体解析进去。
func (a *Alpaca) doRequest(method, rawURL string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &UnavailableError{Venue: a.Name(), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnavailableError{Venue: a.Name(), Cause: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr alpacaError
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		// 429 与服务端错误可重试，其余视为拒绝
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &UnavailableError{Venue: a.Name(),
				Cause: fmt.Errorf("状态码 %d: %s", resp.StatusCode, apiErr.Message)}
		}
		return &RejectedError{Venue: a.Name(), Code: apiErr.Code, Msg: apiErr.Message}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return nil
}

// GetQuote 获取最新成交价。加密资产与股票走不同的数据端点。
func (a *Alpaca) GetQuote(symbol string) (float64, error) {
	if a.assetClass == models.AssetClassCrypto {
		pair := cryptoPair(symbol)
		endpoint := fmt.Sprintf("%s/v1beta3/crypto/us/latest/trades?symbols=%s",
			a.dataURL, url.QueryEscape(pair))
		var resp struct {
			Trades map[string]struct {
				Price float64 `json:"p"`
			} `json:"trades"`
		}
		if err := a.doRequest("GET", endpoint, nil, &resp); err != nil {
			return 0, err
		}
		trade, ok := resp.Trades[pair]
		if !ok || trade.Price <= 0 {
			return 0, &UnavailableError{Venue: a.Name(), Cause: fmt.Errorf("交易对 %s 无最新成交", pair)}
		}
		return trade.Price, nil
	}

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", a.dataURL, url.PathEscape(symbol))
	var resp struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	if err := a.doRequest("GET", endpoint, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Trade.Price <= 0 {
		return 0, &UnavailableError{Venue: a.Name(), Cause: fmt.Errorf("标的 %s 无最新成交", symbol)}
	}
	return resp.Trade.Price, nil
}

// GetAccountEquity 返回账户权益
func (a *Alpaca) GetAccountEquity() (float64, error) {
	var resp struct {
		Equity string `json:"equity"`
	}
	if err := a.doRequest("GET", a.baseURL+"/v2/account", nil, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Equity, 64)
}

// alpacaOrderRequest 是 /v2/orders 的请求体
type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type alpacaOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// timeInForce 按资产类别和订单形态选择有效期。加密端点只接受 gtc/ioc；
// 股票的名义/小数单和市价单只接受 day，整数数量限价单用 gtc。
func (a *Alpaca) timeInForce(market bool, size models.OrderSize) string {
	if a.assetClass == models.AssetClassCrypto {
		return "gtc"
	}
	if market || size.IsNotional() {
		return "day"
	}
	return "gtc"
}

// SubmitLimitOrder 提交限价单。名义价值单透传 notional 字段
func (a *Alpaca) SubmitLimitOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize, price float64) (string, error) {
	req := alpacaOrderRequest{
		Symbol:        a.orderSymbol(symbol),
		Side:          strings.ToLower(string(side)),
		Type:          "limit",
		TimeInForce:   a.timeInForce(false, size),
		LimitPrice:    formatDecimal(price),
		ClientOrderID: clientOrderID,
	}
	if size.IsNotional() {
		req.Notional = formatDecimal(size.Notional)
	} else {
		req.Qty = formatDecimal(size.Quantity)
	}

	var order alpacaOrder
	if err := a.doRequest("POST", a.baseURL+"/v2/orders", req, &order); err != nil {
		return "", err
	}
	return order.ID, nil
}

// SubmitMarketOrder 提交市价单
func (a *Alpaca) SubmitMarketOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize) (string, error) {
	req := alpacaOrderRequest{
		Symbol:        a.orderSymbol(symbol),
		Side:          strings.ToLower(string(side)),
		Type:          "market",
		TimeInForce:   a.timeInForce(true, size),
		ClientOrderID: clientOrderID,
	}
	if size.IsNotional() {
		req.Notional = formatDecimal(size.Notional)
	} else {
		req.Qty = formatDecimal(size.Quantity)
	}

	var order alpacaOrder
	if err := a.doRequest("POST", a.baseURL+"/v2/orders", req, &order); err != nil {
		return "", err
	}
	return order.ID, nil
}

// GetOrderStatus 查询订单并归一化状态
func (a *Alpaca) GetOrderStatus(symbol, orderID string) (models.OrderStatus, error) {
	var order alpacaOrder
	endpoint := fmt.Sprintf("%s/v2/orders/%s", a.baseURL, url.PathEscape(orderID))
	if err := a.doRequest("GET", endpoint, nil, &order); err != nil {
		return models.OrderUnknown, err
	}

	switch order.Status {
	case "filled":
		return models.OrderFilled, nil
	case "new", "accepted", "pending_new", "partially_filled", "pending_cancel", "pending_replace", "held":
		return models.OrderPending, nil
	case "canceled", "expired", "rejected", "stopped", "done_for_day", "replaced":
		return models.OrderCancelled, nil
	default:
		return models.OrderUnknown, nil
	}
}

// CancelOrder 撤销订单
func (a *Alpaca) CancelOrder(symbol, orderID string) error {
	endpoint := fmt.Sprintf("%s/v2/orders/%s", a.baseURL, url.PathEscape(orderID))
	return a.doRequest("DELETE", endpoint, nil, nil)
}

// Close 无后台资源需要释放
func (a *Alpaca) Close() error { return nil }

// orderSymbol 返回下单用的符号格式：加密资产用 "BTC/USD"，股票原样
func (a *Alpaca) orderSymbol(symbol string) string {
	if a.assetClass == models.AssetClassCrypto {
		return cryptoPair(symbol)
	}
	return symbol
}

// cryptoPair 把 "BTCUSD" 这类紧凑符号转成 Alpaca 的 "BTC/USD" 格式
func cryptoPair(symbol string) string {
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}
