// Package broker 定义了引擎消费的经纪商能力边界，以及各交易场所的具体适配器。
// 引擎只依赖 Broker 接口，从不根据场所身份做分支；小数单资格、符号格式、
// 鉴权等场所相关的细节都在适配器内部解决。
package broker

import (
	"errors"
	"fmt"

	"grid-trader-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// Broker 定义了所有经纪商适配器必须提供的通用能力。
type Broker interface {
	// Name 返回场所名称，仅用于日志
	Name() string
	// GetQuote 获取标的的最新成交价
	GetQuote(symbol string) (float64, error)
	// GetAccountEquity 获取当前账户权益（计价货币）
	GetAccountEquity() (float64, error)
	// SubmitLimitOrder 提交限价单，返回经纪商订单ID
	SubmitLimitOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize, price float64) (string, error)
	// SubmitMarketOrder 提交市价单（用于越界后平仓），返回经纪商订单ID
	SubmitMarketOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize) (string, error)
	// GetOrderStatus 查询订单状态，归一化为 Pending/Filled/Cancelled/Unknown
	GetOrderStatus(symbol, orderID string) (models.OrderStatus, error)
	// CancelOrder 撤销订单
	CancelOrder(symbol, orderID string) error
	// Close 释放适配器持有的后台资源（如行情流连接）
	Close() error
}

// UnavailableError 表示瞬时故障：网络超时、限频等。调用方应当重试同一步骤。
type UnavailableError struct {
	Venue string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("broker %s unavailable: %v", e.Venue, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// RejectedError 表示永久拒绝：无效订单、资金不足等。重试无意义。
type RejectedError struct {
	Venue string
	Code  int
	Msg   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker %s rejected order: code=%d, msg=%s", e.Venue, e.Code, e.Msg)
}

// IsUnavailable 判断错误是否为瞬时故障
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsRejected 判断错误是否为永久拒绝
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// NewClientOrderID 生成紧凑的客户端订单ID，用于在日志和快照中
// 把场所侧订单流关联回网格档位。
func NewClientOrderID() string {
	u := uuid.New()
	return "gt" + base62.EncodeToString(u[:])
}
