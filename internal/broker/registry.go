package broker

import (
	"fmt"
	"strings"

	"grid-trader-go/internal/models"
)

// Credentials 保存一个场所的接入凭据。字段按需取用，留空则由适配器取默认值。
type Credentials struct {
	APIKey    string
	SecretKey string
	BaseURL   string // REST 基础地址，留空用生产地址
	DataURL   string // 行情地址（仅 Alpaca 需要）
}

// DefaultBroker 是配置未指定经纪商时的默认选择
const DefaultBroker = "alpaca"

var supportedBrokers = []string{"alpaca", "binance", "paper"}

// New 根据配置字符串创建对应的适配器。
// 引擎对场所一无所知，这里是唯一一处按名称分发的地方。
func New(name string, creds Credentials, assetClass models.AssetClass) (Broker, error) {
	if name == "" {
		name = DefaultBroker
	}
	switch strings.ToLower(name) {
	case "alpaca":
		return NewAlpaca(creds, assetClass), nil
	case "binance":
		return NewBinance(creds), nil
	case "paper":
		return NewPaper(0, 0), nil
	default:
		return nil, fmt.Errorf("不支持的经纪商 %q, 可选项: %s", name, strings.Join(supportedBrokers, ", "))
	}
}
