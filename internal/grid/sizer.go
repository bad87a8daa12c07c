package grid

import (
	"fmt"

	"grid-trader-go/internal/models"
)

// SizeForLevel 计算某一档位的订单规模。
//
// FixedQuantity 模式下每格都是固定数量 q，与价格无关——q 是单格规模，
// 不是整个梯子摊薄后的总量。
// AllocationFraction 模式下按名义价值下单：单格名义价值 = f * 权益 / 档位数，
// 这样整个梯子同时成交也不会超过 f * 权益。accountEquity 与 referencePrice
// 由调用方从经纪商实时获取。
func SizeForLevel(cfg *models.GridConfig, level models.GridLevel, accountEquity, referencePrice float64) (models.OrderSize, error) {
	// 纵深校验：互斥性在 GridConfig 构造时已经检查过一次
	if err := cfg.Sizing.Validate(); err != nil {
		return models.OrderSize{}, err
	}

	if cfg.Sizing.FixedQuantity != 0 {
		return models.OrderSize{Quantity: cfg.Sizing.FixedQuantity}, nil
	}

	if accountEquity <= 0 {
		return models.OrderSize{}, &models.SizingConfigError{
			Reason: fmt.Sprintf("账户权益必须为正数, 实际为 %v", accountEquity),
		}
	}
	if referencePrice <= 0 {
		return models.OrderSize{}, &models.SizingConfigError{
			Reason: fmt.Sprintf("参考价格必须为正数, 实际为 %v", referencePrice),
		}
	}

	notional := cfg.Sizing.AllocationFraction * accountEquity / float64(cfg.GridCount)
	return models.OrderSize{Notional: notional}, nil
}
