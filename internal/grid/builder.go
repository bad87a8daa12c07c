// Package grid 提供纯函数形式的网格计算：档位生成与单格仓位计算。
// 本包不做任何网络调用，也不持有状态。
package grid

import (
	"fmt"

	"grid-trader-go/internal/models"
)

// Build 在 [rangeLow, rangeHigh] 上生成 gridCount 个等距档位。
// 两端都是档位本身（即 gridCount 个边界点，而不是 gridCount 个区间），
// price[i] = rangeLow + i*step, step = (rangeHigh-rangeLow)/(gridCount-1)。
func Build(rangeLow, rangeHigh float64, gridCount int) ([]models.GridLevel, error) {
	if rangeLow >= rangeHigh {
		return nil, &models.InvalidRangeError{
			Reason: fmt.Sprintf("range_low (%v) 必须小于 range_high (%v)", rangeLow, rangeHigh),
		}
	}
	if gridCount < 2 {
		return nil, &models.InvalidRangeError{
			Reason: fmt.Sprintf("grid_count 至少为 2, 实际为 %d", gridCount),
		}
	}

	step := (rangeHigh - rangeLow) / float64(gridCount-1)
	levels := make([]models.GridLevel, gridCount)
	for i := 0; i < gridCount; i++ {
		levels[i] = models.GridLevel{Index: i, Price: rangeLow + float64(i)*step}
	}
	// 最后一档强制取上边界，消除浮点累加误差
	levels[gridCount-1].Price = rangeHigh

	// 档位必须严格递增；区间过窄或档位过密时两档可能塌缩到同一价格
	for i := 1; i < gridCount; i++ {
		if levels[i].Price <= levels[i-1].Price {
			return nil, &models.InvalidRangeError{
				Reason: fmt.Sprintf("档位 %d 与 %d 塌缩到同一价格 %v, 请检查区间和档位数", i-1, i, levels[i].Price),
			}
		}
	}

	return levels, nil
}
