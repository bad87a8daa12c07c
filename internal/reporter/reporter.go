// Package reporter 负责控制台呈现：梯子状态表与会话小结。
// 呈现是引擎的协作方，不属于引擎契约；引擎只暴露快照。
package reporter

import (
	"fmt"

	"grid-trader-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderLadder 把一份账本快照渲染成状态表。档位自上而下（高价在前），
// 与盘口的直觉方向一致。
func RenderLadder(snap *models.LedgerSnapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s [%s]", snap.BotID, snap.State))
	t.AppendHeader(table.Row{"档位", "价格", "方向", "规模", "状态", "订单ID"})

	for i := len(snap.Levels) - 1; i >= 0; i-- {
		level := snap.Levels[i]
		slot, ok := snap.Slots[level.Index]
		if !ok {
			t.AppendRow(table.Row{level.Index, fmt.Sprintf("%.4f", level.Price), "-", "-", "-", "-"})
			continue
		}
		t.AppendRow(table.Row{
			level.Index,
			fmt.Sprintf("%.4f", level.Price),
			slot.Side,
			sizeLabel(slot.Size),
			slot.Status,
			orEmpty(slot.BrokerOrderID),
		})
	}

	t.AppendFooter(table.Row{"", "", "", "净持仓", fmt.Sprintf("%.6f", snap.Position), ""})
	return t.Render()
}

// RenderSummary 渲染会话结束时的小结
func RenderSummary(snap *models.LedgerSnapshot) string {
	var pending, filled, cancelled, abandoned int
	for _, slot := range snap.Slots {
		switch slot.Status {
		case models.SlotPending:
			pending++
		case models.SlotFilled:
			filled++
		case models.SlotCancelled:
			cancelled++
		case models.SlotNone:
			abandoned++
		}
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("会话小结 %s", snap.BotID))
	t.AppendRows([]table.Row{
		{"终态", string(snap.State)},
		{"成交档位", filled},
		{"剩余挂单", pending},
		{"已撤销", cancelled},
		{"已放弃", abandoned},
		{"净持仓", fmt.Sprintf("%.6f", snap.Position)},
		{"最后更新", snap.LastUpdateTime.Format("2006-01-02 15:04:05")},
	})
	return t.Render()
}

func sizeLabel(size models.OrderSize) string {
	if size.IsNotional() {
		return fmt.Sprintf("$%.2f", size.Notional)
	}
	return fmt.Sprintf("%.6f", size.Quantity)
}

func orEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
