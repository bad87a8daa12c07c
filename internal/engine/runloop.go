package engine

import (
	"context"
	"time"

	"grid-trader-go/internal/models"
)

// statusInterval 是周期性状态输出的间隔
const statusInterval = 30 * time.Second

// Run 驱动引擎直到终止或 ctx 取消：必要时先铺设梯子，然后按轮询间隔
// 执行 Active 周期。整个循环是单线程的，所有阻塞点（取价、下单、轮询、
// 等待）都在循环内部串行发生。
func (e *GridEngine) Run(ctx context.Context) error {
	if e.state == models.StateSeeding {
		if err := e.Seed(); err != nil {
			return err
		}
	}
	if e.state == models.StateTerminated {
		return nil
	}

	e.log.Infof("轮询循环启动, 间隔 %v", e.cfg.PollInterval())
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return nil
		case <-ticker.C:
			e.Cycle()
			if e.state == models.StateTerminated {
				return nil
			}
		case <-statusTicker.C:
			if e.OnStatus != nil {
				e.OnStatus(e.Snapshot())
			}
		}
	}
}

// Shutdown 处理显式停止：撤销全部挂单后终止。
// 与越界不同, 显式停止不平仓——持仓去留由操作者决定。
func (e *GridEngine) Shutdown() {
	if e.state == models.StateTerminated {
		return
	}
	if e.state == models.StateActive {
		e.log.Info("收到停止请求, 正在撤销所有活动挂单...")
		e.cancelAllPending()
	}
	e.state = models.StateTerminated
	e.save()
	e.log.Info("网格机器人已停止")
}
