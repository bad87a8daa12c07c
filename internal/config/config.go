package config

import (
	"encoding/json"
	"fmt"
	"os"

	"grid-trader-go/internal/models"
)

// Load 从指定路径加载JSON配置文件并解析到 Config 结构体中
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	if len(cfg.Bots) == 0 {
		return nil, fmt.Errorf("配置文件 %s 中没有任何机器人条目", path)
	}
	return cfg, nil
}
