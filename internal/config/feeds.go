package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedEntry はフィード定義YAMLの1エントリを表す。
type FeedEntry struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// LoadFeedList はフィード定義YAMLを読み込む。
// FEEDS_YAML（インライン）が設定されていればそれを優先し、
// なければFEEDS_FILEで指定されたファイルを読む。
// ファイルが存在しない場合は空リストを返す（警告のみ）。
// MaxFeedsを超えるエントリは警告とともに切り捨てる。
func LoadFeedList(cfg *Config) ([]FeedEntry, error) {
	var raw []byte

	if cfg.FeedsYAML != "" {
		raw = []byte(cfg.FeedsYAML)
	} else {
		data, err := os.ReadFile(cfg.FeedsFile)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("フィード定義ファイルが見つかりません",
					slog.String("path", cfg.FeedsFile))
				return nil, nil
			}
			return nil, fmt.Errorf("フィード定義ファイルの読み込みに失敗しました: %w", err)
		}
		raw = data
	}

	var entries []FeedEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("フィード定義YAMLの解析に失敗しました: %w", err)
	}

	valid := make([]FeedEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.URL == "" {
			slog.Warn("nameまたはurlが空のフィード定義をスキップします",
				slog.String("name", e.Name),
				slog.String("url", e.URL))
			continue
		}
		if e.IntervalSeconds <= 0 {
			e.IntervalSeconds = int(cfg.DefaultFetchInterval.Seconds())
		}
		valid = append(valid, e)
	}

	if len(valid) > cfg.MaxFeeds {
		slog.Warn("フィード定義が上限を超えたため切り捨てます",
			slog.Int("defined", len(valid)),
			slog.Int("max", cfg.MaxFeeds))
		valid = valid[:cfg.MaxFeeds]
	}

	return valid, nil
}
