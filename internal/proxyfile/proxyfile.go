// Package proxyfile reads the proxy endpoint lists an external process
// maintains. The harvester only consumes the files; acquisition is out of
// scope.
package proxyfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Load reads the free proxy list (required shape: JSON array of URLs) and
// appends the premium list when present. A missing free-list file yields an
// empty pool, not an error; the detail stage can still run proxyless.
func Load(freePath, premiumPath string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	proxies, err := readList(freePath)
	if err != nil {
		return nil, fmt.Errorf("load free proxies: %w", err)
	}

	if premiumPath != "" {
		premium, err := readList(premiumPath)
		if err != nil {
			logger.Warn("premium proxy list unreadable, continuing without it", zap.Error(err))
		} else if len(premium) > 0 {
			logger.Info("premium proxies loaded", zap.Int("count", len(premium)))
			proxies = append(proxies, premium...)
		}
	}

	return dedupe(proxies), nil
}

func readList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return urls, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
