package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clashstats/cs/api"
	"clashstats/cs/app"
	"clashstats/cs/common/logx"
)

var ops = logx.New(logx.WithPrefix("ops"))

// HashPassword returns the bcrypt form accepted in admin.password.
func HashPassword(plain string) (string, error) {
	if strings.TrimSpace(plain) == "" {
		return "", fmt.Errorf("password required")
	}
	return api.HashPassword(plain)
}

// Purge runs the same cleanup as the maintenance endpoint without starting collectors.
func Purge(cfgPath string, backendID int64, days int) error {
	if days < 0 {
		return fmt.Errorf("days must be >= 0")
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if backendID > 0 {
		if _, err := a.Backends.Get(ctx, backendID); err != nil {
			return fmt.Errorf("backend %d: %w", backendID, err)
		}
	}
	res, err := a.Store.Cleanup(ctx, backendID, days)
	if err != nil {
		return err
	}
	ops.Infof("[purge] backend=%d days=%d logs=%d domains=%d ips=%d proxies=%d rules=%d countries=%d hours=%d",
		backendID, days, res.DeletedLogs, res.DeletedDomains, res.DeletedIPs,
		res.DeletedProxies, res.DeletedRules, res.DeletedCountries, res.DeletedHours)
	return nil
}
