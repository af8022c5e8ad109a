package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swayambhu/internal/config"
	"swayambhu/internal/plan"
)

// fetchGroundTruth concurrently invokes the checker capability of every
// configured account and joins the results into one tree the model cannot
// hallucinate. An individual checker failure degrades that account to nil
// rather than aborting the fan-out.
func fetchGroundTruth(ctx context.Context, tools plan.ToolInvoker, reg config.ResourceRegistry, logger *zap.Logger) map[string]any {
	out := make(map[string]any, len(reg.Accounts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, acct := range reg.Accounts {
		g.Go(func() error {
			var value any
			raw, err := tools.Invoke(gctx, acct.Checker, acct.Input)
			if err != nil {
				logger.Warn("ground truth checker failed",
					zap.String("account", acct.Name),
					zap.String("checker", acct.Checker),
					zap.Error(err))
			} else if uerr := json.Unmarshal([]byte(raw), &value); uerr != nil {
				value = raw
			}

			mu.Lock()
			out[acct.Name] = value
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // checkers never return errors, only nils
	return out
}
