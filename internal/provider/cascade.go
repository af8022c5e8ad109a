package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/sandbox"
	"swayambhu/internal/store"
)

// adapterName is the capability identity the dynamic adapter runs under.
const adapterName = "llm_adapter"

// Cascade masks transient provider failure behind the three tiers. One
// Cascade serves one session: the tier-2 snapshot is refreshed at most once
// per session, on tier 1's first success, so a freshly broken tier 1 cannot
// also corrupt tier 2.
type Cascade struct {
	st            *store.Store
	runner        sandbox.Runner
	builtin       Generator
	rec           *karma.Recorder
	rates         config.ModelRegistry
	fallbackModel string
	snapshotted   bool
	logger        *zap.Logger
}

// NewCascade wires the cascade for one session.
func NewCascade(st *store.Store, runner sandbox.Runner, builtin Generator, rec *karma.Recorder, rates config.ModelRegistry, fallbackModel string, logger *zap.Logger) *Cascade {
	return &Cascade{
		st:            st,
		runner:        runner,
		builtin:       builtin,
		rec:           rec,
		rates:         rates,
		fallbackModel: fallbackModel,
		logger:        logger,
	}
}

// Generate implements Generator. If every tier fails for the requested
// model and that model is not already the fallback, exactly one more full
// cascade pass runs against the fallback model at minimum effort.
func (c *Cascade) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := c.tiers(ctx, req)
	if err == nil {
		return resp, nil
	}
	if c.fallbackModel == "" || req.Model == c.fallbackModel {
		return Response{}, err
	}

	_ = c.rec.Record(karma.EventModelFallback, map[string]any{
		"from":  req.Model,
		"to":    c.fallbackModel,
		"error": err.Error(),
	})
	fb := req
	fb.Model = c.fallbackModel
	fb.Effort = config.EffortLow
	resp, fbErr := c.tiers(ctx, fb)
	if fbErr != nil {
		return Response{}, fmt.Errorf("all tiers failed for %s and fallback %s: %w", req.Model, c.fallbackModel, fbErr)
	}
	return resp, nil
}

// tiers runs one full pass: adapter, snapshot, builtin.
func (c *Cascade) tiers(ctx context.Context, req Request) (Response, error) {
	resp, err := c.adapter(ctx, store.KeyProviderCode, store.KeyProviderMeta, req)
	if err == nil {
		c.snapshot()
		resp.Tier = 1
		resp.Cost = EstimateCost(c.rates, resp.Model, resp.Usage)
		return resp, nil
	}
	tier1Err := err
	_ = c.rec.Record(karma.EventTierFallback, map[string]any{"tier": 1, "error": err.Error()})
	c.logger.Warn("provider tier 1 failed", zap.Error(err))

	resp, err = c.adapter(ctx, store.KeySnapshotCode, store.KeySnapshotMeta, req)
	if err == nil {
		resp.Tier = 2
		resp.Cost = EstimateCost(c.rates, resp.Model, resp.Usage)
		return resp, nil
	}
	_ = c.rec.Record(karma.EventTierFallback, map[string]any{"tier": 2, "error": err.Error()})
	c.logger.Warn("provider tier 2 failed", zap.Error(err))

	resp, err = c.builtin.Generate(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("tier 3 failed (tier 1: %v): %w", tier1Err, err)
	}
	resp.Tier = 3
	resp.Cost = EstimateCost(c.rates, resp.Model, resp.Usage)
	return resp, nil
}

// adapter runs the dynamic adapter code stored under the given keys. The
// adapter is ordinary capability code: it defines Run(input) and speaks the
// normalized request/response JSON shapes.
func (c *Cascade) adapter(ctx context.Context, codeKey, metaKey string, req Request) (Response, error) {
	var code string
	if err := c.st.GetJSON(codeKey, &code); err != nil {
		return Response{}, fmt.Errorf("no adapter at %s: %w", codeKey, err)
	}
	rawMeta, err := c.st.Get(metaKey)
	if err != nil {
		return Response{}, fmt.Errorf("no adapter metadata at %s: %w", metaKey, err)
	}
	spec, err := sandbox.ParseSpec(rawMeta)
	if err != nil {
		return Response{}, err
	}

	wire := struct {
		Request
		Thinking *struct {
			Effort string `json:"effort"`
		} `json:"thinking,omitempty"`
	}{Request: req}
	if req.Effort > config.EffortLow {
		wire.Thinking = &struct {
			Effort string `json:"effort"`
		}{Effort: req.Effort.String()}
	}
	input, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	out, err := c.runner.Run(ctx, adapterName, code, spec, string(input))
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return Response{}, fmt.Errorf("adapter returned malformed response: %w", err)
	}
	if resp.Content == "" {
		return Response{}, fmt.Errorf("adapter returned empty content")
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// snapshot copies the current adapter to the last-working keys, at most
// once per session.
func (c *Cascade) snapshot() {
	if c.snapshotted {
		return
	}
	c.snapshotted = true

	code, err := c.st.Get(store.KeyProviderCode)
	if err != nil {
		return
	}
	meta, err := c.st.Get(store.KeyProviderMeta)
	if err != nil {
		return
	}
	if err := c.st.Put(store.KeySnapshotCode, code); err != nil {
		c.logger.Warn("adapter snapshot failed", zap.Error(err))
		return
	}
	if err := c.st.Put(store.KeySnapshotMeta, meta); err != nil {
		c.logger.Warn("adapter snapshot failed", zap.Error(err))
	}
}
