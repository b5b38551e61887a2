package main

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// reload applies a changed configuration to the running router: backend
// membership is diffed against the registry, and the strategy is swapped
// on the engine. Server ports and the engagement mode need a restart and
// are left untouched.
func reload(app *application, newCfg *config.RouterConfig, logger observability.Logger) error {
	if newCfg.Engaged() != app.config.Engaged() {
		logger.Warn("engagement mode changed in configuration, restart required to apply")
	}

	var errs []error
	desired := make(map[string]bool, len(newCfg.Backends))

	for _, cfg := range newCfg.Backends {
		desired[cfg.Name] = true
		if _, err := app.registry.Get(cfg.Name); err != nil {
			if _, addErr := app.registry.Add(cfg); addErr != nil {
				errs = append(errs, fmt.Errorf("adding backend %q: %w", cfg.Name, addErr))
			}
			continue
		}
		if _, err := app.registry.Update(cfg.Name, patchFromConfig(cfg)); err != nil {
			errs = append(errs, fmt.Errorf("updating backend %q: %w", cfg.Name, err))
		}
	}

	for _, b := range app.registry.List() {
		if !desired[b.Name()] {
			if err := app.registry.Remove(b.Name()); err != nil {
				errs = append(errs, fmt.Errorf("removing backend %q: %w", b.Name(), err))
			}
		}
	}

	if app.engine != nil && newCfg.LoadBalancer.Strategy != app.engine.StrategyName() {
		if err := app.engine.SetStrategy(newCfg.LoadBalancer.Strategy); err != nil {
			errs = append(errs, fmt.Errorf("switching strategy: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	app.config = newCfg
	logger.Info("configuration applied",
		observability.Int("backends", app.registry.Len()),
	)
	return nil
}

// patchFromConfig converts a full backend descriptor into an update patch
// covering every mutable field.
func patchFromConfig(cfg config.Backend) backend.UpdatePatch {
	enabled := !cfg.Disabled
	tags := append([]string(nil), cfg.Tags...)
	return backend.UpdatePatch{
		Endpoint:       &cfg.Endpoint,
		Model:          &cfg.Model,
		APIKey:         &cfg.APIKey,
		Weight:         &cfg.Weight,
		MaxConcurrency: &cfg.MaxConcurrency,
		Timeout:        &cfg.Timeout,
		Priority:       &cfg.Priority,
		Tags:           &tags,
		Enabled:        &enabled,
	}
}
