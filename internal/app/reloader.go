package app

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/policy"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// policyReloader polls the standing-orders file's mtime and hot-swaps
// the engine's document when it changes. A document
// that fails schema validation is rejected: the previous valid document
// stays active and a POLICY_DOCUMENT_REJECTED event is appended at
// informational severity, never surfaced as a fault.
type policyReloader struct {
	path    string
	cadence time.Duration
	engine  *policy.Engine
	store   *store.Store
	log     *logging.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastMod time.Time
}

func (r *policyReloader) Name() string { return "policy_reloader" }

func (r *policyReloader) Start(ctx context.Context) error {
	if info, err := os.Stat(r.path); err == nil {
		r.lastMod = info.ModTime()
	}
	cadence := r.cadence
	if cadence <= 0 {
		cadence = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.checkOnce(runCtx)
			}
		}
	}()
	return nil
}

func (r *policyReloader) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *policyReloader) checkOnce(ctx context.Context) {
	info, err := os.Stat(r.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(r.lastMod) {
		return
	}
	r.lastMod = info.ModTime()

	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Entry(ctx).WithError(err).Warn("standing orders unreadable, keeping previous document")
		return
	}
	doc, err := policy.ParseDocument(raw)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"path": r.path, "error": err.Error()})
		_, _ = r.store.AppendEvent(ctx, store.Event{
			Type:     "POLICY_DOCUMENT_REJECTED",
			Source:   "policy_reloader",
			Severity: store.SeverityInfo,
			Payload:  payload,
		})
		r.log.Entry(ctx).WithError(err).Warn("standing orders rejected, keeping previous document")
		return
	}

	r.engine.SetDocument(doc)
	r.log.Entry(ctx).WithField("path", r.path).Info("standing orders reloaded")
}
