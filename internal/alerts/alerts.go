// Package alerts implements the operational alert manager.
//
// Alerts are deduplicated by signature (type + tenant + provider): while an
// unresolved alert with the same signature exists, re-triggering it bumps a
// counter instead of creating a duplicate. Repeated warnings within a short
// window escalate the alert to critical.
package alerts

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bigdegenenergy/spendroute/pkg/models"
	"github.com/google/uuid"
)

const (
	// escalateAfter warnings with the same signature inside escalateWindow
	// promote the alert to critical.
	escalateAfter  = 3
	escalateWindow = 10 * time.Minute

	// resolvedRetention bounds how many resolved alerts are kept for the
	// listing API.
	resolvedRetention = 500
)

// Context scopes an alert to a tenant and/or provider.
type Context struct {
	TenantID   string
	ProviderID string
}

// Manager creates, deduplicates, and resolves alerts. Safe for concurrent
// use.
type Manager struct {
	mu       sync.RWMutex
	bySig    map[string]*models.Alert // unresolved alerts by signature
	byID     map[string]*models.Alert // all alerts, resolved included
	resolved []string                 // resolution order, for retention trimming
	now      func() time.Time
}

// NewManager creates an empty alert manager.
func NewManager() *Manager {
	return &Manager{
		bySig: make(map[string]*models.Alert),
		byID:  make(map[string]*models.Alert),
		now:   time.Now,
	}
}

func signature(t models.AlertType, c Context) string {
	return fmt.Sprintf("%s|%s|%s", t, c.TenantID, c.ProviderID)
}

// Notify raises an alert, or re-fires an existing unresolved one with the
// same signature. Returns the alert's id.
func (m *Manager) Notify(t models.AlertType, severity models.AlertSeverity, message string, c Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := signature(t, c)
	now := m.now()

	if a, ok := m.bySig[sig]; ok {
		a.Count++
		a.LastSeenAt = now
		a.Message = message
		// Repeated warnings in a short window mean the condition is not
		// transient; escalate.
		if severity == models.SeverityWarning && a.Severity == models.SeverityWarning &&
			a.Count >= escalateAfter && now.Sub(a.TriggeredAt) <= escalateWindow {
			a.Severity = models.SeverityCritical
			log.Printf("alerts: escalated %s (%s) to critical after %d occurrences", a.Type, a.ID, a.Count)
		}
		if sevRank(severity) > sevRank(a.Severity) {
			a.Severity = severity
		}
		return a.ID
	}

	a := &models.Alert{
		ID:          uuid.New().String(),
		Type:        t,
		Severity:    severity,
		Message:     message,
		TenantID:    c.TenantID,
		ProviderID:  c.ProviderID,
		Count:       1,
		TriggeredAt: now,
		LastSeenAt:  now,
	}
	m.bySig[sig] = a
	m.byID[a.ID] = a
	log.Printf("alerts: [%s] %s: %s", a.Severity, a.Type, message)
	return a.ID
}

// Active returns unresolved alerts, optionally filtered by tenant.
func (m *Manager) Active(tenantID string) []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Alert, 0, len(m.bySig))
	for _, a := range m.bySig {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// All returns every retained alert, optionally filtered by tenant and
// status ("active" or "resolved").
func (m *Manager) All(tenantID, status string) []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Alert, 0, len(m.byID))
	for _, a := range m.byID {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if status == "active" && a.Resolved() {
			continue
		}
		if status == "resolved" && !a.Resolved() {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Resolve marks an alert resolved. Resolving an already-resolved alert is
// a no-op. Returns false when the id is unknown.
func (m *Manager) Resolve(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[alertID]
	if !ok {
		return false
	}
	if a.Resolved() {
		return true
	}
	now := m.now()
	a.ResolvedAt = &now
	delete(m.bySig, signature(a.Type, Context{TenantID: a.TenantID, ProviderID: a.ProviderID}))

	m.resolved = append(m.resolved, a.ID)
	if len(m.resolved) > resolvedRetention {
		drop := m.resolved[0]
		m.resolved = m.resolved[1:]
		delete(m.byID, drop)
	}
	return true
}

// resolveSignature clears an unresolved alert when its condition clears.
func (m *Manager) resolveSignature(t models.AlertType, c Context) {
	m.mu.RLock()
	a, ok := m.bySig[signature(t, c)]
	m.mu.RUnlock()
	if ok {
		m.Resolve(a.ID)
	}
}

// ProviderStateChanged implements the registry health sink. Unhealthy and
// degraded transitions raise alerts; recovery to healthy resolves them.
func (m *Manager) ProviderStateChanged(h models.ProviderHealth) {
	c := Context{ProviderID: h.ProviderID}
	switch h.Status {
	case models.StatusUnhealthy:
		msg := fmt.Sprintf("provider %s is unhealthy after %d consecutive errors (last: %s)",
			h.ProviderID, h.ConsecutiveErrors, h.LastError)
		m.Notify(models.AlertProviderUnhealthy, models.SeverityCritical, msg, c)
	case models.StatusDegraded:
		msg := fmt.Sprintf("provider %s is degraded (rolling success rate %.2f)",
			h.ProviderID, h.RollingSuccessRate)
		m.Notify(models.AlertProviderDegraded, models.SeverityWarning, msg, c)
	case models.StatusHealthy:
		// Condition cleared.
		m.resolveSignature(models.AlertProviderUnhealthy, c)
		m.resolveSignature(models.AlertProviderDegraded, c)
	}
}

// BudgetThresholdCrossed implements the ledger notifier. The ledger
// guarantees one call per threshold crossing per window.
func (m *Manager) BudgetThresholdCrossed(tenantID, window string, threshold, spendUSD, limitUSD float64) {
	c := Context{TenantID: tenantID}
	msg := fmt.Sprintf("tenant %s reached %.0f%% of its %s budget ($%.2f of $%.2f)",
		tenantID, threshold*100, window, spendUSD, limitUSD)
	if threshold >= 1.0 {
		m.Notify(models.AlertBudgetExceeded, models.SeverityCritical, msg, c)
		return
	}
	m.Notify(models.AlertBudgetWarning, models.SeverityWarning, msg, c)
}

func sevRank(s models.AlertSeverity) int {
	switch s {
	case models.SeverityInfo:
		return 1
	case models.SeverityWarning:
		return 2
	case models.SeverityCritical:
		return 3
	default:
		return 0
	}
}
