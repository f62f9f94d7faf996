// Package recovery restores runtime state after a restart. Components register
// themselves and are recovered in registration order at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	timer dialogue.Timer
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(timer dialogue.Timer) *RecoveryRegistry {
	return &RecoveryRegistry{timer: timer}
}

// GetTimer returns the process-wide timer that recovered components re-arm
// their schedules on. It may be nil.
func (r *RecoveryRegistry) GetTimer() dialogue.Timer {
	return r.timer
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(timer dialogue.Timer) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(timer),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
