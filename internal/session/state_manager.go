package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/store"
)

// StoreBasedStateManager persists session snapshots in a Store.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// Save records snap for the session, keeping the original creation time.
func (sm *StoreBasedStateManager) Save(ctx context.Context, sessionID, form string, channel models.Channel, snap dialogue.Snapshot) error {
	existing, err := sm.store.GetSessionState(sessionID)
	if err != nil {
		slog.Error("StateManager Save get error", "error", err, "sessionID", sessionID)
		return err
	}

	now := time.Now().UTC()
	st := models.SessionState{
		SessionID:  sessionID,
		Form:       form,
		Channel:    channel,
		State:      snap.State.Kind,
		FieldIndex: snap.State.FieldIndex,
		Retry:      snap.Retry,
		Draft:      snap.Draft,
		LastPrompt: snap.LastPrompt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		st.CreatedAt = existing.CreatedAt
	}

	if err := sm.store.SaveSessionState(st); err != nil {
		slog.Error("StateManager Save error", "error", err, "sessionID", sessionID, "state", st.State)
		return err
	}
	slog.Debug("StateManager Save succeeded", "sessionID", sessionID, "state", snap.State.String())
	return nil
}

// Load returns the persisted state of a session, or nil when none exists.
func (sm *StoreBasedStateManager) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := sm.store.GetSessionState(sessionID)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "sessionID", sessionID)
		return nil, err
	}
	return st, nil
}

// List returns every persisted session.
func (sm *StoreBasedStateManager) List(ctx context.Context) ([]models.SessionState, error) {
	return sm.store.ListSessionStates()
}

// Reset removes the persisted state of a session.
func (sm *StoreBasedStateManager) Reset(ctx context.Context, sessionID string) error {
	if err := sm.store.DeleteSessionState(sessionID); err != nil {
		slog.Error("StateManager Reset error", "error", err, "sessionID", sessionID)
		return err
	}
	slog.Debug("StateManager Reset succeeded", "sessionID", sessionID)
	return nil
}

// SnapshotFromState converts a persisted state back into a controller snapshot.
func SnapshotFromState(st models.SessionState) dialogue.Snapshot {
	return dialogue.Snapshot{
		State:      dialogue.State{Kind: st.State, FieldIndex: st.FieldIndex},
		Retry:      st.Retry,
		Draft:      st.Draft,
		LastPrompt: st.LastPrompt,
	}
}
