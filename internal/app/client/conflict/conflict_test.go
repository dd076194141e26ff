package conflict

import (
	"errors"
	"testing"
	"time"

	"clinsync/internal/domain/change"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func record(device string, et change.EntityType, data map[string]any, at time.Time) *change.Record {
	return change.NewRecord(change.OperationUpdate, et, "p1", data, nil, "u1", device, 2, at)
}

func deleted(device string, at time.Time) *change.Record {
	return change.NewRecord(change.OperationDelete, change.EntityPatient, "p1", nil, nil, "u1", device, 3, at)
}

func localState(data map[string]any, at time.Time) LocalState {
	pending := record("dev-a", change.EntityPatient, data, at)
	return LocalState{
		Entity:  &change.Entity{ID: "p1", Data: data, UpdatedAt: at, Version: 2},
		Pending: pending,
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Window: -time.Second}.Validate())
}

func TestDetector_Detect(t *testing.T) {
	d := NewDetector("dev-a", DefaultConfig())
	base := map[string]any{"name": "Ana", "diagnosis": "F32"}

	tests := []struct {
		name     string
		remote   *change.Record
		local    LocalState
		conflict bool
		kind     change.ConflictType
	}{
		{
			name:   "same device never conflicts",
			remote: record("dev-a", change.EntityPatient, map[string]any{"name": "Eva"}, t0.Add(time.Minute)),
			local:  localState(base, t0),
		},
		{
			name:   "no local entity",
			remote: record("dev-b", change.EntityPatient, map[string]any{"name": "Eva"}, t0),
			local:  LocalState{},
		},
		{
			name:   "no unsynced local change",
			remote: record("dev-b", change.EntityPatient, map[string]any{"name": "Eva"}, t0.Add(time.Minute)),
			local:  LocalState{Entity: &change.Entity{ID: "p1", Data: base, UpdatedAt: t0}},
		},
		{
			name:     "session always escalated",
			remote:   record("dev-b", change.EntitySession, base, t0.Add(time.Hour)),
			local:    localState(base, t0),
			conflict: true,
			kind:     change.ConflictUserIntent,
		},
		{
			name:     "inside window",
			remote:   record("dev-b", change.EntityPatient, map[string]any{"name": "Ana", "diagnosis": "F33"}, t0.Add(2*time.Minute)),
			local:    localState(base, t0),
			conflict: true,
			kind:     change.ConflictTimestamp,
		},
		{
			name:     "local newer",
			remote:   record("dev-b", change.EntityPatient, map[string]any{"name": "Eva", "diagnosis": "F32"}, t0.Add(-time.Hour)),
			local:    localState(base, t0),
			conflict: true,
			kind:     change.ConflictTimestamp,
		},
		{
			name:   "identical data outside window",
			remote: record("dev-b", change.EntityPatient, map[string]any{"diagnosis": "F32", "name": "Ana"}, t0.Add(time.Hour)),
			local:  localState(base, t0),
		},
		{
			name:     "clinical field diverges",
			remote:   record("dev-b", change.EntityPatient, map[string]any{"name": "Ana", "diagnosis": "F33"}, t0.Add(time.Hour)),
			local:    localState(base, t0),
			conflict: true,
			kind:     change.ConflictClinicalPriority,
		},
		{
			name:     "remote delete against local edit",
			remote:   deleted("dev-b", t0.Add(time.Hour)),
			local:    localState(map[string]any{"name": "Ana"}, t0),
			conflict: true,
			kind:     change.ConflictUserIntent,
		},
		{
			name:     "remote delete inside window",
			remote:   deleted("dev-b", t0.Add(time.Minute)),
			local:    localState(base, t0),
			conflict: true,
			kind:     change.ConflictUserIntent,
		},
		{
			name:     "remote edit against local delete",
			remote:   record("dev-b", change.EntityPatient, map[string]any{"name": "Eva"}, t0.Add(time.Hour)),
			local:    LocalState{Pending: deleted("dev-a", t0)},
			conflict: true,
			kind:     change.ConflictUserIntent,
		},
		{
			name:   "deleted on both sides",
			remote: deleted("dev-b", t0.Add(time.Hour)),
			local:  LocalState{Pending: deleted("dev-a", t0)},
		},
		{
			name:     "plain field diverges",
			remote:   record("dev-b", change.EntityPatient, map[string]any{"name": "Eva", "diagnosis": "F32"}, t0.Add(time.Hour)),
			local:    localState(base, t0),
			conflict: true,
			kind:     change.ConflictFieldMerge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			det := d.Detect(tt.remote, tt.local)

			// Assert
			assert.Equal(t, tt.conflict, det.Conflict)
			if tt.conflict {
				assert.Equal(t, tt.kind, det.Type)
			}
		})
	}
}

func TestDetector_Symmetry(t *testing.T) {
	onA := NewDetector("dev-a", DefaultConfig())
	onB := NewDetector("dev-b", DefaultConfig())

	offsets := []time.Duration{0, time.Second, 90 * time.Second, 4 * time.Minute, 5 * time.Minute}
	for _, off := range offsets {
		a := record("dev-a", change.EntityPatient, map[string]any{"name": "Ana"}, t0)
		b := record("dev-b", change.EntityPatient, map[string]any{"name": "Eva"}, t0.Add(off))

		// A локальное на устройстве dev-a, B пришло с сервера
		onDevA := onA.Detect(b, LocalState{Entity: &change.Entity{ID: "p1", Data: a.Data, UpdatedAt: a.Timestamp}, Pending: a})
		// Роли поменялись
		onDevB := onB.Detect(a, LocalState{Entity: &change.Entity{ID: "p1", Data: b.Data, UpdatedAt: b.Timestamp}, Pending: b})

		assert.True(t, onDevA.Conflict, "offset %s", off)
		assert.True(t, onDevB.Conflict, "offset %s", off)
		assert.Equal(t, onA.overlaps(a, b), onA.overlaps(b, a))
	}
}

func TestDetector_overlaps(t *testing.T) {
	d := NewDetector("dev-a", DefaultConfig())
	a := record("dev-a", change.EntityPatient, nil, t0)

	assert.True(t, d.overlaps(a, record("dev-b", change.EntityPatient, nil, t0.Add(5*time.Minute))))
	assert.False(t, d.overlaps(a, record("dev-b", change.EntityPatient, nil, t0.Add(6*time.Minute))))
	assert.False(t, d.overlaps(a, record("dev-a", change.EntityPatient, nil, t0)))
}

func TestResolver_Resolve(t *testing.T) {
	local := record("dev-a", change.EntityPatient, map[string]any{"name": "Ana", "phone": "1", "ward": "A"}, t0)
	server := record("dev-b", change.EntityPatient, map[string]any{"name": "Ana", "phone": "2", "ward": "B"}, t0.Add(time.Minute))

	tests := []struct {
		name       string
		conflict   *change.ConflictRecord
		resolved   bool
		strategy   change.Strategy
		value      map[string]any
		remoteWins bool
	}{
		{
			name:     "single field merge takes server value",
			conflict: &change.ConflictRecord{ConflictType: change.ConflictFieldMerge, Fields: []string{"phone"}, LocalChange: local, ServerChange: server},
			resolved: true,
			strategy: change.StrategyMerge,
			value:    map[string]any{"name": "Ana", "phone": "2", "ward": "A"},
		},
		{
			name:     "merge never applies a remote delete",
			conflict: &change.ConflictRecord{ConflictType: change.ConflictFieldMerge, Fields: []string{"name"}, LocalChange: local, ServerChange: deleted("dev-b", t0.Add(time.Hour))},
			strategy: change.StrategyManual,
		},
		{
			name:     "multi field merge needs review",
			conflict: &change.ConflictRecord{ConflictType: change.ConflictFieldMerge, Fields: []string{"phone", "ward"}, LocalChange: local, ServerChange: server},
			strategy: change.StrategyManual,
		},
		{
			name:       "timestamp picks later server",
			conflict:   &change.ConflictRecord{ConflictType: change.ConflictTimestamp, LocalChange: local, ServerChange: server},
			resolved:   true,
			strategy:   change.StrategyLastWriterWins,
			value:      server.Data,
			remoteWins: true,
		},
		{
			name: "timestamp tie goes to server",
			conflict: &change.ConflictRecord{
				ConflictType: change.ConflictTimestamp,
				LocalChange:  local,
				ServerChange: record("dev-b", change.EntityPatient, map[string]any{"name": "Eva"}, t0),
			},
			resolved:   true,
			strategy:   change.StrategyLastWriterWins,
			value:      map[string]any{"name": "Eva"},
			remoteWins: true,
		},
		{
			name: "timestamp picks later local",
			conflict: &change.ConflictRecord{
				ConflictType: change.ConflictTimestamp,
				LocalChange:  local,
				ServerChange: record("dev-b", change.EntityPatient, map[string]any{"name": "Eva"}, t0.Add(-time.Minute)),
			},
			resolved: true,
			strategy: change.StrategyLastWriterWins,
			value:    local.Data,
		},
		{
			name:     "clinical priority with one field needs review",
			conflict: &change.ConflictRecord{ConflictType: change.ConflictClinicalPriority, Fields: []string{"clinicalInfo.medications"}, LocalChange: local, ServerChange: server},
			strategy: change.StrategyManual,
		},
		{
			name:     "user intent needs review",
			conflict: &change.ConflictRecord{ConflictType: change.ConflictUserIntent, LocalChange: local, ServerChange: server},
			strategy: change.StrategyManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			r := NewResolver()
			r.now = func() time.Time { return t0 }

			// Act
			res := r.Resolve(tt.conflict)

			// Assert
			assert.Equal(t, tt.resolved, res.Resolved)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.remoteWins, res.RemoteWins)
			assert.Equal(t, tt.resolved, tt.conflict.IsResolved)
			if tt.resolved {
				assert.Equal(t, tt.value, res.Value)
				assert.Equal(t, change.ActorSystem, tt.conflict.ResolvedBy)
			} else {
				assert.Nil(t, res.Value)
			}
		})
	}
}

func TestResolver_MergeNestedField(t *testing.T) {
	local := record("dev-a", change.EntityPatient, map[string]any{
		"name":         "Ana",
		"clinicalInfo": map[string]any{"notes": "local", "room": 3},
	}, t0)
	server := record("dev-b", change.EntityPatient, map[string]any{
		"name":         "Ana",
		"clinicalInfo": map[string]any{"notes": "server", "room": 3},
	}, t0.Add(time.Hour))

	c := &change.ConflictRecord{ConflictType: change.ConflictFieldMerge, Fields: []string{"clinicalInfo.notes"}, LocalChange: local, ServerChange: server}

	res := NewResolver().Resolve(c)

	require.True(t, res.Resolved)
	notes, ok := change.GetPath(res.Value, "clinicalInfo.notes")
	require.True(t, ok)
	assert.Equal(t, "server", notes)
	assert.Equal(t, "local", local.Data["clinicalInfo"].(map[string]any)["notes"])
}

func TestResolver_ResolveManual(t *testing.T) {
	local := record("dev-a", change.EntityPatient, map[string]any{"diagnosis": "F32"}, t0)
	server := record("dev-b", change.EntityPatient, map[string]any{"diagnosis": "F33"}, t0)
	current := map[string]any{"diagnosis": "F32.1"}

	newConflict := func() *change.ConflictRecord {
		return &change.ConflictRecord{ID: "c1", ConflictType: change.ConflictClinicalPriority, LocalChange: local, ServerChange: server}
	}

	t.Run("local keeps current device state", func(t *testing.T) {
		c := newConflict()
		res, err := NewResolver().ResolveManual(c, change.ChoiceLocal, current, nil)
		require.NoError(t, err)
		assert.Equal(t, current, res.Value)
		assert.False(t, res.RemoteWins)
		assert.Equal(t, change.ActorUser, c.ResolvedBy)
	})

	t.Run("server", func(t *testing.T) {
		res, err := NewResolver().ResolveManual(newConflict(), change.ChoiceServer, current, nil)
		require.NoError(t, err)
		assert.Equal(t, server.Data, res.Value)
		assert.True(t, res.RemoteWins)
	})

	t.Run("custom requires value", func(t *testing.T) {
		_, err := NewResolver().ResolveManual(newConflict(), change.ChoiceCustom, current, nil)
		assert.True(t, errors.Is(err, change.ErrInvalidChoice))
	})

	t.Run("invalid choice", func(t *testing.T) {
		_, err := NewResolver().ResolveManual(newConflict(), "both", current, nil)
		assert.True(t, errors.Is(err, change.ErrInvalidChoice))
	})

	t.Run("already resolved", func(t *testing.T) {
		c := newConflict()
		_, err := NewResolver().ResolveManual(c, change.ChoiceServer, current, nil)
		require.NoError(t, err)
		_, err = NewResolver().ResolveManual(c, change.ChoiceServer, current, nil)
		assert.Error(t, err)
	})
}
