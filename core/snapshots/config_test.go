// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package snapshots_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"duckpond.io/duckpond/core/snapshots"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestResolve_Defaults(t *testing.T) {
	resolution := snapshots.Resolve()

	require.True(t, resolution.Effective.Enabled)
	require.Equal(t, 90, resolution.Effective.ManualRetentionDays)
	require.Equal(t, 7, resolution.Effective.AutoRetentionDays)
	require.True(t, resolution.Effective.OnDropTable)
	require.True(t, resolution.Effective.OnDropColumn)
	require.False(t, resolution.Effective.OnTruncateTable)
	require.False(t, resolution.Effective.OnDeleteAllRows)

	for field, scope := range resolution.Inheritance {
		require.Equal(t, snapshots.ScopeSystem, scope, field)
	}
}

func TestResolve_MostSpecificWins(t *testing.T) {
	resolution := snapshots.Resolve(
		snapshots.Layer{
			Scope: snapshots.ScopeProject,
			Config: snapshots.Config{
				Enabled:           boolPtr(false),
				AutoRetentionDays: intPtr(14),
			},
		},
		snapshots.Layer{
			Scope: snapshots.ScopeBucket,
			Config: snapshots.Config{
				ManualRetentionDays: intPtr(30),
			},
		},
		snapshots.Layer{
			Scope: snapshots.ScopeTable,
			Config: snapshots.Config{
				Enabled: boolPtr(true),
			},
		},
	)

	// table layer wins over project for enabled
	require.True(t, resolution.Effective.Enabled)
	require.Equal(t, snapshots.ScopeTable, resolution.Inheritance[snapshots.FieldEnabled])

	require.Equal(t, 30, resolution.Effective.ManualRetentionDays)
	require.Equal(t, snapshots.ScopeBucket, resolution.Inheritance[snapshots.FieldManualDays])

	require.Equal(t, 14, resolution.Effective.AutoRetentionDays)
	require.Equal(t, snapshots.ScopeProject, resolution.Inheritance[snapshots.FieldAutoDays])

	// untouched fields stay on system defaults
	require.True(t, resolution.Effective.OnDropTable)
	require.Equal(t, snapshots.ScopeSystem, resolution.Inheritance[snapshots.FieldOnDropTable])
}

func TestEffective_TriggerEnabled(t *testing.T) {
	effective := snapshots.SystemDefaults()
	require.True(t, effective.TriggerEnabled(snapshots.TriggerDropTable))
	require.True(t, effective.TriggerEnabled(snapshots.TriggerDropColumn))
	require.False(t, effective.TriggerEnabled(snapshots.TriggerTruncateTable))
	require.False(t, effective.TriggerEnabled(snapshots.TriggerDeleteAllRows))

	// a disabled config silences every trigger
	effective.Enabled = false
	require.False(t, effective.TriggerEnabled(snapshots.TriggerDropTable))
}

func TestTriggerMapping(t *testing.T) {
	require.Equal(t, snapshots.TypeAutoPredrop, snapshots.TriggerDropTable.SnapshotType())
	require.Equal(t, snapshots.TypeAutoPredropColumn, snapshots.TriggerDropColumn.SnapshotType())
	require.Equal(t, snapshots.TypeAutoPretruncate, snapshots.TriggerTruncateTable.SnapshotType())
	require.Equal(t, snapshots.TypeAutoPredeleteAll, snapshots.TriggerDeleteAllRows.SnapshotType())
	require.Equal(t, "Auto-backup before DROP TABLE", snapshots.TriggerDropTable.Description())
}
