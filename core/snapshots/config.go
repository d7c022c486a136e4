// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package snapshots

// Scope identifies where a snapshot config value is stored. Resolution
// is most-specific wins: table > bucket > project > system.
type Scope string

// Config scopes.
const (
	ScopeSystem  Scope = "system"
	ScopeProject Scope = "project"
	ScopeBucket  Scope = "bucket"
	ScopeTable   Scope = "table"
)

// Trigger identifies a destructive operation guarded by automatic
// snapshots.
type Trigger string

// Auto-snapshot triggers.
const (
	TriggerDropTable     Trigger = "drop_table"
	TriggerDropColumn    Trigger = "drop_column"
	TriggerTruncateTable Trigger = "truncate_table"
	TriggerDeleteAllRows Trigger = "delete_all_rows"
)

// Type classifies how a snapshot came to be.
type Type string

// Snapshot types.
const (
	TypeManual            Type = "manual"
	TypeAutoPredrop       Type = "auto_predrop"
	TypeAutoPredropColumn Type = "auto_predrop_column"
	TypeAutoPretruncate   Type = "auto_pretruncate"
	TypeAutoPredeleteAll  Type = "auto_predelete_all"
)

// SnapshotType maps a trigger to the snapshot type it produces.
func (trigger Trigger) SnapshotType() Type {
	switch trigger {
	case TriggerDropTable:
		return TypeAutoPredrop
	case TriggerDropColumn:
		return TypeAutoPredropColumn
	case TriggerTruncateTable:
		return TypeAutoPretruncate
	case TriggerDeleteAllRows:
		return TypeAutoPredeleteAll
	}
	return TypeManual
}

// Description renders the standard auto-backup description.
func (trigger Trigger) Description() string {
	switch trigger {
	case TriggerDropTable:
		return "Auto-backup before DROP TABLE"
	case TriggerDropColumn:
		return "Auto-backup before DROP COLUMN"
	case TriggerTruncateTable:
		return "Auto-backup before TRUNCATE"
	case TriggerDeleteAllRows:
		return "Auto-backup before DELETE all rows"
	}
	return "Auto-backup"
}

// Config holds the optional snapshot settings stored at one scope. Nil
// fields inherit from the wider scope.
type Config struct {
	Enabled             *bool `json:"enabled,omitempty"`
	ManualRetentionDays *int  `json:"manual_retention_days,omitempty"`
	AutoRetentionDays   *int  `json:"auto_retention_days,omitempty"`
	OnDropTable         *bool `json:"on_drop_table,omitempty"`
	OnDropColumn        *bool `json:"on_drop_column,omitempty"`
	OnTruncateTable     *bool `json:"on_truncate_table,omitempty"`
	OnDeleteAllRows     *bool `json:"on_delete_all_rows,omitempty"`
}

// IsZero reports whether no field is set.
func (config Config) IsZero() bool {
	return config.Enabled == nil &&
		config.ManualRetentionDays == nil &&
		config.AutoRetentionDays == nil &&
		config.OnDropTable == nil &&
		config.OnDropColumn == nil &&
		config.OnTruncateTable == nil &&
		config.OnDeleteAllRows == nil
}

// Effective is a fully resolved snapshot configuration.
type Effective struct {
	Enabled             bool `json:"enabled"`
	ManualRetentionDays int  `json:"manual_retention_days"`
	AutoRetentionDays   int  `json:"auto_retention_days"`
	OnDropTable         bool `json:"on_drop_table"`
	OnDropColumn        bool `json:"on_drop_column"`
	OnTruncateTable     bool `json:"on_truncate_table"`
	OnDeleteAllRows     bool `json:"on_delete_all_rows"`
}

// TriggerEnabled reports whether the given trigger fires.
func (effective Effective) TriggerEnabled(trigger Trigger) bool {
	if !effective.Enabled {
		return false
	}
	switch trigger {
	case TriggerDropTable:
		return effective.OnDropTable
	case TriggerDropColumn:
		return effective.OnDropColumn
	case TriggerTruncateTable:
		return effective.OnTruncateTable
	case TriggerDeleteAllRows:
		return effective.OnDeleteAllRows
	}
	return false
}

// Field keys used in the inheritance map.
const (
	FieldEnabled      = "enabled"
	FieldManualDays   = "retention.manual_days"
	FieldAutoDays     = "retention.auto_days"
	FieldOnDropTable  = "auto_snapshot_triggers.drop_table"
	FieldOnDropColumn = "auto_snapshot_triggers.drop_column"
	FieldOnTruncate   = "auto_snapshot_triggers.truncate_table"
	FieldOnDeleteAll  = "auto_snapshot_triggers.delete_all_rows"
)

// Resolution is an effective config plus the scope every field came from.
type Resolution struct {
	Effective   Effective        `json:"effective"`
	Inheritance map[string]Scope `json:"inheritance"`
}

// Layer is a stored config at a scope, used as Resolve input.
type Layer struct {
	Scope  Scope
	Config Config
}

// SystemDefaults returns the platform-wide base configuration.
func SystemDefaults() Effective {
	return Effective{
		Enabled:             true,
		ManualRetentionDays: 90,
		AutoRetentionDays:   7,
		OnDropTable:         true,
		OnDropColumn:        true,
		OnTruncateTable:     false,
		OnDeleteAllRows:     false,
	}
}

// Resolve merges layers ordered from widest to most specific on top of
// the system defaults, each field independently, and records which
// scope supplied every field.
func Resolve(layers ...Layer) Resolution {
	resolution := Resolution{
		Effective: SystemDefaults(),
		Inheritance: map[string]Scope{
			FieldEnabled:      ScopeSystem,
			FieldManualDays:   ScopeSystem,
			FieldAutoDays:     ScopeSystem,
			FieldOnDropTable:  ScopeSystem,
			FieldOnDropColumn: ScopeSystem,
			FieldOnTruncate:   ScopeSystem,
			FieldOnDeleteAll:  ScopeSystem,
		},
	}

	for _, layer := range layers {
		applyBool(&resolution, layer.Scope, FieldEnabled, layer.Config.Enabled, &resolution.Effective.Enabled)
		applyInt(&resolution, layer.Scope, FieldManualDays, layer.Config.ManualRetentionDays, &resolution.Effective.ManualRetentionDays)
		applyInt(&resolution, layer.Scope, FieldAutoDays, layer.Config.AutoRetentionDays, &resolution.Effective.AutoRetentionDays)
		applyBool(&resolution, layer.Scope, FieldOnDropTable, layer.Config.OnDropTable, &resolution.Effective.OnDropTable)
		applyBool(&resolution, layer.Scope, FieldOnDropColumn, layer.Config.OnDropColumn, &resolution.Effective.OnDropColumn)
		applyBool(&resolution, layer.Scope, FieldOnTruncate, layer.Config.OnTruncateTable, &resolution.Effective.OnTruncateTable)
		applyBool(&resolution, layer.Scope, FieldOnDeleteAll, layer.Config.OnDeleteAllRows, &resolution.Effective.OnDeleteAllRows)
	}
	return resolution
}

func applyBool(resolution *Resolution, scope Scope, field string, value *bool, target *bool) {
	if value == nil {
		return
	}
	*target = *value
	resolution.Inheritance[field] = scope
}

func applyInt(resolution *Resolution, scope Scope, field string, value *int, target *int) {
	if value == nil {
		return
	}
	*target = *value
	resolution.Inheritance[field] = scope
}
