package naming

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityTypeName(t *testing.T) {
	namer := Default()

	tests := []struct {
		input    string
		expected string
	}{
		{"gears", "Gear"},
		{"Gear", "Gear"},
		{"gear_squads", "GearSquad"},
		{"cities", "City"},
		{"people", "Person"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, namer.EntityTypeName(tt.input))
		})
	}
}

func TestPropertyName(t *testing.T) {
	namer := Default()

	tests := []struct {
		input    string
		expected string
	}{
		{"full_name", "FullName"},
		{"Rank", "Rank"},
		{"id", "Id"},
		{"has_soul_patch", "HasSoulPatch"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, namer.PropertyName(tt.input))
		})
	}
}

func TestPluralizeWithOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PluralOverrides["Locust"] = "Locusts"
	cfg.SingularOverrides["data"] = "datum"
	namer := New(cfg, nil)

	assert.Equal(t, "Locusts", namer.Pluralize("Locust"))
	assert.Equal(t, "Weapons", namer.Pluralize("Weapon"))
	assert.Equal(t, "datum", namer.Singularize("data"))
}

func TestNavigationNames(t *testing.T) {
	namer := Default()

	t.Run("reference strips fk suffix", func(t *testing.T) {
		assert.Equal(t, "Squad", namer.ReferenceNavigationName("squad_id"))
		assert.Equal(t, "Owner", namer.ReferenceNavigationName("owner_fk"))
		assert.Equal(t, "LeaderNickname", namer.ReferenceNavigationName("leader_nickname"))
	})

	t.Run("collection with single fk", func(t *testing.T) {
		assert.Equal(t, "Weapons", namer.CollectionNavigationName("weapons", "owner_id", true))
	})

	t.Run("collection with several fks", func(t *testing.T) {
		assert.Equal(t, "LeaderGears", namer.CollectionNavigationName("gears", "leader_id", false))
	})
}

func TestReservedMemberSuffixing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	namer := New(DefaultConfig(), logger)

	assert.Equal(t, "Key_", namer.RegisterProperty("Gear", "key"))
	assert.Equal(t, "Outer_", namer.RegisterProperty("Gear", "outer"))
	assert.Contains(t, buf.String(), "reserved word")

	// column names are pascal-cased, which strips the outer parameter prefix
	assert.Equal(t, "OuterId", namer.RegisterProperty("Gear", "_outer_Id"))
	// navigation names are taken as given
	assert.Equal(t, "_outer_Tag_", namer.RegisterNavigation("Gear", "_outer_Tag", "fk_tag", true))
}

func TestCollision_PropertyToProperty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	namer := New(DefaultConfig(), logger)

	assert.Equal(t, "FullName", namer.RegisterProperty("Gear", "full_name"))
	assert.Equal(t, "FullName2", namer.RegisterProperty("Gear", "Full_Name"))
	assert.Contains(t, buf.String(), "naming collision detected")
}

func TestCollision_NavigationToProperty(t *testing.T) {
	namer := Default()

	namer.RegisterProperty("Gear", "squad")
	assert.Equal(t, "SquadRef", namer.RegisterNavigation("Gear", "Squad", "squad_id", true))

	namer.RegisterProperty("Squad", "members")
	assert.Equal(t, "MembersNav", namer.RegisterNavigation("Squad", "Members", "gears.squad_id", false))
}

func TestCollision_EntityTypes(t *testing.T) {
	namer := Default()

	assert.Equal(t, "Gear", namer.RegisterEntityType("gears"))
	assert.Equal(t, "Gear2", namer.RegisterEntityType("gear"))
}

func TestReset(t *testing.T) {
	namer := Default()

	namer.RegisterEntityType("gears")
	namer.Reset()
	assert.Equal(t, "Gear", namer.RegisterEntityType("gears"))
}

func TestPluralizeOverridesIgnoreCase(t *testing.T) {
	namer := New(Config{
		PluralOverrides:   map[string]string{"status": "statuses"},
		SingularOverrides: map[string]string{"Statuses": "Status"},
	}, nil)

	assert.Equal(t, "statuses", namer.Pluralize("status"))
	assert.Equal(t, "Statuses", namer.Pluralize("Status"))
	assert.Equal(t, "Status", namer.Singularize("statuses"))
}

func TestCollision_SuffixesSkipTakenNames(t *testing.T) {
	namer := Default()

	assert.Equal(t, "Rank2", namer.RegisterProperty("Gear", "rank2"))
	assert.Equal(t, "Rank", namer.RegisterProperty("Gear", "rank"))
	assert.Equal(t, "Rank3", namer.RegisterProperty("Gear", "Rank"))
	assert.Equal(t, "Rank", namer.RegisterProperty("Squad", "rank"), "members are scoped per type")
}
