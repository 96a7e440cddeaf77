package guild

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRoleChange(t *testing.T) {
	held := []string{"Private", "Squad B", "Private"}

	got := ApplyRoleChange(held, []string{"Corporal", "Squad B"}, []string{"Private"})
	assert.Equal(t, []string{"Corporal", "Squad B"}, got)
}

func TestApplyRoleChange_AddWinsOverRemove(t *testing.T) {
	got := ApplyRoleChange(nil, []string{"Sergeant"}, []string{"Sergeant"})
	assert.Equal(t, []string{"Sergeant"}, got)
}

func TestHoldsRoles(t *testing.T) {
	held := []string{"Corporal", "Squad B"}
	assert.True(t, HoldsRoles(held, []string{"Corporal"}))
	assert.True(t, HoldsRoles(held, nil))
	assert.False(t, HoldsRoles(held, []string{"Corporal", "Sergeant"}))
}

func TestRosterFunc(t *testing.T) {
	var r Roster = RosterFunc(func(context.Context) ([]string, error) {
		return []string{"1", "2"}, nil
	})
	ids, err := r.PresentMembers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)
}
