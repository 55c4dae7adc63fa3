package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanMergeUserWinsAndCodesUnion(t *testing.T) {
	guest := Cart{
		ID: "g",
		Lines: []CartLine{
			{ID: "g1", ProductID: "p1", Quantity: 5},
			{ID: "g2", ProductID: "p2", Quantity: 1},
		},
		Codes: []AppliedCode{{Code: "SAVE", Source: CodeSourceURL}, {Code: "guest", Source: CodeSourceManual}},
	}
	user := Cart{
		ID:    "u",
		Lines: []CartLine{{ID: "u1", ProductID: "p1", Quantity: 1}},
		Codes: []AppliedCode{{Code: "save", Source: CodeSourceManual}},
	}

	plan := PlanMerge(guest, user)
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, "p2", plan.Lines[0].ProductID)
	assert.Equal(t, "u", plan.Lines[0].CartID)
	assert.Empty(t, plan.Lines[0].ID)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, "g1", plan.Conflicts[0].ID)
	assert.Equal(t, []AppliedCode{{Code: "save", Source: CodeSourceManual}, {Code: "guest", Source: CodeSourceManual}}, plan.Codes)
}

func TestPlanMergeRespectsLineCap(t *testing.T) {
	var user, guest Cart
	for i := 0; i < MaxCartLines-1; i++ {
		user.Lines = append(user.Lines, CartLine{ProductID: fmt.Sprintf("u%d", i), Quantity: 1})
	}
	for i := 0; i < 3; i++ {
		guest.Lines = append(guest.Lines, CartLine{ProductID: fmt.Sprintf("g%d", i), Quantity: 1})
	}

	plan := PlanMerge(guest, user)
	assert.Len(t, plan.Lines, 1)
	assert.Len(t, plan.Overflow, 2)
}

func TestCartTransitions(t *testing.T) {
	assert.True(t, CanTransition(CartAlive, CartCheckedOut))
	assert.True(t, CanTransition(CartAlive, CartMerged))
	assert.False(t, CanTransition(CartCheckedOut, CartAlive))
	assert.False(t, CanTransition(CartMerged, CartCheckedOut))
	assert.False(t, CanTransition(CartAlive, CartAlive))
}
