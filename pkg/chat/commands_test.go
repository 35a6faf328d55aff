package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	t.Run("bare JSON array", func(t *testing.T) {
		steps := parsePlan(`[{"step": 1, "action": "Outline the arc", "status": "pending"}, {"step": 2, "action": "Draft it"}]`)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Step)
		assert.Equal(t, "Outline the arc", steps[0].Action)
		assert.Equal(t, planPending, steps[0].Status)
		assert.Equal(t, planPending, steps[1].Status, "statuses always start pending")
	})

	t.Run("fenced array with prose", func(t *testing.T) {
		steps := parsePlan("Here you go:\n```json\n[{\"step\": 1, \"action\": \"Review\"}]\n```")
		require.Len(t, steps, 1)
		assert.Equal(t, "Review", steps[0].Action)
	})

	t.Run("missing step numbers are assigned in order", func(t *testing.T) {
		steps := parsePlan(`[{"action": "first"}, {"action": "second"}]`)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Step)
		assert.Equal(t, 2, steps[1].Step)
	})

	t.Run("entries without an action are dropped", func(t *testing.T) {
		steps := parsePlan(`[{"step": 1}, {"step": 2, "action": "  "}, {"step": 3, "action": "keep"}]`)
		require.Len(t, steps, 1)
		assert.Equal(t, "keep", steps[0].Action)
	})

	t.Run("garbage yields nothing", func(t *testing.T) {
		assert.Empty(t, parsePlan("no structure here"))
	})
}

func TestFallbackPlan(t *testing.T) {
	steps := fallbackPlan("rework the villain arc")
	require.Len(t, steps, planStepCount)
	assert.Contains(t, steps[0].Action, "rework the villain arc")
	for i, step := range steps {
		assert.Equal(t, i+1, step.Step)
		assert.Equal(t, planPending, step.Status)
	}
}

func TestPlanBoard(t *testing.T) {
	board := newPlanBoard()
	board.set("sess-1", fallbackPlan("goal"))

	t.Run("get returns a copy", func(t *testing.T) {
		steps := board.get("sess-1")
		steps[0].Status = "tampered"
		assert.Equal(t, planPending, board.get("sess-1")[0].Status)
	})

	t.Run("approve selected numbers", func(t *testing.T) {
		approved := board.approve("sess-1", []int{1, 3, 99}, false)
		assert.Equal(t, []int{1, 3}, approved)

		steps := board.approvedSteps("sess-1")
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Step)
		assert.Equal(t, 3, steps[1].Step)
	})

	t.Run("approve all", func(t *testing.T) {
		approved := board.approve("sess-1", nil, true)
		assert.Equal(t, []int{1, 2, 3, 4}, approved)
		assert.Len(t, board.approvedSteps("sess-1"), 4)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		assert.Empty(t, board.get("sess-2"))
		assert.Empty(t, board.approve("sess-2", nil, true))
	})

	t.Run("clear removes the plan", func(t *testing.T) {
		board.clear("sess-1")
		assert.Empty(t, board.get("sess-1"))
	})
}

func TestParseStepNumbers(t *testing.T) {
	assert.Equal(t, []int{1, 3}, parseStepNumbers("1, 3"))
	assert.Equal(t, []int{2}, parseStepNumbers("  2 "))
	assert.Equal(t, []int{1, 2, 4}, parseStepNumbers("1 2,4"))
	assert.Empty(t, parseStepNumbers("all"))
	assert.Empty(t, parseStepNumbers(""))
}

func TestFormatPlan(t *testing.T) {
	listing := formatPlan([]planStep{
		{Step: 1, Action: "Outline", Status: planPending},
		{Step: 2, Action: "Draft", Status: planApproved},
	})
	assert.Contains(t, listing, "1. [pending] Outline")
	assert.Contains(t, listing, "2. [approved] Draft")
	assert.Contains(t, listing, "/approve")
}
