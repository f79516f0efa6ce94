package commands

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchReturnsValueTypesNotPointers(t *testing.T) {
	cmd, err := Dispatch("OpenTable", json.RawMessage(`{"TableID":"t1","TableName":"Table 1"}`))
	require.NoError(t, err)

	// Manager.isOpener type-switches on the concrete value types
	// OpenTable/OpenRetail; Dispatch must never hand back a pointer or
	// that check silently stops matching.
	_, isValue := cmd.(OpenTable)
	assert.True(t, isValue, "Dispatch must return OpenTable by value")

	openTable, ok := cmd.(OpenTable)
	require.True(t, ok)
	assert.Equal(t, "t1", openTable.TableID)
}

func TestDispatchUnknownMethod(t *testing.T) {
	_, err := Dispatch("DoSomethingUnknown", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestDispatchEmptyParamsCommands(t *testing.T) {
	cmd, err := Dispatch("RestoreOrder", nil)
	require.NoError(t, err)
	assert.Equal(t, RestoreOrder{}, cmd)

	cmd, err = Dispatch("UnlinkMember", nil)
	require.NoError(t, err)
	assert.Equal(t, UnlinkMember{}, cmd)
}

func TestDispatchRejectsMalformedParams(t *testing.T) {
	_, err := Dispatch("AddItems", json.RawMessage(`not json`))
	assert.Error(t, err)
}
