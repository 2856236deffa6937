package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationError_As(t *testing.T) {
	err := fmt.Errorf("set ranges: %w", NewValidationError("currently used range removed"))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "currently used range removed", ve.Reason)
	require.Contains(t, err.Error(), "currently used range removed")
}

func TestSentinels_WrapAndMatch(t *testing.T) {
	err := fmt.Errorf("failed to put doc[x]: %w", ErrVersionConflict)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NotErrorIs(t, err, ErrorNotFound)
}

func TestLogicError_Message(t *testing.T) {
	e := &LogicError{Op: "EnsureSynced", Msg: "local mirror missing"}
	require.Equal(t, "logic error in EnsureSynced: local mirror missing", e.Error())
}
