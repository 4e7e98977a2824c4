package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := InsufficientStock(7, 2)

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrInvalidQuantity))

	wrapped := fmt.Errorf("reserve line 2: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInsufficientStock))
	assert.Equal(t, KindInsufficientStock, KindOf(wrapped))
}

func TestInsufficientStockCarriesAvailable(t *testing.T) {
	err := InsufficientStock(1, 5)

	require.NotNil(t, err.Available)
	assert.Equal(t, 5, *err.Available)
	assert.Contains(t, err.Error(), "only 5 left")
}

func TestKindOfInfrastructureError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("connection reset")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := Wrap(KindMalformedEvent, cause, "decode event")

	assert.True(t, errors.Is(err, ErrMalformedEvent))
	assert.True(t, errors.Is(err, cause))
}
