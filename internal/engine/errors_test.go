package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormattingWithAndWithoutCause(t *testing.T) {
	bare := newErr(TranslationError, "symbol %q", "foo")
	assert.Equal(t, `translation error: symbol "foo"`, bare.Error())

	cause := fmt.Errorf("boom")
	wrapped := wrapErr(AllocationError, cause, "frame %d", 9)
	assert.Equal(t, "allocation error: frame 9: boom", wrapped.Error())
	assert.Equal(t, cause, wrapped.Unwrap())
}

func TestIsMatchesKind(t *testing.T) {
	err := newErr(TeardownWarning, "restore return slot")
	assert.True(t, Is(err, TeardownWarning))
	assert.False(t, Is(err, ConfigurationError))
	assert.False(t, Is(errors.New("plain"), ConfigurationError))
}

func TestKindStringsAreDistinct(t *testing.T) {
	kinds := []Kind{
		ConfigurationError, AllocationError, TranslationError,
		UnexpectedHit, UnexpectedReturnAddress, TeardownWarning,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		assert.False(t, seen[s], "duplicate Kind string %q", s)
		seen[s] = true
	}
}
