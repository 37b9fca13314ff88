package phierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("engine: scan: %w", Validation("scan", "content", errors.New("empty")))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "content", FieldOf(err))
}

func TestErrorMessage(t *testing.T) {
	err := Configuration("infotype.compile", "pattern", errors.New("missing closing )"))
	assert.Equal(t, "infotype.compile: configuration (pattern): missing closing )", err.Error())
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(KeyManagement("kms.key", "reversal_key_id", errors.New("timeout"))))
	assert.True(t, IsRetryable(Persistence("ledger.append", "", errors.New("conn reset"))))
	assert.False(t, IsRetryable(Validation("scan", "content", nil)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "", FieldOf(nil))
}
