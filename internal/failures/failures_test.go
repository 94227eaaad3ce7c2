package failures

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	t.Parallel()

	base := errors.New("model not loaded")
	err := fmt.Errorf("failed to detect: %w", E(InputError, "detect", base))

	assert.Equal(t, InputError, KindOf(err))
	assert.True(t, Is(err, InputError))
	assert.ErrorIs(t, err, base)
}

func TestKindOfUnclassified(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.Equal(t, TransientWorkerError, KindOf(fmt.Errorf("probe: %w", context.DeadlineExceeded)))
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := Errorf(WorkerInternalError, "predict", "tensor shape %d", 3)
	require.EqualError(t, err, "predict: tensor shape 3")
	assert.Equal(t, "worker_internal_error", err.Kind.String())
	assert.Equal(t, "restart: supervision_exhausted", E(SupervisionExhausted, "restart", nil).Error())
}
