package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conflict", fmt.Errorf("pool cas: %w", domain.ErrConflict), true},
		{"transient", domain.ErrTradeFailed, true},
		{"unclassified", errors.New("connection reset by peer"), true},
		{"cancelled", fmt.Errorf("tx: %w", context.Canceled), false},
		{"validation", domain.ErrInvalidSide, false},
		{"resource", domain.ErrInsufficientBalance, false},
		{"overflow", fmt.Errorf("amm: fee: %w", fixed.ErrOverflow), false},
		{"wrapped overflow", domain.ErrInvalidInput.Wrap(fixed.ErrOverflow), false},
		{"division by zero", fixed.ErrDivByZero, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.Retryable(tt.err))
		})
	}
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("executor: %w", domain.ErrRoundLocked.With("round %s locked", "r1"))
	assert.ErrorIs(t, err, domain.ErrRoundLocked)
	assert.NotErrorIs(t, err, domain.ErrPoolExhausted)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}
