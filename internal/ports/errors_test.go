package ports

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBrokerErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
		code      string
	}{
		{ErrConnectionFailed, true, RejectNetwork},
		{ErrTimeout, true, RejectTimeout},
		{ErrRateLimited, true, RejectRateLimited},
		{ErrExchangeUnavailable, true, RejectUnavailable},
		{ErrAuthenticationFailed, false, RejectAuth},
		{ErrInvalidAPIKeys, false, RejectAuth},
		{ErrInvalidRequest, false, RejectInvalid},
		{ErrOrderRejected, false, RejectByBroker},
		{ErrInsufficientFunds, false, RejectInsufficient},
		{errors.New("boom"), false, RejectUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			wrapped := fmt.Errorf("PlaceOrder failed: %w: %w", tt.err, errors.New("cause"))
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))
			assert.Equal(t, tt.code, RejectCode(wrapped))
		})
	}
	assert.False(t, IsRetryable(nil))
}

func TestCredential_ValidAt(t *testing.T) {
	now := time.Now()
	assert.False(t, Credential{}.ValidAt(now, 0))
	assert.True(t, Credential{Token: "t"}.ValidAt(now, time.Minute))
	c := Credential{Token: "t", ExpiresAt: now.Add(2 * time.Minute)}
	assert.True(t, c.ValidAt(now, time.Minute))
	assert.False(t, c.ValidAt(now, 3*time.Minute))
}
