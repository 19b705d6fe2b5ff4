package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	transport := Transport("request timed out", context.DeadlineExceeded)
	content := Content("empty response from API")
	config := Config("dialect", "unknown dialect %q", "cobol")

	tests := []struct {
		name          string
		err           error
		wantTransport bool
		wantContent   bool
		wantConfig    bool
	}{
		{"transport", transport, true, false, false},
		{"wrapped transport", fmt.Errorf("unit a.sql#0000: %w", transport), true, false, false},
		{"content", content, false, true, false},
		{"config", config, false, false, true},
		{"plain", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTransport, IsTransport(tt.err))
			assert.Equal(t, tt.wantContent, IsContent(tt.err))
			assert.Equal(t, tt.wantConfig, IsConfig(tt.err))
			assert.Equal(t, tt.wantTransport, Retriable(tt.err))
		})
	}
}

func TestTransportUnwrap(t *testing.T) {
	err := Transport("request timed out", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "transport fault: request timed out: context deadline exceeded", err.Error())
}

func TestMessages(t *testing.T) {
	assert.Equal(t, `config fault: dialect: unknown dialect "cobol"`, Config("dialect", "unknown dialect %q", "cobol").Error())
	ex := &ExhaustedRetryFault{UnitID: "proc.sql#0001", Attempts: 2, LastError: "API error"}
	assert.Equal(t, "unit proc.sql#0001 unresolved after 2 fix attempts: API error", ex.Error())
}
