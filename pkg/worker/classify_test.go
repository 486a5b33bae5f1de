package worker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/daviddao/clockq/pkg/executor"
	"github.com/daviddao/clockq/pkg/model"
)

func TestClassify(t *testing.T) {
	flaky := executor.Retryable(errors.New("connection reset"))
	tests := []struct {
		name      string
		in        Attempt
		want      model.AttemptState
		detailHas string
	}{
		{
			name: "success acks",
			in:   Attempt{Result: executor.Success(nil), DeliveryCount: 50, MaxDeliveries: 10},
			want: model.StateAcked,
		},
		{
			name:      "retryable below max stays pending",
			in:        Attempt{Result: flaky, DeliveryCount: 10, MaxDeliveries: 10},
			want:      model.StateFailedRetryable,
			detailHas: "connection reset",
		},
		{
			name:      "retryable above max is terminal",
			in:        Attempt{Result: flaky, DeliveryCount: 11, MaxDeliveries: 10},
			want:      model.StateFailedTerminal,
			detailHas: "max deliveries exceeded (11 > 10): connection reset",
		},
		{
			name:      "terminal on first delivery",
			in:        Attempt{Result: executor.Terminal(errors.New("bad plan")), DeliveryCount: 1, MaxDeliveries: 10},
			want:      model.StateFailedTerminal,
			detailHas: "bad plan",
		},
		{
			name:      "deadline is retryable",
			in:        Attempt{Result: flaky, DeadlineHit: true, DeliveryCount: 1, MaxDeliveries: 10},
			want:      model.StateFailedRetryable,
			detailHas: "deadline exceeded",
		},
		{
			name:      "deadline past max deliveries is terminal",
			in:        Attempt{DeadlineHit: true, Abandoned: true, DeliveryCount: 11, MaxDeliveries: 10},
			want:      model.StateFailedTerminal,
			detailHas: "cancel grace",
		},
		{
			name:      "abandoned success does not ack",
			in:        Attempt{Result: executor.Success(nil), Abandoned: true, DeliveryCount: 1, MaxDeliveries: 10},
			want:      model.StateFailedRetryable,
			detailHas: "cancel grace",
		},
		{
			name:      "shutdown never becomes terminal",
			in:        Attempt{Result: flaky, Interrupted: true, DeliveryCount: 99, MaxDeliveries: 10},
			want:      model.StateFailedRetryable,
			detailHas: "interrupted by shutdown",
		},
		{
			name:      "unknown status is terminal",
			in:        Attempt{Result: executor.Result{Status: "maybe"}, DeliveryCount: 1, MaxDeliveries: 10},
			want:      model.StateFailedTerminal,
			detailHas: `unknown executor status "maybe"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail := Classify(tt.in)
			assert.Equal(t, tt.want, got)
			if tt.detailHas == "" {
				assert.Empty(t, detail)
			} else {
				assert.Contains(t, detail, tt.detailHas)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsumerID = "w1"
	cfg.Types = []string{"drift-scan"}
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Concurrency = 0
	bad.HeartbeatTTL = bad.HeartbeatInterval
	bad.MaxDeliveries = 0
	err := bad.Validate()
	if assert.Error(t, err) {
		msg := err.Error()
		assert.True(t, strings.Contains(msg, "concurrency"), msg)
		assert.True(t, strings.Contains(msg, "heartbeat ttl"), msg)
		assert.True(t, strings.Contains(msg, "max deliveries"), msg)
	}

	assert.Error(t, Config{}.Validate())
	assert.Equal(t, 90*time.Second, DefaultConfig().HeartbeatTTL)
}
