package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	config "zkelect/configs"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{"COORD_BACKEND", "COORD_ADDRESS", "SESSION_TIMEOUT", "ELECTION_NAMESPACE", "API_PORT"} {
		t.Setenv(key, "")
	}

	cfg := config.LoadConfig()

	// An empty value is still a value: only unparsable numbers fall back.
	assert.Equal(t, "", cfg.Backend)
	assert.Equal(t, 3*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "c_", cfg.CandidatePrefix)
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryInitialInterval)
	assert.Equal(t, "/target_node", cfg.WatchTarget)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, 1.0, cfg.TraceSamplingRate)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("COORD_BACKEND", "etcd")
	t.Setenv("COORD_ADDRESS", "etcd-0:2379,etcd-1:2379")
	t.Setenv("SESSION_TIMEOUT", "10s")
	t.Setenv("ELECTION_NAMESPACE", "/services/api/leader")
	t.Setenv("ELECTION_MAX_ATTEMPTS", "3")
	t.Setenv("ELECTION_RETRY_MAX", "250ms")
	t.Setenv("RECONCILE_SCHEDULE", "@every 30s")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACE_SAMPLING_RATE", "0.25")

	cfg := config.LoadConfig()

	assert.Equal(t, "etcd", cfg.Backend)
	assert.Equal(t, "etcd-0:2379,etcd-1:2379", cfg.Address)
	assert.Equal(t, 10*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "/services/api/leader", cfg.Namespace)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryMaxInterval)
	assert.Equal(t, "@every 30s", cfg.ReconcileSchedule)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 0.25, cfg.TraceSamplingRate)
}

func TestLoadConfig_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("ELECTION_MAX_ATTEMPTS", "many")
	t.Setenv("SESSION_TIMEOUT", "3")

	cfg := config.LoadConfig()

	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.SessionTimeout)
}
