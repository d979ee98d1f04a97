package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadWorkerConfigDefaults(t *testing.T) {
	setEnv(t, map[string]string{
		"REPLICAS":    "2",
		"REPLICA_ID":  "0",
		"STAGE_NAME":  "agg_period",
		"MODULE_NAME": "aggregator",
		"ENTITY":      "transaction_item",
		"FROM":        "agg_period_in",
	})
	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)
	require.Equal(t, 100, cfg.SnapshotEvery)
	require.Equal(t, 10000, cfg.BufferSize)
}

func TestWorkerConfigOutputsParsesJSON(t *testing.T) {
	cfg := WorkerConfig{ToJSON: `[{"name":"results","downstream_stage":"q1","downstream_workers":1,"routing_fn":"by_stage_name"}]`}
	outs, err := cfg.Outputs()
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, "by_stage_name", outs[0].RoutingFn)
}

func TestWorkerConfigEntityKindRejectsUnknown(t *testing.T) {
	cfg := WorkerConfig{Entity: "not_a_real_entity"}
	_, err := cfg.EntityKind()
	require.Error(t, err)
}

func TestLoadWorkerConfigMissingRequired(t *testing.T) {
	t.Setenv("REPLICAS", "")
	_, err := LoadWorkerConfig()
	require.Error(t, err)
}
