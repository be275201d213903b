package registry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/common/configtypes"
	"github.com/edgecomet/pagerender/internal/common/redis"
)

func setupTestRegistry(t *testing.T) (*ServiceRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(&configtypes.RedisConfig{Enabled: true, Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewServiceRegistry(client, zap.NewNop()), mr
}

func testInfo(id string) *ServiceInfo {
	return &ServiceInfo{
		ID:       id,
		Address:  "10.0.0.5",
		Port:     8081,
		Capacity: 2,
		Version:  "1.0.0",
	}
}

func TestServiceInfo(t *testing.T) {
	info := testInfo("rs-1")
	info.LastSeen = time.Now().UTC()

	assert.Equal(t, "http://10.0.0.5:8081", info.URL())
	assert.True(t, info.IsHealthy())

	info.LastSeen = time.Now().UTC().Add(-2 * RegistryTTL)
	assert.False(t, info.IsHealthy())

	tests := []struct {
		capacity, load int
		expected       float64
	}{
		{2, 1, 50.0},
		{2, 0, 0.0},
		{0, 0, 100.0},
		{2, 3, 150.0},
	}
	for _, tt := range tests {
		info.Capacity, info.Load = tt.capacity, tt.load
		assert.Equal(t, tt.expected, info.LoadPercentage())
	}

	assert.False(t, info.Degraded())
	info.Metadata = map[string]string{MetaCircuitBreaker: "true"}
	assert.True(t, info.Degraded())
}

func TestRegisterService_Validation(t *testing.T) {
	sr, _ := setupTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*ServiceInfo)
	}{
		{"missing id", func(si *ServiceInfo) { si.ID = "" }},
		{"missing address", func(si *ServiceInfo) { si.Address = "" }},
		{"zero port", func(si *ServiceInfo) { si.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testInfo("rs-1")
			tt.mutate(info)
			assert.Error(t, sr.RegisterService(ctx, info))
		})
	}
}

func TestRegisterService_RoundTrip(t *testing.T) {
	sr, mr := setupTestRegistry(t)
	ctx := context.Background()

	info := testInfo("rs-1")
	info.Metadata = map[string]string{MetaHostname: "host-a"}
	require.NoError(t, sr.RegisterService(ctx, info))

	got, err := sr.GetService(ctx, "rs-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.5", got.Address)
	assert.Equal(t, 2, got.Capacity)
	assert.Equal(t, "host-a", got.Metadata[MetaHostname])
	assert.False(t, got.LastSeen.IsZero())

	assert.Equal(t, RegistryTTL, mr.TTL(serviceKeyPrefix+"rs-1"))
	url := mr.HGet(serviceListKey, "rs-1")
	assert.Equal(t, "http://10.0.0.5:8081", url)
}

func TestGetService_Expired(t *testing.T) {
	sr, mr := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, sr.RegisterService(ctx, testInfo("rs-1")))
	mr.FastForward(RegistryTTL + time.Second)

	got, err := sr.GetService(ctx, "rs-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = sr.GetService(ctx, "")
	assert.Error(t, err)
}

func TestListServices(t *testing.T) {
	sr, mr := setupTestRegistry(t)
	ctx := context.Background()

	services, err := sr.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)

	require.NoError(t, sr.RegisterService(ctx, testInfo("rs-b")))
	require.NoError(t, sr.RegisterService(ctx, testInfo("rs-a")))
	require.NoError(t, mr.Set(serviceKeyPrefix+"broken", "{not json"))

	services, err = sr.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "rs-a", services[0].ID)
	assert.Equal(t, "rs-b", services[1].ID)
}

func TestUnregisterService(t *testing.T) {
	sr, mr := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, sr.RegisterService(ctx, testInfo("rs-1")))
	require.NoError(t, sr.UnregisterService(ctx, "rs-1"))

	assert.False(t, mr.Exists(serviceKeyPrefix+"rs-1"))
	assert.Empty(t, mr.HGet(serviceListKey, "rs-1"))

	// Unknown service is not an error
	assert.NoError(t, sr.UnregisterService(ctx, "rs-unknown"))
	assert.Error(t, sr.UnregisterService(ctx, ""))
}

func TestHeartbeat_AdvertisesStatus(t *testing.T) {
	sr, mr := setupTestRegistry(t)

	var active atomic.Int32
	active.Store(1)
	status := func() Status {
		return Status{
			Active:         int(active.Load()),
			Queued:         4,
			FallbackMode:   "normal",
			CircuitBreaker: false,
			DocumentID:     "doc-1",
		}
	}

	info := *testInfo("rs-1")
	info.Metadata = map[string]string{MetaHostname: "host-a"}
	hb := NewHeartbeat(sr, info, status, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, hb.Start())

	got, err := sr.GetService(context.Background(), "rs-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Load)
	assert.Equal(t, "4", got.Metadata[MetaQueued])
	assert.Equal(t, "normal", got.Metadata[MetaFallbackMode])
	assert.Equal(t, "false", got.Metadata[MetaCircuitBreaker])
	assert.Equal(t, "doc-1", got.Metadata[MetaDocumentID])
	assert.Equal(t, "host-a", got.Metadata[MetaHostname])

	active.Store(2)
	assert.Eventually(t, func() bool {
		raw, err := mr.Get(serviceKeyPrefix + "rs-1")
		if err != nil {
			return false
		}
		var si ServiceInfo
		return json.Unmarshal([]byte(raw), &si) == nil && si.Load == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hb.Stop(context.Background()))
	assert.False(t, mr.Exists(serviceKeyPrefix+"rs-1"))

	// Second stop is a no-op
	assert.NoError(t, hb.Stop(context.Background()))
}

func TestHeartbeat_StartFailsOnInvalidInfo(t *testing.T) {
	sr, _ := setupTestRegistry(t)

	info := *testInfo("rs-1")
	info.Port = 0
	hb := NewHeartbeat(sr, info, func() Status { return Status{} }, 0, zap.NewNop())

	assert.Error(t, hb.Start())
	assert.Equal(t, HeartbeatInterval, hb.interval)
}
