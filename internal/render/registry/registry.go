package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/common/redis"
)

const (
	serviceKeyPrefix  = "service:render:"
	serviceListKey    = "services:render:list"
	RegistryTTL       = 3 * time.Second // allows 2 missed heartbeats
	HeartbeatInterval = 1 * time.Second
)

// Metadata keys advertised with every heartbeat
const (
	MetaFallbackMode   = "fallback_mode"
	MetaCircuitBreaker = "circuit_breaker"
	MetaQueued         = "queued"
	MetaDocumentID     = "document_id"
	MetaHostname       = "hostname"
)

type ServiceRegistry struct {
	redis  *redis.Client
	logger *zap.Logger
}

// ServiceInfo is the registration record stored under service:render:{id}
type ServiceInfo struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Capacity int               `json:"capacity"` // scheduler parallelism
	Load     int               `json:"load"`     // running render jobs
	LastSeen time.Time         `json:"last_seen"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (si *ServiceInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", si.Address, si.Port)
}

func (si *ServiceInfo) IsHealthy() bool {
	return time.Now().UTC().Sub(si.LastSeen) < RegistryTTL
}

func (si *ServiceInfo) LoadPercentage() float64 {
	if si.Capacity <= 0 {
		return 100.0
	}
	return float64(si.Load) / float64(si.Capacity) * 100.0
}

// Degraded reports whether the service is rendering through its fallback path
func (si *ServiceInfo) Degraded() bool {
	return si.Metadata[MetaCircuitBreaker] == "true"
}

func NewServiceRegistry(redisClient *redis.Client, logger *zap.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		redis:  redisClient,
		logger: logger,
	}
}

// RegisterService writes info with RegistryTTL and lists it in the services hash
func (sr *ServiceRegistry) RegisterService(ctx context.Context, info *ServiceInfo) error {
	if info.ID == "" {
		return fmt.Errorf("service ID is required")
	}
	if info.Address == "" {
		return fmt.Errorf("service address is required")
	}
	if info.Port <= 0 {
		return fmt.Errorf("service port must be positive")
	}

	info.LastSeen = time.Now().UTC()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal service info: %w", err)
	}

	if err := sr.redis.Set(ctx, serviceKeyPrefix+info.ID, data, RegistryTTL); err != nil {
		sr.logger.Error("Failed to register service",
			zap.String("service_id", info.ID),
			zap.Error(err))
		return fmt.Errorf("failed to register service: %w", err)
	}

	if err := sr.redis.HSet(ctx, serviceListKey, info.ID, info.URL()); err != nil {
		sr.logger.Error("Failed to add service to list",
			zap.String("service_id", info.ID),
			zap.Error(err))
		return fmt.Errorf("failed to add service to list: %w", err)
	}

	return nil
}

func (sr *ServiceRegistry) UnregisterService(ctx context.Context, serviceID string) error {
	if serviceID == "" {
		return fmt.Errorf("service ID is required")
	}

	if err := sr.redis.Del(ctx, serviceKeyPrefix+serviceID); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}

	if err := sr.redis.HDel(ctx, serviceListKey, serviceID); err != nil {
		sr.logger.Error("Failed to remove service from list",
			zap.String("service_id", serviceID),
			zap.Error(err))
	}

	sr.logger.Info("Service unregistered", zap.String("service_id", serviceID))
	return nil
}

// GetService returns nil, nil when the service is not registered or expired
func (sr *ServiceRegistry) GetService(ctx context.Context, serviceID string) (*ServiceInfo, error) {
	if serviceID == "" {
		return nil, fmt.Errorf("service ID is required")
	}

	data, err := sr.redis.Get(ctx, serviceKeyPrefix+serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var info ServiceInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service info: %w", err)
	}
	return &info, nil
}

// ListServices returns all live registrations sorted by ID
func (sr *ServiceRegistry) ListServices(ctx context.Context) ([]*ServiceInfo, error) {
	keys, err := sr.redis.Keys(ctx, serviceKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list service keys: %w", err)
	}

	services := make([]*ServiceInfo, 0, len(keys))
	for _, key := range keys {
		data, err := sr.redis.Get(ctx, key)
		if err != nil || data == "" {
			continue
		}

		var info ServiceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			sr.logger.Warn("Failed to unmarshal service info",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		services = append(services, &info)
	}

	sort.Slice(services, func(i, j int) bool {
		return services[i].ID < services[j].ID
	})
	return services, nil
}
