// Package degradation holds the runtime feature flags and per-service
// health used to decide, per stage, whether to execute, skip, or fall
// back. Flags persist in Redis at pipeline:flags:current so that all
// processes converge; a periodic refresher re-reads them. Per-service
// circuit breakers wrap every ML call.
package degradation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/mlclient"
)

// Flags are the runtime feature switches. ForceFallbackMode overrides
// every service call with its fallback.
type Flags struct {
	EnableExtraction       bool `json:"enableExtraction"`
	EnableEmbedding        bool `json:"enableEmbedding"`
	EnableRecommendation   bool `json:"enableRecommendation"`
	EnableDraftGeneration  bool `json:"enableDraftGeneration"`
	EnableSafetyValidation bool `json:"enableSafetyValidation"`
	ForceFallbackMode      bool `json:"forceFallbackMode"`
	EnableCaching          bool `json:"enableCaching"`
}

// DefaultFlags enables everything except force-fallback.
func DefaultFlags() Flags {
	return Flags{
		EnableExtraction:       true,
		EnableEmbedding:        true,
		EnableRecommendation:   true,
		EnableDraftGeneration:  true,
		EnableSafetyValidation: true,
		ForceFallbackMode:      false,
		EnableCaching:          true,
	}
}

// ServiceState is the tracked health of one ML service.
type ServiceState struct {
	Healthy      bool      `json:"healthy"`
	CircuitState string    `json:"circuitState"`
	FailureCount int       `json:"failureCount"`
	LastCheck    time.Time `json:"lastCheck"`
	ErrorRate    float64   `json:"errorRate"`
}

// Config configures the manager.
type Config struct {
	// RefreshInterval for the Redis flag refresher; 0 disables it.
	RefreshInterval time.Duration
	// BreakerMaxFailures consecutive failures open a service circuit.
	// Default 5.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout before a circuit goes half-open. Default 30s.
	BreakerOpenTimeout time.Duration
	Logger             core.Logger
}

// Manager is the degradation manager.
type Manager struct {
	redis  *core.RedisClient
	config Config
	logger core.Logger

	mu       sync.RWMutex
	flags    Flags
	services map[string]*ServiceState

	breakers map[string]*gobreaker.CircuitBreaker
}

var trackedServices = []string{
	core.ServiceAudioIntelligence,
	core.ServiceCareplanRecommender,
	core.ServiceRAGEmbeddings,
	core.ServicePDFParser,
}

// serviceCriticality classifies each service. A CRITICAL service
// failure aborts the pipeline; IMPORTANT degrades it; NICE_TO_HAVE is
// skipped silently.
var serviceCriticality = map[string]core.Criticality{
	core.ServiceAudioIntelligence:   core.Important,
	core.ServiceCareplanRecommender: core.Important,
	core.ServiceRAGEmbeddings:       core.NiceToHave,
	core.ServicePDFParser:           core.Important,
}

// stageCriticality classifies each pipeline stage.
var stageCriticality = map[string]core.Criticality{
	core.StageValidation:             core.Critical,
	core.StageEntityExtraction:       core.Important,
	core.StageEmbeddingGeneration:    core.NiceToHave,
	core.StageTemplateRecommendation: core.Important,
	core.StageDraftGeneration:        core.Important,
	core.StageSafetyValidation:       core.Critical,
}

// NewManager builds the manager, loading persisted flags from Redis
// when present and seeding defaults otherwise.
func NewManager(ctx context.Context, redis *core.RedisClient, config *Config) (*Manager, error) {
	if redis == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}

	m := &Manager{
		redis:    redis,
		config:   cfg,
		logger:   core.ComponentLogger(cfg.Logger, "degradation"),
		flags:    DefaultFlags(),
		services: make(map[string]*ServiceState, len(trackedServices)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(trackedServices)),
	}

	for _, svc := range trackedServices {
		m.services[svc] = &ServiceState{Healthy: true, CircuitState: "CLOSED"}
		m.breakers[svc] = m.newBreaker(svc)
	}

	if err := m.refreshFlags(ctx); err != nil {
		// First boot: persist the defaults so other processes converge.
		if saveErr := m.saveFlags(ctx); saveErr != nil {
			return nil, saveErr
		}
	}

	return m, nil
}

func (m *Manager) newBreaker(service string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    service,
		Timeout: m.config.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.mu.Lock()
			if st, ok := m.services[name]; ok {
				st.CircuitState = circuitStateName(to)
				st.LastCheck = time.Now()
			}
			m.mu.Unlock()
			if m.logger != nil {
				m.logger.Warn("Service circuit state changed", map[string]interface{}{
					"service": name,
					"from":    circuitStateName(from),
					"to":      circuitStateName(to),
				})
			}
		},
	})
}

func circuitStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Execute runs fn through the service's circuit breaker and updates
// the tracked state. An open circuit fails fast without invoking fn.
func (m *Manager) Execute(service string, fn func() error) error {
	cb, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	m.mu.Lock()
	if st, ok := m.services[service]; ok {
		st.LastCheck = time.Now()
		counts := cb.Counts()
		st.FailureCount = int(counts.TotalFailures)
		if counts.Requests > 0 {
			st.ErrorRate = float64(counts.TotalFailures) / float64(counts.Requests)
		}
		st.CircuitState = circuitStateName(cb.State())
		st.Healthy = err == nil || st.CircuitState == "CLOSED"
	}
	m.mu.Unlock()

	return err
}

// stageFlag returns the flag value gating a stage; stages without a
// flag (VALIDATION) always execute.
func (m *Manager) stageFlag(flags Flags, stage string) bool {
	switch stage {
	case core.StageEntityExtraction:
		return flags.EnableExtraction
	case core.StageEmbeddingGeneration:
		return flags.EnableEmbedding
	case core.StageTemplateRecommendation:
		return flags.EnableRecommendation
	case core.StageDraftGeneration:
		return flags.EnableDraftGeneration
	case core.StageSafetyValidation:
		return flags.EnableSafetyValidation
	default:
		return true
	}
}

// ShouldExecuteStage reports whether a stage runs: false iff force-
// fallback mode is on or the stage's flag is off. VALIDATION always
// runs.
func (m *Manager) ShouldExecuteStage(stage string) bool {
	m.mu.RLock()
	flags := m.flags
	m.mu.RUnlock()

	if stage == core.StageValidation {
		return true
	}
	if flags.ForceFallbackMode {
		return false
	}
	return m.stageFlag(flags, stage)
}

// ShouldUseFallback reports whether a service call should be replaced
// by its fallback: force mode, unhealthy service, or open circuit.
func (m *Manager) ShouldUseFallback(service string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.flags.ForceFallbackMode {
		return true
	}
	st, ok := m.services[service]
	if !ok {
		return false
	}
	return !st.Healthy || st.CircuitState == "OPEN"
}

// CachingEnabled reports the caching flag.
func (m *Manager) CachingEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags.EnableCaching
}

// ServiceCriticality returns the criticality class for a service.
func ServiceCriticality(service string) core.Criticality {
	if c, ok := serviceCriticality[service]; ok {
		return c
	}
	return core.Important
}

// StageCriticality returns the criticality class for a stage.
func StageCriticality(stage string) core.Criticality {
	if c, ok := stageCriticality[stage]; ok {
		return c
	}
	return core.Important
}

// Flags returns the current flag snapshot.
func (m *Manager) Flags() Flags {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags
}

// SetFlags replaces the flags and writes them through to Redis.
func (m *Manager) SetFlags(ctx context.Context, flags Flags) error {
	m.mu.Lock()
	m.flags = flags
	m.mu.Unlock()
	return m.saveFlags(ctx)
}

// MergeHealthReport applies a health snapshot from the ML client
// factory.
func (m *Manager) MergeHealthReport(report *mlclient.HealthReport) {
	if report == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range report.Services {
		st, ok := m.services[svc.Service]
		if !ok {
			continue
		}
		st.Healthy = svc.Status == "healthy"
		st.LastCheck = time.Now()
	}
}

// Summary exposes flags and per-service state for operators.
func (m *Manager) Summary() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make(map[string]ServiceState, len(m.services))
	for name, st := range m.services {
		services[name] = *st
	}
	return map[string]interface{}{
		"flags":    m.flags,
		"services": services,
	}
}

func (m *Manager) flagsKey() string {
	return m.redis.Key("flags", "current")
}

func (m *Manager) saveFlags(ctx context.Context) error {
	m.mu.RLock()
	data, err := json.Marshal(m.flags)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("flags encode: %w", err)
	}
	if err := m.redis.Set(ctx, m.flagsKey(), data, 0); err != nil {
		return fmt.Errorf("flags save: %w", err)
	}
	return nil
}

func (m *Manager) refreshFlags(ctx context.Context) error {
	raw, err := m.redis.Get(ctx, m.flagsKey())
	if err != nil {
		return fmt.Errorf("flags load: %w", err)
	}
	var flags Flags
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return fmt.Errorf("flags decode: %w", err)
	}
	m.mu.Lock()
	m.flags = flags
	m.mu.Unlock()
	return nil
}

// RunRefresher re-reads flags from Redis at the configured interval
// until ctx ends. A zero interval disables refresh entirely.
func (m *Manager) RunRefresher(ctx context.Context) {
	if m.config.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshFlags(ctx); err != nil && m.logger != nil {
				m.logger.WarnWithContext(ctx, "Flag refresh failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
