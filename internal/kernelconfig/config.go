// Package kernelconfig loads the kernel's runtime configuration: epoch
// timing, scheduler quantum, agent resource caps, mailbox sizing, and
// the capability trust anchors the dispatcher verifies tokens against.
package kernelconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the full kernel configuration tree, loadable from YAML and
// overridable per-field from the environment.
type Config struct {
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Memory       MemoryConfig       `yaml:"memory"`
	IPC          IPCConfig          `yaml:"ipc"`
	Async        AsyncConfig        `yaml:"async"`
	Capability   CapabilityConfig   `yaml:"capability"`
	Journal      JournalConfig      `yaml:"journal"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	JournalStore JournalStoreConfig `yaml:"journal_store"`
}

// SchedulerConfig governs epoch length, quantum, and WFS fairness floor.
type SchedulerConfig struct {
	EpochLengthNs   int64 `yaml:"epoch_length_ns"`
	QuantumNs       int64 `yaml:"quantum_ns"`
	FairnessFloorNs int64 `yaml:"fairness_floor_ns"`
	CPUCount        int   `yaml:"cpu_count"`
}

// MemoryConfig governs per-agent and global memory accounting.
type MemoryConfig struct {
	AgentMemoryCapBytes int64 `yaml:"agent_memory_cap_bytes"`
	FrameSizeBytes      int64 `yaml:"frame_size_bytes"`
	TotalFrames         int64 `yaml:"total_frames"`
}

// IPCConfig governs mailbox capacity and envelope size limits.
type IPCConfig struct {
	MailboxCapacity int    `yaml:"mailbox_capacity"`
	MaxEnvelopeSize uint16 `yaml:"max_envelope_size"`
}

// AsyncConfig governs the async handle table.
type AsyncConfig struct {
	ResultTTLNs   int64 `yaml:"async_result_ttl_ns"`
	SweepInterval int64 `yaml:"sweep_interval_ns"`
}

// CapabilityConfig governs token verification and quota defaults.
type CapabilityConfig struct {
	Mode                string   `yaml:"mode"` // "hmac" or "spiffe"
	HMACSecret          string   `yaml:"hmac_secret"`
	PreviousHMACSecret  string   `yaml:"previous_hmac_secret"`
	RotationGraceSec    int      `yaml:"rotation_grace_sec"`
	SPIFFESocketPath    string   `yaml:"spiffe_socket_path"`
	TrustAnchors        []string `yaml:"trust_anchors"`
	DriftThreshold      float64  `yaml:"drift_threshold"`
	InactivityTimeoutNs int64    `yaml:"inactivity_timeout_ns"`
	SweepIntervalNs     int64    `yaml:"sweep_interval_ns"`
	NonceTTLNs          int64    `yaml:"nonce_ttl_ns"`
}

// JournalConfig governs the event journal's file rotation and
// checkpointing.
type JournalConfig struct {
	Dir                string `yaml:"dir"`
	SegmentMaxBytes    int64  `yaml:"segment_max_bytes"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
}

// SandboxConfig governs the gVisor-backed agent spawn pool.
type SandboxConfig struct {
	Image      string `yaml:"image"`
	MinIdle    int    `yaml:"min_idle"`
	MaxCap     int    `yaml:"max_cap"`
	Runtime    string `yaml:"runtime"`
	MemLimitMB int64  `yaml:"mem_limit_mb"`
}

// MonitoringConfig governs the Prometheus metrics endpoint.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// JournalStoreConfig governs the optional non-authoritative journal
// mirrors (Redis, Postgres).
type JournalStoreConfig struct {
	RedisAddr  string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading from CONFIG_PATH (or
// ./kernel.yaml) on first access and applying environment overrides.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "kernel.yaml"))
		if err != nil {
			slog.Warn("kernelconfig: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads a YAML config file from path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Scheduler.EpochLengthNs = getEnvInt64("KERNEL_EPOCH_LENGTH_NS", c.Scheduler.EpochLengthNs)
	c.Scheduler.QuantumNs = getEnvInt64("KERNEL_QUANTUM_NS", c.Scheduler.QuantumNs)
	c.Scheduler.FairnessFloorNs = getEnvInt64("KERNEL_FAIRNESS_FLOOR_NS", c.Scheduler.FairnessFloorNs)
	c.Scheduler.CPUCount = getEnvInt("KERNEL_CPU_COUNT", c.Scheduler.CPUCount)

	c.Memory.AgentMemoryCapBytes = getEnvInt64("KERNEL_AGENT_MEMORY_CAP_BYTES", c.Memory.AgentMemoryCapBytes)
	c.Memory.FrameSizeBytes = getEnvInt64("KERNEL_FRAME_SIZE_BYTES", c.Memory.FrameSizeBytes)
	c.Memory.TotalFrames = getEnvInt64("KERNEL_TOTAL_FRAMES", c.Memory.TotalFrames)

	c.IPC.MailboxCapacity = getEnvInt("KERNEL_MAILBOX_CAPACITY", c.IPC.MailboxCapacity)

	c.Async.ResultTTLNs = getEnvInt64("KERNEL_ASYNC_RESULT_TTL_NS", c.Async.ResultTTLNs)
	c.Async.SweepInterval = getEnvInt64("KERNEL_ASYNC_SWEEP_INTERVAL_NS", c.Async.SweepInterval)

	c.Capability.Mode = getEnv("KERNEL_CAPABILITY_MODE", c.Capability.Mode)
	c.Capability.HMACSecret = getEnv("KERNEL_HMAC_SECRET", c.Capability.HMACSecret)
	c.Capability.PreviousHMACSecret = getEnv("KERNEL_PREVIOUS_HMAC_SECRET", c.Capability.PreviousHMACSecret)
	c.Capability.RotationGraceSec = getEnvInt("KERNEL_ROTATION_GRACE_SEC", c.Capability.RotationGraceSec)
	c.Capability.SPIFFESocketPath = getEnv("KERNEL_SPIFFE_SOCKET_PATH", c.Capability.SPIFFESocketPath)
	if v := getEnv("KERNEL_TRUST_ANCHORS", ""); v != "" {
		c.Capability.TrustAnchors = splitCSV(v)
	}
	c.Capability.DriftThreshold = getEnvFloat("KERNEL_DRIFT_THRESHOLD", c.Capability.DriftThreshold)

	c.Journal.Dir = getEnv("KERNEL_JOURNAL_DIR", c.Journal.Dir)
	c.Journal.SegmentMaxBytes = getEnvInt64("KERNEL_JOURNAL_SEGMENT_MAX_BYTES", c.Journal.SegmentMaxBytes)
	c.Journal.CheckpointInterval = getEnvInt("KERNEL_JOURNAL_CHECKPOINT_INTERVAL", c.Journal.CheckpointInterval)

	c.Sandbox.Image = getEnv("KERNEL_SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.Runtime = getEnv("KERNEL_SANDBOX_RUNTIME", c.Sandbox.Runtime)
	c.Sandbox.MinIdle = getEnvInt("KERNEL_SANDBOX_MIN_IDLE", c.Sandbox.MinIdle)
	c.Sandbox.MaxCap = getEnvInt("KERNEL_SANDBOX_MAX_CAP", c.Sandbox.MaxCap)

	c.Monitoring.Enabled = getEnvBool("KERNEL_MONITORING_ENABLED", c.Monitoring.Enabled)
	c.Monitoring.Addr = getEnv("KERNEL_MONITORING_ADDR", c.Monitoring.Addr)

	c.JournalStore.RedisAddr = getEnv("KERNEL_REDIS_ADDR", c.JournalStore.RedisAddr)
	c.JournalStore.PostgresDSN = getEnv("KERNEL_POSTGRES_DSN", c.JournalStore.PostgresDSN)
}

func (c *Config) applyDefaults() {
	if c.Scheduler.EpochLengthNs == 0 {
		c.Scheduler.EpochLengthNs = int64(10 * 1e6) // 10ms
	}
	if c.Scheduler.QuantumNs == 0 {
		c.Scheduler.QuantumNs = int64(5 * 1e6) // 5ms
	}
	if c.Scheduler.FairnessFloorNs == 0 {
		c.Scheduler.FairnessFloorNs = int64(1 * 1e6) // 1ms
	}
	if c.Scheduler.CPUCount == 0 {
		c.Scheduler.CPUCount = 4
	}
	if c.Memory.AgentMemoryCapBytes == 0 {
		c.Memory.AgentMemoryCapBytes = 1 << 30 // 1 GiB, strict upper bound
	}
	if c.Memory.FrameSizeBytes == 0 {
		c.Memory.FrameSizeBytes = 4096
	}
	if c.Memory.TotalFrames == 0 {
		c.Memory.TotalFrames = 1 << 18
	}
	if c.IPC.MailboxCapacity == 0 {
		c.IPC.MailboxCapacity = 256
	}
	if c.IPC.MaxEnvelopeSize == 0 {
		c.IPC.MaxEnvelopeSize = 65535 // 64 KiB - 1
	}
	if c.Async.ResultTTLNs == 0 {
		c.Async.ResultTTLNs = int64(60 * 1e9) // 60s
	}
	if c.Async.SweepInterval == 0 {
		c.Async.SweepInterval = int64(1 * 1e9) // 1s
	}
	if c.Capability.Mode == "" {
		c.Capability.Mode = "hmac"
	}
	if c.Capability.HMACSecret == "" {
		c.Capability.HMACSecret = "aioscore-dev-hmac-secret-change-in-production"
	}
	if c.Capability.RotationGraceSec == 0 {
		c.Capability.RotationGraceSec = 86400
	}
	if c.Capability.DriftThreshold == 0 {
		c.Capability.DriftThreshold = 0.20
	}
	if c.Capability.InactivityTimeoutNs == 0 {
		c.Capability.InactivityTimeoutNs = int64(300 * 1e9)
	}
	if c.Capability.SweepIntervalNs == 0 {
		c.Capability.SweepIntervalNs = int64(10 * 1e9)
	}
	if c.Capability.NonceTTLNs == 0 {
		c.Capability.NonceTTLNs = int64(60 * 1e9)
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "./journal"
	}
	if c.Journal.SegmentMaxBytes == 0 {
		c.Journal.SegmentMaxBytes = 64 << 20 // 64 MiB
	}
	if c.Journal.CheckpointInterval == 0 {
		c.Journal.CheckpointInterval = 1024
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "aioscore/agent-runtime:latest"
	}
	if c.Sandbox.Runtime == "" {
		c.Sandbox.Runtime = "runsc"
	}
	if c.Sandbox.MaxCap == 0 {
		c.Sandbox.MaxCap = 20
	}
	if c.Monitoring.Addr == "" {
		c.Monitoring.Addr = ":9090"
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
