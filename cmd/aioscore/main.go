// Command aioscore is the kernel host process: it wires every kernel
// subsystem together from configuration, exposes the syscall dispatcher
// over gRPC, and serves Prometheus metrics and the operator event
// stream over HTTP until signaled to shut down.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	hostsignal "syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aioscore/kernel/internal/kernel/async"
	"github.com/aioscore/kernel/internal/kernel/capability"
	"github.com/aioscore/kernel/internal/kernel/clock"
	"github.com/aioscore/kernel/internal/kernel/hostapi"
	"github.com/aioscore/kernel/internal/kernel/ipc"
	"github.com/aioscore/kernel/internal/kernel/journal"
	"github.com/aioscore/kernel/internal/kernel/journalstore"
	"github.com/aioscore/kernel/internal/kernel/kerneltap"
	"github.com/aioscore/kernel/internal/kernel/memory"
	"github.com/aioscore/kernel/internal/kernel/metrics"
	"github.com/aioscore/kernel/internal/kernel/registry"
	"github.com/aioscore/kernel/internal/kernel/sandbox"
	"github.com/aioscore/kernel/internal/kernel/scheduler"
	"github.com/aioscore/kernel/internal/kernel/state"
	"github.com/aioscore/kernel/internal/kernel/syscall"
	"github.com/aioscore/kernel/internal/kernel/syscallrpc"
	"github.com/aioscore/kernel/internal/kernelconfig"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := kernelconfig.Get()
	slog.Info("aioscore: starting kernel", "capability_mode", cfg.Capability.Mode, "cpu_count", cfg.Scheduler.CPUCount)

	metricsReg, promReg := metrics.NewRegistry()

	verifier, err := newVerifier(cfg.Capability)
	if err != nil {
		log.Fatalf("aioscore: construct capability verifier: %v", err)
	}
	slog.Info("aioscore: capability verifier ready", "mode", cfg.Capability.Mode)

	ledger := capability.NewLedger()
	nonces := capability.NewNonceStore(time.Duration(cfg.Capability.NonceTTLNs))

	evaluator := capability.NewContinuousEvaluator(verifier, ledger, capability.EvalConfig{
		SweepInterval:     time.Duration(cfg.Capability.SweepIntervalNs),
		DriftThreshold:    cfg.Capability.DriftThreshold,
		InactivityTimeout: time.Duration(cfg.Capability.InactivityTimeoutNs),
	})
	evaluator.Start()
	defer evaluator.Stop()
	slog.Info("aioscore: continuous capability evaluator started")

	reg := registry.New()
	killSwitch := registry.NewKillSwitch(reg)

	frames := memory.NewFrameAllocator(cfg.Memory.FrameSizeBytes, cfg.Memory.TotalFrames)
	pages := memory.NewPageMap()
	slog.Info("aioscore: memory subsystem ready", "frame_size_bytes", cfg.Memory.FrameSizeBytes, "total_frames", cfg.Memory.TotalFrames)

	fabric := ipc.NewFabric(cfg.IPC.MailboxCapacity)

	asyncTbl := async.NewTable(time.Duration(cfg.Async.ResultTTLNs), time.Duration(cfg.Async.SweepInterval))
	defer asyncTbl.Stop()

	sysClock := clock.System{}
	epochClock := clock.NewEpochClock(sysClock, time.Duration(cfg.Scheduler.EpochLengthNs))
	epochSeed := scheduler.NewEpochSeed([]byte(cfg.Capability.HMACSecret))
	sched := scheduler.New(cfg.Scheduler.CPUCount, epochClock, epochSeed, fabric, cfg.Scheduler.QuantumNs)
	slog.Info("aioscore: scheduler ready", "cpus", cfg.Scheduler.CPUCount, "epoch_length_ns", cfg.Scheduler.EpochLengthNs, "quantum_ns", cfg.Scheduler.QuantumNs)

	sandboxPool := sandbox.NewPool(sandbox.Config{
		Image:      cfg.Sandbox.Image,
		MinIdle:    cfg.Sandbox.MinIdle,
		MaxCap:     cfg.Sandbox.MaxCap,
		Runtime:    cfg.Sandbox.Runtime,
		MemLimitMB: cfg.Sandbox.MemLimitMB,
	})
	defer sandboxPool.Stop()
	slog.Info("aioscore: sandbox pool ready", "image", cfg.Sandbox.Image, "runtime", cfg.Sandbox.Runtime, "min_idle", cfg.Sandbox.MinIdle, "max_cap", cfg.Sandbox.MaxCap)

	snap, err := state.NewReplayer(cfg.Journal.Dir, nil).Replay()
	if err != nil {
		log.Fatalf("aioscore: journal failed integrity replay: %v", err)
	}
	slog.Info("aioscore: journal replayed for integrity", "records", snap.RecordCount, "last_seq", snap.LastSeq)

	jrn, err := journal.Open(cfg.Journal.Dir, cfg.Journal.SegmentMaxBytes)
	if err != nil {
		log.Fatalf("aioscore: open journal: %v", err)
	}
	defer jrn.Close()
	if snap.RecordCount > 0 {
		jrn.Resume(snap.LastSeq, snap.LastHash)
	}
	slog.Info("aioscore: journal opened", "dir", cfg.Journal.Dir, "next_seq", jrn.NextSeq())
	sched.SetJournal(jrn)

	var mirror *journalstore.Mirror
	if cfg.JournalStore.RedisAddr != "" || cfg.JournalStore.PostgresDSN != "" {
		mirror, err = journalstore.Open(journalstore.Config{
			RedisAddr:   cfg.JournalStore.RedisAddr,
			PostgresDSN: cfg.JournalStore.PostgresDSN,
		})
		if err != nil {
			slog.Warn("aioscore: journal mirror disabled", "error", err)
			mirror = nil
		} else {
			defer mirror.Close()
			slog.Info("aioscore: journal mirror ready", "redis", cfg.JournalStore.RedisAddr != "", "postgres", cfg.JournalStore.PostgresDSN != "")
		}
	}
	tap, err := kerneltap.NewReader(fabric)
	if err != nil {
		slog.Warn("aioscore: kerneltap disabled", "error", err)
	} else {
		tap.Start() // no ring buffer attached yet: runs in mock mode until an eBPF program is loaded
		slog.Info("aioscore: kerneltap reader constructed (mock mode, no ring buffer attached)")
	}

	dispatcher := syscall.New(syscall.Deps{
		Verifier:       verifier,
		Ledger:         ledger,
		Nonces:         nonces,
		Registry:       reg,
		KillSwitch:     killSwitch,
		Frames:         frames,
		Pages:          pages,
		AgentMemoryCap: cfg.Memory.AgentMemoryCapBytes,
		Fabric:         fabric,
		AsyncTable:     asyncTbl,
		Scheduler:      sched,
		Sandbox:        sandboxPool,
		Journal:        jrn,
		JournalMirror:  mirror,
		Clock:          sysClock,
		Metrics:        metricsReg,
		DefaultWeight:  1,
	})
	slog.Info("aioscore: syscall dispatcher wired")

	broadcaster := hostapi.NewBroadcaster()

	rpcAddr := getEnv("AIOSCORE_RPC_ADDR", ":7900")
	rpcServer := syscallrpc.NewServer(dispatcher)
	go func() {
		slog.Info("aioscore: syscall gRPC listening", "addr", rpcAddr)
		if err := syscallrpc.Serve(rpcAddr, rpcServer); err != nil {
			slog.Error("aioscore: syscall gRPC server stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(promReg))
	mux.HandleFunc("/events", broadcaster.Handler)

	httpSrv := &http.Server{Addr: cfg.Monitoring.Addr, Handler: mux}
	go func() {
		slog.Info("aioscore: monitoring http listening", "addr", cfg.Monitoring.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("aioscore: monitoring http server stopped", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, hostsignal.SIGTERM)
	<-sig
	slog.Info("aioscore: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("aioscore: monitoring http shutdown error", "error", err)
	}
}

// newVerifier constructs the configured capability.Verifier implementation.
// "hmac" is the single-process/dev-cluster default; "spiffe" federates
// trust to a SPIRE agent for multi-host deployments.
func newVerifier(cfg kernelconfig.CapabilityConfig) (capability.Verifier, error) {
	switch cfg.Mode {
	case "spiffe":
		trustDomain := "aioscore.internal"
		if len(cfg.TrustAnchors) > 0 {
			trustDomain = cfg.TrustAnchors[0]
		}
		return capability.NewSPIFFEVerifier(cfg.SPIFFESocketPath, trustDomain)
	default:
		return capability.NewHMACVerifier(capability.HMACVerifierConfig{
			Secret:              cfg.HMACSecret,
			PreviousSecret:      cfg.PreviousHMACSecret,
			RotationGracePeriod: time.Duration(cfg.RotationGraceSec) * time.Second,
			Issuer:              "aioscore-kernel",
		}), nil
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
