// afksim runs a host endpoint against a simulated coprocessor: full
// ring negotiation, a demo "echo" service announced by the device, and
// one round of service calls driven from the host, with an optional
// persistent lifecycle journal.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"afk/internal/afk"
	"afk/internal/config"
	"afk/internal/coproc"
	"afk/internal/epic"
	"afk/internal/journal"
	boltstore "afk/internal/journal/bolt"
	"afk/internal/logging"
)

const demoEndpoint = 0x20
const demoChannel = 1

// echoOps is the host-side capability set for the demo service.
type echoOps struct {
	afk.BaseOps
}

func (echoOps) Name() string { return "echo" }

func (echoOps) Init(s *afk.Service, name, class string, unit int64) {
	log.Printf("service up: %s (channel %d)", name, s.Channel())
}

func (echoOps) Report(s *afk.Service, subtype uint16, data []byte) error {
	log.Printf("report %#x: %d bytes", subtype, len(data))
	return nil
}

func (echoOps) Teardown(s *afk.Service) {
	log.Printf("service down: %s", s.Name())
}

// echoCommand answers host service calls on the device side by
// reflecting the request payload.
func echoCommand(channel uint32, cmdType uint16, request, response []byte) uint32 {
	if len(request) < epic.CallHeaderSize || len(response) < epic.CallHeaderSize {
		return 1
	}
	copy(response, request[:epic.CallHeaderSize])
	copy(response[epic.CallHeaderSize:], request[epic.CallHeaderSize:])
	return 0
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	journalPath := flag.String("journal", "", "journal database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		st, err := boltstore.Open(config.ExpandHome(cfg.Journal.Path))
		if err != nil {
			log.Fatalf("journal: %v", err)
		}
		jrnl = journal.New(st)
		defer jrnl.Close()
	}

	mem := coproc.NewMemory()
	dev := coproc.NewDevice(mem, coproc.Config{
		BlockSize: uint32(cfg.Sim.BlockSize),
		RingBody:  uint32(cfg.Sim.RingBodySize),
	})
	defer dev.Close()
	dev.OnCommand(echoCommand)

	ep := afk.New(demoEndpoint, dev, mem, []afk.ServiceOps{echoOps{}}, afk.Config{
		StartTimeout:   cfg.AFK.StartTimeout(),
		CommandTimeout: cfg.AFK.CommandTimeout(),
		Journal:        jrnl,
	})
	defer ep.Close()
	dev.Connect(ep.Deliver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ep.Start(ctx); err != nil {
		log.Fatalf("starting endpoint: %v", err)
	}
	log.Printf("endpoint %#02x started", demoEndpoint)

	if err := dev.Announce(demoChannel, "echo"); err != nil {
		log.Fatalf("announce: %v", err)
	}

	// Announce handling runs on the endpoint worker; give it a moment.
	svc := waitService(ep, demoChannel, time.Second)
	if svc == nil {
		log.Fatalf("service never registered")
	}

	out := make([]byte, 16)
	if err := svc.ServiceCall(ctx, 1, 0x10, []byte("ping"), 0, out, 0); err != nil {
		log.Fatalf("service call: %v", err)
	}
	log.Printf("service call reply: %q", out[:4])

	if err := dev.Report(demoChannel, epic.SubtypeStdService, []byte{0x01}); err != nil {
		log.Fatalf("report: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	if err := ep.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func waitService(ep *afk.Endpoint, channel uint32, timeout time.Duration) *afk.Service {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if svc := ep.FindService(channel); svc != nil {
			return svc
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
