// Command hil-backend is the test-deployment stand-in for the
// competition service. It serves the control-plane Unix socket, loads a
// test program, and drives connected devices through it with the HIL
// engine: every inbound record is fed to the engine and the engine is
// ticked on a 1ms cadence.
//
// Configuration is taken from the environment:
//
//	SOCKET_PATH   Unix socket path to serve (default /tmp/socket.sock)
//	HIL_TESTS     Test program YAML file (required)
//	HIL_SEED      Optional RNG seed for reproducible runs
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fkm-protocol/connector-go/pkg/hil"
	"github.com/fkm-protocol/connector-go/pkg/transport"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// processInterval is the engine tick cadence.
const processInterval = time.Millisecond

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("hil backend failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	socketPath := os.Getenv("SOCKET_PATH")
	if socketPath == "" {
		socketPath = "/tmp/socket.sock"
	}

	programPath := os.Getenv("HIL_TESTS")
	if programPath == "" {
		return fmt.Errorf("HIL_TESTS not set")
	}
	program, err := hil.LoadProgram(programPath)
	if err != nil {
		return err
	}
	logger.Info("test program loaded", "path", programPath, "tests", len(program.Tests))

	var rng *rand.Rand
	if seed := os.Getenv("HIL_SEED"); seed != "" {
		n, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			return fmt.Errorf("bad HIL_SEED: %w", err)
		}
		rng = rand.New(rand.NewPCG(n, n))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Replace a stale socket from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("hil backend listening", "socket", socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		logger.Info("connector attached")
		serveConnector(ctx, conn, program, rng, logger)
		logger.Info("connector detached")
	}
}

// serveConnector drives one connector connection with a fresh engine.
func serveConnector(ctx context.Context, conn net.Conn, program *hil.Program, rng *rand.Rand, logger *slog.Logger) {
	defer conn.Close()

	start := time.Now()
	engine := hil.New(program, hil.Config{
		GetMS:  func() uint64 { return uint64(time.Since(start).Milliseconds()) },
		Rand:   rng,
		Logger: logger,
		Status: wire.ServerStatus{ShouldUpdate: false, DefaultLocale: "en"},
	})

	writer := transport.NewRecordWriter(conn)
	flush := func() error {
		for _, resp := range engine.Process() {
			data, err := wire.EncodeResponse(&resp)
			if err != nil {
				logger.Error("unencodable record", "error", err)
				continue
			}
			if err := writer.WriteRecord(data); err != nil {
				return err
			}
		}
		return nil
	}

	requests := make(chan *wire.Request, 64)
	readErr := make(chan error, 1)
	go func() {
		reader := transport.NewRecordReader(conn)
		for {
			data, err := reader.ReadRecord()
			if err != nil {
				readErr <- err
				return
			}
			req, err := wire.DecodeRequest(data)
			if err != nil {
				logger.Error("undecodable request", "error", err)
				continue
			}
			requests <- req
		}
	}()

	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case req := <-requests:
			engine.Feed(req)
			if err := flush(); err != nil {
				return
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return
			}
		}
	}
}
