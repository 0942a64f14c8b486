// dtalk: prints every servo report arriving on a DogBot controller link.
//
// Usage: dtalk [device]   (default /dev/ttyACM1)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-dogbot/internal/log"
	"github.com/teslashibe/go-dogbot/pkg/link"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
	"github.com/teslashibe/go-dogbot/pkg/router"
)

const defaultDevice = "/dev/ttyACM1"

func main() {
	log.Init(os.Getenv("LOG_LEVEL"))
	logger := log.Component("dtalk")

	path := defaultDevice
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	port, err := link.OpenSerial(path, link.DefaultBaudRate)
	if err != nil {
		logger.Error("cannot open device", "device", path, "error", err)
		os.Exit(1)
	}

	r := router.New(logger)
	r.RegisterFunc(protocol.TagServoReport, func(payload []byte) {
		rep, err := protocol.UnmarshalServoReport(payload)
		if err != nil {
			logger.Warn("malformed report", "error", err)
			return
		}
		fmt.Printf("id=%-3d tick=%-5d hall=%6d %6d %6d  curr=%6d %6d %6d  angle=%8d  mode=%d flags=%#02x\n",
			rep.JointID, rep.Tick,
			rep.Hall[0], rep.Hall[1], rep.Hall[2],
			rep.Current[0], rep.Current[1], rep.Current[2],
			rep.Angle, rep.Mode, rep.Flags)
	})
	codec := link.NewCodec(port, r, link.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("listening", "device", path)
	err = codec.Run(ctx)
	codec.Shutdown(200 * time.Millisecond)

	s := codec.Stats()
	logger.Info("link closed",
		"frames", s.Frames,
		"framing_errors", s.FramingErrors,
		"crc_errors", s.CRCErrors,
		"noise_bytes", s.NoiseBytes,
		"unknown_tags", r.Stats().UnknownTags)
	if err != nil && !link.IsClosed(err) {
		logger.Error("link failed", "error", err)
		os.Exit(1)
	}
}
