// statewatch: follows a running bridge's state stream and prints a joint
// table on every update. With -target it sets one joint target first.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-dogbot/internal/httpc"
	"github.com/teslashibe/go-dogbot/internal/log"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

var (
	addr     = flag.String("addr", "http://localhost:8090", "Bridge telemetry base URL")
	interval = flag.Duration("interval", 500*time.Millisecond, "Minimum time between two printed tables")
	joint    = flag.String("joint", "", "Only print joints whose name contains this")
	once     = flag.Bool("once", false, "Print the current state and exit")
	target   = flag.String("target", "", "Set a joint target before watching, as name=rad")
)

func main() {
	flag.Parse()
	log.Init(os.Getenv("LOG_LEVEL"))
	logger := log.Component("statewatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := strings.TrimSuffix(*addr, "/")
	var status protocol.StatusData
	if err := httpc.GetJSON(ctx, base+"/api/status", &status); err != nil {
		logger.Error("bridge unreachable", "addr", base, "error", err)
		os.Exit(1)
	}
	fmt.Printf("session %s on %s, %d/%d joints bound, control=%v, loop %.1f Hz\n",
		status.Session, status.Device, status.Bound, status.Joints, status.Control, 1/status.LoopPeriod)

	if *target != "" {
		if err := setTarget(ctx, base, *target); err != nil {
			logger.Error("set target", "target", *target, "error", err)
			os.Exit(1)
		}
	}

	if *once {
		var state protocol.StateData
		if err := httpc.GetJSON(ctx, base+"/api/joints", &state); err != nil {
			logger.Error("read state", "error", err)
			os.Exit(1)
		}
		printState(state)
		return
	}

	if err := follow(ctx, base); err != nil && ctx.Err() == nil {
		logger.Error("stream ended", "error", err)
		os.Exit(1)
	}
}

func setTarget(ctx context.Context, base, spec string) error {
	name, val, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return fmt.Errorf("want name=rad, got %q", spec)
	}
	pos, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return err
	}
	var resp struct {
		Joint    string  `json:"joint"`
		Position float64 `json:"position"`
	}
	u := base + "/api/joints/" + url.PathEscape(name) + "/target"
	if err := httpc.PostJSON(ctx, u, map[string]float64{"position": pos}, &resp); err != nil {
		return err
	}
	fmt.Printf("target %s = %.4f rad\n", resp.Joint, resp.Position)
	return nil
}

func follow(ctx context.Context, base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path += "/ws/state"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	go func() {
		<-ctx.Done()
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	}()

	var last time.Time
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeState:
			if time.Since(last) < *interval {
				continue
			}
			var state protocol.StateData
			if err := msg.ParseData(&state); err != nil {
				continue
			}
			last = time.Now()
			printState(state)
		case protocol.TypeCounters:
			var c protocol.CountersData
			if err := msg.ParseData(&c); err == nil {
				fmt.Printf("frames=%d framing=%d crc=%d dropped=%d out_of_order=%d\n",
					c.Frames, c.FramingErrors, c.CRCErrors, c.DroppedDemands, c.OutOfOrder)
			}
		}
	}
}

func printState(s protocol.StateData) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "cycle %d\tcontrol=%v\n", s.Cycle, s.Control)
	fmt.Fprintln(tw, "joint\tactuator\tposition\tvelocity\teffort\tcommand\tstate")
	for _, j := range s.Joints {
		if *joint != "" && !strings.Contains(j.Name, *joint) {
			continue
		}
		state := j.Calibration
		if j.Stale {
			state = "stale"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
			j.Name, j.Actuator, j.Position, j.Velocity, j.Effort, j.Command, state)
	}
	tw.Flush()
	fmt.Println()
}
