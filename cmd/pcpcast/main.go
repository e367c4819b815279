// Command pcpcast runs a PCP servent: it listens for peers, relays
// channels from upstream servents, and accepts local broadcasts, with a
// small JSON admin surface on the side.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pcpgo/pcpcast/internal/channel"
	"github.com/pcpgo/pcpcast/internal/config"
	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/servent"
	"github.com/pcpgo/pcpcast/internal/shutdown"
)

// exitBindFailure distinguishes a listener that could not come up.
const exitBindFailure = 2

const agent = "pcpcast/0.1"

func main() {
	if err := config.LoadEnvFile(config.EnvString("PCPCAST_ENV_FILE", ".env")); err != nil {
		log.Printf("pcpcast: env file: %v", err)
	}
	bind := flag.String("bind", config.EnvString("PCPCAST_BIND", "0.0.0.0"), "PCP listen address")
	port := flag.Int("port", config.EnvInt("PCPCAST_PORT", 7144), "PCP listen port")
	adminAddr := flag.String("admin", config.EnvString("PCPCAST_ADMIN", "127.0.0.1:7143"), "admin HTTP address (empty disables)")
	relayURL := flag.String("relay", config.EnvString("PCPCAST_RELAY", ""), "upstream to relay from, host:port")
	relayChannel := flag.String("channel", config.EnvString("PCPCAST_CHANNEL", ""), "channel id (32 hex chars) to relay")
	maxSessions := flag.Int("max-sessions", config.EnvInt("PCPCAST_MAX_SESSIONS", 0), "max concurrent PCP sessions (0 = default)")
	queueCap := flag.Int("queue-cap", config.EnvInt("PCPCAST_QUEUE_CAP", 0), "subscriber queue capacity (0 = default)")
	flag.Parse()

	sessionID := gnuid.New()
	log.Printf("pcpcast: starting session=%s agent=%s", sessionID, agent)

	g := shutdown.New(context.Background())
	g.OnSignal()
	ctx := g.Context()

	store := channel.NewStore(func(id gnuid.GnuID, cfg channel.Config) *channel.Channel {
		return channel.New(ctx, id, cfg)
	})
	store.OnRemove(func(ch *channel.Channel) { ch.Stop() }, nil)
	srv := &servent.Server{
		Handshaker:    conn.NewHandshaker(sessionID, agent),
		Store:         store,
		MaxSessions:   *maxSessions,
		ChannelConfig: channel.Config{QueueCap: *queueCap},
	}

	pcpLn, err := net.Listen("tcp", net.JoinHostPort(*bind, fmt.Sprintf("%d", *port)))
	if err != nil {
		log.Printf("pcpcast: bind failed addr=%s:%d err=%v", *bind, *port, err)
		os.Exit(exitBindFailure)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Serve(egCtx, pcpLn) })

	if *adminAddr != "" {
		adminLn, err := net.Listen("tcp", *adminAddr)
		if err != nil {
			log.Printf("pcpcast: admin bind failed addr=%s err=%v", *adminAddr, err)
			os.Exit(exitBindFailure)
		}
		admin := &http.Server{Handler: servent.AdminMux(srv)}
		eg.Go(func() error {
			log.Printf("pcpcast: admin on http://%s", adminLn.Addr())
			err := admin.Serve(adminLn)
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func(ctx context.Context) {
			<-ctx.Done()
			admin.Close()
		})
	}

	if *relayURL != "" {
		if err := startRelay(ctx, srv, *relayURL, *relayChannel, uint16(*port)); err != nil {
			log.Fatalf("pcpcast: relay setup: %v", err)
		}
	}

	g.Go(func(ctx context.Context) {
		<-ctx.Done()
		for _, ch := range store.List() {
			ch.Stop()
		}
		for _, ch := range store.List() {
			<-ch.Done()
		}
	})

	if err := eg.Wait(); err != nil {
		log.Printf("pcpcast: serve: %v", err)
	}
	g.Trigger()
	g.Wait()
	log.Printf("pcpcast: bye")
}

// startRelay wires an upstream subscription into the local store.
func startRelay(ctx context.Context, srv *servent.Server, target, channelHex string, selfPort uint16) error {
	if strings.TrimSpace(channelHex) == "" {
		return fmt.Errorf("-relay requires -channel")
	}
	channelID, err := gnuid.Parse(channelHex)
	if err != nil {
		return fmt.Errorf("bad -channel: %w", err)
	}
	ch := srv.Store.GetOrCreate(channelID, srv.ChannelConfig)
	task := channel.NewRelayTask(srv.Handshaker, channel.RelayConfig{
		Addr:      target,
		SelfPort:  &selfPort,
		ChannelID: channelID,
	})
	if err := ch.AttachSource(ctx, task); err != nil {
		return err
	}
	log.Printf("pcpcast: relaying channel=%s from=%s", channelID, target)
	return nil
}
