// Command pcproot runs the root directory server: it aggregates tracker
// broadcasts into a channel directory and serves it over HTTP (JSON,
// index.txt, metrics).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/pcpgo/pcpcast/internal/config"
	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/root"
	"github.com/pcpgo/pcpcast/internal/shutdown"
)

const exitBindFailure = 2

const agent = "pcproot/0.1"

func main() {
	if err := config.LoadEnvFile(config.EnvString("PCPROOT_ENV_FILE", ".env")); err != nil {
		log.Printf("pcproot: env file: %v", err)
	}
	bind := flag.String("bind", config.EnvString("PCPROOT_BIND", "0.0.0.0"), "PCP listen address")
	port := flag.Int("port", config.EnvInt("PCPROOT_PORT", 7144), "PCP listen port")
	adminAddr := flag.String("admin", config.EnvString("PCPROOT_ADMIN", "127.0.0.1:7143"), "admin HTTP address (empty disables)")
	indexDB := flag.String("index-db", config.EnvString("PCPROOT_INDEX_DB", ""), "sqlite file persisting the directory (empty disables)")
	maxSessions := flag.Int("max-sessions", config.EnvInt("PCPROOT_MAX_SESSIONS", 0), "max concurrent tracker sessions (0 = default)")
	acceptRate := flag.Float64("accept-rate", float64(config.EnvInt("PCPROOT_ACCEPT_RATE", 0)), "accepted sessions per second (0 = default)")
	flag.Parse()

	sessionID := gnuid.New()
	log.Printf("pcproot: starting session=%s agent=%s", sessionID, agent)

	g := shutdown.New(context.Background())
	g.OnSignal()
	ctx := g.Context()

	srv := &root.Server{
		Handshaker:  conn.NewHandshaker(sessionID, agent),
		Store:       root.NewStore(),
		MaxSessions: *maxSessions,
		AcceptRate:  *acceptRate,
	}

	if *indexDB != "" {
		ix, err := root.OpenIndex(*indexDB)
		if err != nil {
			log.Fatalf("pcproot: %v", err)
		}
		defer ix.Close()
		srv.Index = ix
		if persisted, err := ix.List(); err == nil {
			log.Printf("pcproot: index loaded path=%s entries=%d", *indexDB, len(persisted))
		}
	}

	pcpLn, err := net.Listen("tcp", net.JoinHostPort(*bind, fmt.Sprintf("%d", *port)))
	if err != nil {
		log.Printf("pcproot: bind failed addr=%s:%d err=%v", *bind, *port, err)
		os.Exit(exitBindFailure)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Serve(egCtx, pcpLn) })

	if *adminAddr != "" {
		adminLn, err := net.Listen("tcp", *adminAddr)
		if err != nil {
			log.Printf("pcproot: admin bind failed addr=%s err=%v", *adminAddr, err)
			os.Exit(exitBindFailure)
		}
		admin := &http.Server{Handler: root.AdminMux(srv)}
		eg.Go(func() error {
			log.Printf("pcproot: admin on http://%s", adminLn.Addr())
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

	if err := eg.Wait(); err != nil {
		log.Printf("pcproot: serve: %v", err)
	}
	g.Trigger()
	g.Wait()
	log.Printf("pcproot: bye")
}
