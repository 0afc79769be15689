// Signald — signaling store daemon.
//
// Hosts the shared signaling store two peercall instances rendezvous
// through. The store holds only ephemeral call descriptors and candidate
// sub-collections; nothing is persisted across restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/util"
)

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", ":0", "listen address, e.g. :4710 (\":0\" picks a random port)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	mem := store.NewMemory()
	defer mem.Close()

	srv := store.NewServer(mem)
	port, err := srv.Start(*addr)
	if err != nil {
		util.LogError("failed to start store server: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          Signaling Store Server          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Port : %-32d ║\n", port)
	fmt.Printf("║  Path : %-32s ║\n", "/store")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	util.LogInfo("store server ready — waiting for peers")
	<-ctx.Done()
	util.LogInfo("shutting down")
}
