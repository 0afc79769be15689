// Peercall — CLI entry point.
//
// Places or answers a peer-to-peer audio/video call. Negotiation runs
// through a shared signaling store (see cmd/signald); after the handshake
// the media flows directly between the two peers.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -store, -user, -peer, -call).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/fightdeck/peercall/internal/app"
	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/config"
	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/transport"
	"github.com/fightdeck/peercall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C (which also hangs up).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: caller or callee")
	storeURL := flag.String("store", "", "Signaling store URL, e.g. ws://host:4710/store")
	user := flag.String("user", "", "Local user identity")
	peer := flag.String("peer", "", "Remote user identity (caller only)")
	callID := flag.String("call", "", "Call ID to answer (callee only)")
	audioOnly := flag.Bool("audio-only", false, "Place an audio-only call")
	synthetic := flag.Bool("synthetic", false, "Use a synthetic media source instead of camera/microphone")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peercall — v%s", version))
	pterm.Println()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *storeURL != "" {
		cfg.StoreURL = *storeURL
	}

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg, *synthetic)

	case "caller":
		if *user == "" || *peer == "" {
			util.LogError("caller role requires -user and -peer")
			os.Exit(1)
		}
		kind := call.AudioVideo
		if *audioOnly {
			kind = call.AudioOnly
		}
		runCaller(ctx, cfg, *user, *peer, kind, *synthetic)

	case "callee":
		if *user == "" || *callID == "" {
			util.LogError("callee role requires -user and -call")
			os.Exit(1)
		}
		runCallee(ctx, cfg, *user, *callID, *synthetic)

	default:
		util.LogError("invalid -role: must be 'caller' or 'callee'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive gathers everything through pterm prompts when no -role flag
// is provided.
func runInteractive(ctx context.Context, cfg *config.Config, synthetic bool) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Caller — Place a call", "Callee — Answer a call"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if cfg.StoreURL == "" {
		cfg.StoreURL = askNonEmpty("Signaling store URL (e.g. ws://host:4710/store)")
	}
	user := askNonEmpty("Your user ID")

	if strings.HasPrefix(role, "Caller") {
		peer := askNonEmpty("User ID to call")
		kindChoice, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{"Audio + video", "Audio only"}).
			WithDefaultText("Call type").
			Show()
		kind := call.AudioVideo
		if strings.HasPrefix(kindChoice, "Audio only") {
			kind = call.AudioOnly
		}
		pterm.Println()
		runCaller(ctx, cfg, user, peer, kind, synthetic)
		return
	}

	callID := askNonEmpty("Call ID to answer")
	action, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Accept", "Decline"}).
		WithDefaultText("Answer the call?").
		Show()
	pterm.Println()
	if action == "Decline" {
		runDecline(ctx, cfg, callID)
		return
	}
	runCallee(ctx, cfg, user, callID, synthetic)
}

// runCaller places one outgoing call and blocks until it ends.
func runCaller(ctx context.Context, cfg *config.Config, user, peer string, kind call.MediaKind, synthetic bool) {
	ctrl, st := setup(ctx, cfg, synthetic)
	defer st.Close()

	cl, err := ctrl.StartOutgoing(ctx,
		call.Party{ID: user, Name: cfg.DisplayName},
		call.Party{ID: peer},
		kind,
	)
	if err != nil {
		util.LogError("failed to start call: %v", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║                       Call ID                        ║")
	fmt.Println("╠══════════════════════════════════════════════════════╣")
	fmt.Printf("║  %-51s ║\n", cl.Record().CallID)
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()
	util.LogInfo("share the call ID with %s so they can answer", peer)

	waitForCall(ctx, cl)
}

// runCallee answers one ringing call and blocks until it ends.
func runCallee(ctx context.Context, cfg *config.Config, user, callID string, synthetic bool) {
	ctrl, st := setup(ctx, cfg, synthetic)
	defer st.Close()

	cl, err := ctrl.Accept(ctx, callID, user)
	if err != nil {
		util.LogError("failed to accept call: %v", err)
		os.Exit(1)
	}

	waitForCall(ctx, cl)
}

// runDecline rejects a ringing call without answering it.
func runDecline(ctx context.Context, cfg *config.Config, callID string) {
	st, err := store.Dial(ctx, cfg.StoreURL)
	if err != nil {
		util.LogError("failed to reach signaling store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	ctrl := app.NewController(st, media.NewSynthetic(), cfg)
	if err := ctrl.Decline(ctx, callID); err != nil {
		util.LogError("failed to decline call: %v", err)
		os.Exit(1)
	}
	util.LogInfo("call declined")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// setup connects to the signaling store and wires a controller with the best
// available media source.
func setup(ctx context.Context, cfg *config.Config, synthetic bool) (*app.Controller, *store.Remote) {
	if cfg.StoreURL == "" {
		util.LogError("no signaling store URL configured (flag -store, config store_url, or PEERCALL_STORE_URL)")
		os.Exit(1)
	}

	st, err := store.Dial(ctx, cfg.StoreURL)
	if err != nil {
		util.LogError("failed to reach signaling store: %v", err)
		os.Exit(1)
	}

	var acq media.Acquirer
	if synthetic {
		acq = media.NewSynthetic()
	} else {
		devices, err := media.NewDevices()
		if err != nil {
			util.LogWarning("device capture unavailable (%v) — using synthetic media", err)
			acq = media.NewSynthetic()
		} else {
			acq = devices
		}
	}

	return app.NewController(st, acq, cfg), st
}

// waitForCall prints status transitions and blocks until the call reaches a
// terminal state or the user interrupts (which hangs up).
func waitForCall(ctx context.Context, cl *app.Call) {
	util.StartStatsReporter(ctx)

	done := make(chan app.State, 1)
	cl.OnState(func(s app.State) {
		util.LogInfo("status: %s", cl.StatusText())
		if s == app.StateEnded || s == app.StateFailed {
			select {
			case done <- s:
			default:
			}
		}
	})
	cl.OnRemoteStream(func(rs *transport.RemoteStream) {
		util.LogDebug("remote stream %s bound (%d tracks)", rs.ID(), len(rs.Tracks()))
		util.LogInfo("controls: [m]ute, [v]ideo off, [q]uit")
	})

	// In-call controls, one command per line.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "m":
				if cl.ToggleMute() {
					util.LogInfo("microphone muted")
				} else {
					util.LogInfo("microphone live")
				}
			case "v":
				if cl.ToggleCamera() {
					util.LogInfo("camera off")
				} else {
					util.LogInfo("camera on")
				}
			case "q":
				cl.End()
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		util.LogInfo("hanging up")
		cl.End()
		<-done

	case s := <-done:
		if s == app.StateFailed {
			util.LogError("%s", cl.StatusText())
			os.Exit(1)
		}
	}

	util.LogSuccess("call finished")
}

// askNonEmpty prompts until the user enters a non-empty value.
func askNonEmpty(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if value := strings.TrimSpace(raw); value != "" {
			pterm.Println()
			return value
		}

		util.LogWarning("value must not be empty")
		pterm.Println()
	}
}
