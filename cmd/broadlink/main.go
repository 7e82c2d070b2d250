// Broadlink — CLI entry point.
//
// This tool bridges a broadcast room channel (WebSocket relay or WebRTC
// star) into a client/server shaped transport, and drives it with a small
// line-chat session so a room can be exercised end to end.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -app, -room, -server, -medium, -listen).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/broadlink/internal/config"
	"github.com/1ureka/broadlink/internal/medium"
	"github.com/1ureka/broadlink/internal/registry"
	"github.com/1ureka/broadlink/internal/transport"
	"github.com/1ureka/broadlink/internal/util"
)

var version = "dev"

// pollInterval is the synthetic frame tick: the embedding application owns
// the poll cadence, and for a chat loop 50ms is plenty.
const pollInterval = 50 * time.Millisecond

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: host or client")
	appID := flag.String("app", "broadlink", "Application ID (broadcast scope)")
	roomID := flag.String("room", "", "Room ID within the application scope")
	serverURL := flag.String("server", "", "ws(s):// URL of the room relay (client, or host with -medium ws)")
	mediumKind := flag.String("medium", "webrtc", "Broadcast medium: webrtc or ws")
	listenAddr := flag.String("listen", ":0", "Signaling listen address (host with -medium webrtc)")
	name := flag.String("name", "", "Peer identity (random when empty)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Broadlink — v%s", version))
	pterm.Println()

	switch config.Role(*role) {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, *mediumKind, *listenAddr)

	case config.RoleHost:
		if *roomID == "" {
			util.LogError("missing -room for host role")
			os.Exit(1)
		}
		runHost(ctx, *appID, *roomID, *mediumKind, *serverURL, *listenAddr, *name)

	case config.RoleClient:
		if *roomID == "" || *serverURL == "" {
			util.LogError("missing -room or -server for client role")
			os.Exit(1)
		}
		runClient(ctx, *appID, *roomID, *mediumKind, *serverURL, *name)

	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, mediumKind, listenAddr string) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host   — Open a room", "Client — Join a room"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	roomID := askText("Room ID")
	if strings.HasPrefix(role, "Host") {
		runHost(ctx, "broadlink", roomID, mediumKind, "", listenAddr, "")
	} else {
		serverURL := askText("Server URL (e.g. ws://host.example:8787)")
		runClient(ctx, "broadlink", roomID, mediumKind, serverURL, "")
	}
}

// runHost opens the room as its authority and relays the chat session.
func runHost(ctx context.Context, appID, roomID, mediumKind, serverURL, listenAddr, name string) {
	cfg := config.Default()
	cfg.AppID = appID
	cfg.RoomID = roomID
	cfg.IsHost = true
	cfg.PeerID = peerID(name)

	med := buildMedium(mediumKind, true, serverURL, listenAddr, cfg.PeerID)

	tr := transport.New(cfg, med)
	tr.Initialize()
	defer tr.Shutdown()

	if !tr.StartServer() {
		util.LogError("failed to open room %s/%s", appID, roomID)
		os.Exit(1)
	}

	if hub, ok := med.(*medium.WebRTCHost); ok {
		util.LogSuccess("room open — clients join with -server ws://<this-host>%s", portSuffix(hub))
	} else {
		util.LogSuccess("room open on relay %s", serverURL)
	}

	util.StartStatsReporter(ctx)
	runSession(ctx, tr)
}

// runClient joins the room and relays the chat session.
func runClient(ctx context.Context, appID, roomID, mediumKind, serverURL, name string) {
	cfg := config.Default()
	cfg.AppID = appID
	cfg.RoomID = roomID
	cfg.PeerID = peerID(name)
	cfg.ConnectPayload = []byte(cfg.PeerID)

	med := buildMedium(mediumKind, false, serverURL, "", cfg.PeerID)

	tr := transport.New(cfg, med)
	tr.Initialize()
	defer tr.Shutdown()

	if !tr.StartClient() {
		util.LogError("failed to join room %s/%s", appID, roomID)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	runSession(ctx, tr)
}

// ---------------------------------------------------------------------------
// Session loop
// ---------------------------------------------------------------------------

// runSession pumps the transport once per tick and bridges stdin lines into
// broadcast sends. All transport calls stay on this goroutine; stdin is
// read on a side goroutine that only feeds a channel.
func runSession(ctx context.Context, tr *transport.Transport) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	peers := make(map[registry.Handle]struct{})
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				ev := tr.Poll()
				if ev.Type == transport.EventNothing {
					break
				}
				switch ev.Type {
				case transport.EventConnect:
					peers[ev.Handle] = struct{}{}
					util.LogSuccess("handle %d connected", ev.Handle)
				case transport.EventDisconnect:
					delete(peers, ev.Handle)
					util.LogWarning("handle %d disconnected", ev.Handle)
				case transport.EventData:
					pterm.Println(pterm.Gray(fmt.Sprintf("[%d] ", ev.Handle)) + string(ev.Payload))
				}
			}

		case line := <-lines:
			if line == "" {
				continue
			}
			// One send reaches every room member; the handle only gates
			// the call, so any live handle will do.
			target := transport.ServerHandle
			for h := range peers {
				target = h
				break
			}
			tr.Send(target, []byte(line), transport.Unreliable)

		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// buildMedium selects the broadcast medium implementation.
func buildMedium(kind string, isHost bool, serverURL, listenAddr, peerID string) medium.Medium {
	switch kind {
	case "webrtc":
		if isHost {
			return medium.NewWebRTCHost(listenAddr)
		}
		return medium.NewWebRTCClient(serverURL, peerID)
	case "ws":
		return medium.NewWSMedium(serverURL, peerID)
	default:
		util.LogError("invalid -medium: must be 'webrtc' or 'ws'")
		os.Exit(1)
		return nil
	}
}

// peerID returns name, or a platform-style random identity when empty.
func peerID(name string) string {
	if name != "" {
		return name
	}
	return uuid.NewString()
}

// portSuffix renders the hub's listener port as ":NNNN" for the join hint.
func portSuffix(hub *medium.WebRTCHost) string {
	addr := hub.Addr()
	if addr == nil {
		return ""
	}
	s := addr.String()
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i:]
	}
	return s
}

// askText prompts until a non-empty line is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if text := strings.TrimSpace(raw); text != "" {
			pterm.Println()
			return text
		}

		util.LogWarning("input must not be empty")
		pterm.Println()
	}
}
