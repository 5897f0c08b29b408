// room-client-go is a signaling smoke client for E2E runs. It joins a room,
// prints every relay event as a JSON line, and negotiates a data channel with
// the room's other member: the host offers, a viewer answers. It prints
// "OPEN <label>" and exits 0 once the channel opens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
)

const channelLabel = "room-smoke"

func main() {
	relayURL := envOrDefault("RELAY_URL", "ws://127.0.0.1:8080/webrtc/signal")
	roomID := envOrDefault("ROOM_ID", "smoke")
	timeout := time.Duration(envIntOrDefault("TIMEOUT_SECONDS", 30)) * time.Second

	u, err := url.Parse(relayURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse RELAY_URL: %v\n", err)
		os.Exit(2)
	}
	q := u.Query()
	if v := os.Getenv("API_KEY"); v != "" {
		q.Set("apiKey", v)
	}
	if v := os.Getenv("TOKEN"); v != "" {
		q.Set("token", v)
	}
	u.RawQuery = q.Encode()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := websocket.Dialer{
		Subprotocols:     []string{protocol.SubprotocolJSON},
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", u.Redacted(), err)
		os.Exit(1)
	}
	defer ws.Close()

	c := &client{ws: ws, roomID: roomID, opened: make(chan string, 1)}
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	if err := c.send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID}); err != nil {
		fmt.Fprintf(os.Stderr, "join: %v\n", err)
		os.Exit(1)
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop() }()

	select {
	case label := <-c.opened:
		fmt.Printf("OPEN %s\n", label)
		_ = c.send(&protocol.Message{Type: protocol.TypeLeaveRoom, RoomID: roomID})
		c.closePeer()
	case err := <-readErr:
		c.closePeer()
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "timed out waiting for data channel")
		} else {
			fmt.Fprintf(os.Stderr, "signaling closed: %v\n", err)
		}
		os.Exit(1)
	}
}

type client struct {
	ws     *websocket.Conn
	roomID string
	opened chan string

	// writeMu serializes WebSocket writes; pion callbacks send candidates from
	// its own goroutines.
	writeMu sync.Mutex

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

func (c *client) send(m *protocol.Message) error {
	data, err := protocol.JSON.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *client) readLoop() error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		fmt.Println(string(data))

		msg, err := protocol.JSON.Decode(data)
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *client) handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeUserJoined:
		// Only the host hears about joins; offer to the newcomer.
		return c.offer()
	case protocol.TypeOffer:
		return c.answer(msg)
	case protocol.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Answer, &desc); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		pc := c.peer()
		if pc == nil {
			return nil
		}
		// A later viewer's answer to an offer that is already settled.
		if err := pc.SetRemoteDescription(desc); err != nil {
			fmt.Fprintf(os.Stderr, "ignoring answer from %s: %v\n", msg.UserID, err)
		}
	case protocol.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		if pc := c.peer(); pc != nil {
			_ = pc.AddICECandidate(cand)
		}
	case protocol.TypeError:
		fmt.Fprintf(os.Stderr, "relay error %s: %s\n", msg.Code, msg.Message)
	}
	return nil
}

func (c *client) peer() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *client) closePeer() {
	if pc := c.peer(); pc != nil {
		_ = pc.Close()
	}
}

func (c *client) newPeer() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		_ = c.send(&protocol.Message{Type: protocol.TypeICECandidate, RoomID: c.roomID, Candidate: raw})
	})

	c.mu.Lock()
	old := c.pc
	c.pc = pc
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return pc, nil
}

func (c *client) watchChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		select {
		case c.opened <- dc.Label():
		default:
		}
	})
}

func (c *client) offer() error {
	pc, err := c.newPeer()
	if err != nil {
		return err
	}
	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		return err
	}
	c.watchChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return c.send(&protocol.Message{Type: protocol.TypeOffer, RoomID: c.roomID, Offer: raw})
}

func (c *client) answer(msg protocol.Message) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Offer, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	pc, err := c.newPeer()
	if err != nil {
		return err
	}
	pc.OnDataChannel(c.watchChannel)

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.send(&protocol.Message{
		Type:     protocol.TypeAnswer,
		RoomID:   c.roomID,
		ToUserID: msg.UserID,
		Answer:   raw,
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
