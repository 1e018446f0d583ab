// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package wsio implements the WebSocket Hub (§4.4): it upgrades an HTTP
// request, attaches a channel.Sink to a channel.Channel, replays the
// hello/snapshot sequence, and pumps client <-> channel traffic until
// disconnect.
//
// Grounded on the teacher's apps/sandbox/internal/ws client (ReadPump/
// WritePump split over a buffered output channel, ping ticker, pong
// deadline reset) and sandbox/internal/ws/router.go (the ALLOWED_ORIGINS
// CheckOrigin; here an unset ALLOWED_ORIGINS admits every origin). The per-session take/grant-control messages
// that client also carries have no analogue here: every channel has a
// single logical controller (the one browser tab attached to it), so
// there is no multi-writer arbitration to replicate.
package wsio

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/id"
	"github.com/pi5dash/dashboard-api/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outputBuffer   = 256
)

func allowedOrigins() []string {
	origins := os.Getenv("ALLOWED_ORIGINS")
	if origins == "" {
		return nil
	}
	return strings.Split(origins, ",")
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // same-origin / non-browser clients send no Origin header
	}
	allowed := allowedOrigins()
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || a == origin {
			return true
		}
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if strings.HasPrefix(origin, prefix) && isNumeric(strings.TrimPrefix(origin, prefix)) {
				return true
			}
		}
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// Client is one attached WebSocket connection, implementing channel.Sink.
type Client struct {
	id     string
	conn   *websocket.Conn
	ch     *channel.Channel
	output chan []byte
}

func (c *Client) ID() string { return c.id }

// SendJSON enqueues data for WritePump. A full buffer (a client that
// cannot keep up) is reported as an error so channel.Broadcast removes
// this sink on the next attempt, per §7's swallow-and-drop policy for
// broken sinks.
func (c *Client) SendJSON(data []byte) error {
	select {
	case c.output <- data:
		return nil
	default:
		return errFullBuffer
	}
}

var errFullBuffer = &bufferFullError{}

type bufferFullError struct{}

func (*bufferFullError) Error() string { return "wsio: client send buffer full" }

// Attach upgrades req/w to a WebSocket, sends the hello+snapshot sequence,
// registers a Client as a sink of ch, and blocks (running its own read and
// write pumps) until the connection closes. onDetach is invoked, after the
// sink has been removed, so the caller can broadcast an updated state to
// the channel's remaining sinks (§4.4 disconnect step) — the shape of
// "state" differs between a provider and a harness run, so wsio leaves
// building that message to the caller.
func Attach(w http.ResponseWriter, r *http.Request, ch *channel.Channel, helloState any, onDetach func()) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsio: upgrade failed: %v", err)
		return
	}

	client := &Client{id: id.New(), conn: conn, ch: ch, output: make(chan []byte, outputBuffer)}

	if hello, err := protocol.NewHello(helloState); err == nil {
		if data, err := json.Marshal(hello); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		}
	}

	ch.AddSink(client)

	done := make(chan struct{})
	go client.writePump(done)
	client.readPump(ch)
	close(done)

	ch.RemoveSink(client.id)
	conn.Close()
	if onDetach != nil {
		onDetach()
	}
}

func (c *Client) readPump(ch *channel.Channel) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypePing:
			var msg protocol.Ping
			json.Unmarshal(data, &msg)
			c.sendEvent(protocol.NewPong(msg.Ts))
		case protocol.TypeInput:
			var msg protocol.Input
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if err := ch.WriteInput([]byte(msg.Data)); err != nil {
				c.sendEvent(protocol.NewError(err.Error()))
			}
		case protocol.TypeResize:
			var msg protocol.Resize
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			ch.Resize(msg.Cols, msg.Rows)
		}
	}
}

func (c *Client) sendEvent(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.SendJSON(data)
}

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.output:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
