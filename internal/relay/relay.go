// package relay bridges live audio between the two legs of a connected call.
// Each leg holds a websocket carrying JSON media frames; the relay forwards
// inbound audio from one leg verbatim to the other. Either side dropping
// tears down the whole bridge, a half-open relay is never left behind.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	LegCaller = "caller"
	LegAgent  = "agent"
)

// Frame is one message on a media websocket. Only inbound media frames are
// forwarded; everything else (marks, outbound echoes, control chatter) is
// dropped to avoid echo loops.
type Frame struct {
	Event    string          `json:"event"`
	StreamID string          `json:"streamSid,omitempty"`
	Track    string          `json:"track,omitempty"`
	Payload  json.RawMessage `json:"media,omitempty"`
}

type leg struct {
	conn *websocket.Conn
	name string
}

// bridge pairs the two legs of one call.
type bridge struct {
	callSID string
	mu      sync.Mutex
	legs    map[string]*leg
	started bool
	closer  sync.Once
	done    chan struct{}
}

// Registry owns the active bridges, keyed by carrier call id.
type Registry struct {
	mu      sync.Mutex
	bridges map[string]*bridge
}

func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*bridge)}
}

// Attach registers a leg's websocket under a call. When both legs are
// present forwarding starts; Attach then blocks until the bridge tears
// down, so the HTTP handler keeps the connection alive for its lifetime.
func (r *Registry) Attach(callSID, legName string, conn *websocket.Conn) error {
	if legName != LegCaller && legName != LegAgent {
		return fmt.Errorf("unknown leg %q", legName)
	}

	r.mu.Lock()
	b, ok := r.bridges[callSID]
	if !ok {
		b = &bridge{
			callSID: callSID,
			legs:    make(map[string]*leg),
			done:    make(chan struct{}),
		}
		r.bridges[callSID] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	if _, dup := b.legs[legName]; dup {
		b.mu.Unlock()
		return fmt.Errorf("leg %q already attached for call %s", legName, callSID)
	}
	b.legs[legName] = &leg{conn: conn, name: legName}
	start := !b.started && len(b.legs) == 2
	if start {
		b.started = true
	}
	b.mu.Unlock()

	if start {
		go b.run(r)
	}

	<-b.done
	return nil
}

// Teardown force-closes the bridge for a call, if one exists. Used when the
// call ends through the status path before the sockets notice.
func (r *Registry) Teardown(callSID string) {
	r.mu.Lock()
	b, ok := r.bridges[callSID]
	r.mu.Unlock()
	if ok {
		b.close(r)
	}
}

// Active reports whether a bridge exists for the call.
func (r *Registry) Active(callSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bridges[callSID]
	return ok
}

func (b *bridge) run(r *Registry) {
	b.mu.Lock()
	caller := b.legs[LegCaller]
	agent := b.legs[LegAgent]
	b.mu.Unlock()

	log.Printf("[relay] bridging %s", b.callSID)
	stop := func() { b.close(r) }

	go b.forward(caller, agent, stop)
	go b.forward(agent, caller, stop)
}

// forward pumps inbound media frames from src to dst until either socket
// fails, then tears down both.
func (b *bridge) forward(src, dst *leg, stop func()) {
	defer stop()
	for {
		_, data, err := src.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[relay] %s read on %s leg: %v", b.callSID, src.name, err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[relay] %s malformed frame on %s leg: %v", b.callSID, src.name, err)
			continue
		}
		if frame.Event != "media" || frame.Track != "inbound" {
			continue
		}
		if err := dst.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[relay] %s write to %s leg: %v", b.callSID, dst.name, err)
			return
		}
	}
}

func (b *bridge) close(r *Registry) {
	b.closer.Do(func() {
		b.mu.Lock()
		legs := make([]*leg, 0, len(b.legs))
		for _, l := range b.legs {
			legs = append(legs, l)
		}
		b.mu.Unlock()

		for _, l := range legs {
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge closed"))
			l.conn.Close()
		}

		r.mu.Lock()
		delete(r.bridges, b.callSID)
		r.mu.Unlock()

		close(b.done)
		log.Printf("[relay] bridge for %s closed", b.callSID)
	})
}
