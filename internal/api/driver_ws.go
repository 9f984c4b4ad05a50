package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetops/internal/dispatch"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// gatewayMessage is the wire frame between a driver app and the gateway.
type gatewayMessage struct {
	Type    string          `json:"type"` // offer, offer_response, location, ping, pong
	OfferID string          `json:"offerId,omitempty"`
	Accept  bool            `json:"accept,omitempty"`
	Lat     float64         `json:"lat,omitempty"`
	Lng     float64         `json:"lng,omitempty"`
	Offer   *dispatch.Offer `json:"offer,omitempty"`
}

type driverConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *driverConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// DriverGateway holds live driver websocket connections and carries the
// dispatch offer protocol over them. A driver that is not connected cannot
// answer, so its offers time out unless AutoAcceptUnconnected is set.
type DriverGateway struct {
	Store                 store.Store
	AutoAcceptUnconnected bool

	mu      sync.Mutex
	conns   map[string]*driverConn
	pending map[string]chan bool // offer ID -> verdict
}

func NewDriverGateway(st store.Store) *DriverGateway {
	return &DriverGateway{
		Store:   st,
		conns:   map[string]*driverConn{},
		pending: map[string]chan bool{},
	}
}

// Offer implements the dispatch transport over the driver's live connection.
func (g *DriverGateway) Offer(ctx context.Context, driverID string, o dispatch.Offer) error {
	g.mu.Lock()
	conn := g.conns[driverID]
	g.mu.Unlock()
	if conn == nil {
		if g.AutoAcceptUnconnected {
			return nil
		}
		return dispatch.ErrOfferTimeout
	}

	verdict := make(chan bool, 1)
	g.mu.Lock()
	g.pending[o.ID] = verdict
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, o.ID)
		g.mu.Unlock()
	}()

	if err := conn.writeJSON(gatewayMessage{Type: "offer", OfferID: o.ID, Offer: &o}); err != nil {
		return dispatch.ErrOfferTimeout
	}
	select {
	case accepted := <-verdict:
		if !accepted {
			return dispatch.ErrOfferRejected
		}
		return nil
	case <-ctx.Done():
		return dispatch.ErrOfferTimeout
	}
}

// Connected reports whether the driver currently holds a live connection.
func (g *DriverGateway) Connected(driverID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[driverID] != nil
}

// ConnectedCount is the number of live driver connections.
func (g *DriverGateway) ConnectedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// ServeWS upgrades the request and runs the read loop for one driver.
func (g *DriverGateway) ServeWS(w http.ResponseWriter, r *http.Request, driverID string) {
	if _, err := g.Store.GetDriver(r.Context(), driverID); err != nil {
		writeProblem(w, http.StatusNotFound, "Driver not found", "", r.URL.Path)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &driverConn{ws: ws}
	g.mu.Lock()
	if prev := g.conns[driverID]; prev != nil {
		_ = prev.ws.Close()
	}
	g.conns[driverID] = conn
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.conns[driverID] == conn {
			delete(g.conns, driverID)
		}
		g.mu.Unlock()
		_ = ws.Close()
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg gatewayMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "offer_response":
			g.mu.Lock()
			ch := g.pending[msg.OfferID]
			g.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg.Accept:
				default:
				}
			}
		case "location":
			g.updateLocation(r.Context(), driverID, msg.Lat, msg.Lng)
		case "ping":
			_ = conn.writeJSON(gatewayMessage{Type: "pong"})
		}
	}
}

func (g *DriverGateway) updateLocation(ctx context.Context, driverID string, lat, lng float64) {
	_, _ = g.Store.MutateDriver(ctx, driverID, func(d *model.Driver) (*model.DriverTransition, error) {
		d.Location = model.GeoPoint{Lat: lat, Lng: lng}
		return nil, nil
	})
}
