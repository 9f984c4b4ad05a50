// Package main runs a demo driver client: it registers a driver, goes on
// shift, connects the websocket gateway, and accepts whatever the dispatcher
// offers.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type gatewayMsg struct {
	Type    string          `json:"type"`
	OfferID string          `json:"offerId,omitempty"`
	Accept  bool            `json:"accept,omitempty"`
	Lat     float64         `json:"lat,omitempty"`
	Lng     float64         `json:"lng,omitempty"`
	Offer   json.RawMessage `json:"offer,omitempty"`
}

func post(base, path string, body []byte) (*http.Response, error) {
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Register a driver and start the shift.
	resp, err := post(base, "/v1/drivers", []byte(`{"id":"drv_demo","name":"Demo Driver","location":{"lat":51.5074,"lng":-0.1278},"capacityWeightKg":60}`))
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	resp, err = post(base, "/v1/drivers/drv_demo/transition", []byte(`{"state":"AVAILABLE","reason":"shift start"}`))
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()

	// Connect the gateway.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/drivers/drv_demo/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m gatewayMsg
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s", m.Type, string(m.Offer))
			if m.Type == "offer" {
				var offer struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(m.Offer, &offer)
				if err := c.WriteJSON(gatewayMsg{Type: "offer_response", OfferID: offer.ID, Accept: true}); err != nil {
					log.Printf("accept: %v", err)
					return
				}
				log.Printf("accepted offer %s", offer.ID)
			}
		}
	}()

	// Place an order nearby and ask for an immediate assignment.
	resp, err = post(base, "/v1/orders", []byte(`{"id":"ord_demo","serviceType":"express","pickup":{"lat":51.5080,"lng":-0.1280},"dropoff":{"lat":51.5155,"lng":-0.1410},"weightKg":3.5}`))
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	time.Sleep(200 * time.Millisecond)
	resp, err = post(base, "/v1/orders/ord_demo/assign", []byte("{}"))
	if err != nil {
		log.Fatal(err)
	}
	var result map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&result)
	_ = resp.Body.Close()
	log.Printf("assignment: %v", result)

	// Report a couple of location pings, then hang up.
	for i := 0; i < 3; i++ {
		if err := c.WriteJSON(gatewayMsg{Type: "location", Lat: 51.5080 + float64(i)*0.001, Lng: -0.1280}); err != nil {
			log.Printf("location: %v", err)
			break
		}
		time.Sleep(300 * time.Millisecond)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
