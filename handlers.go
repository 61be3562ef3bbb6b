package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kwv/procam/procam"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // status page may be served from another host on the LAN
	},
}

// wsMessage is a status update or command acknowledgement sent over /ws
type wsMessage struct {
	Type    string         `json:"type"` // status, ack, error
	Status  *procam.Status `json:"status,omitempty"`
	Command procam.Command `json:"command,omitempty"`
	Message string         `json:"message,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *procam.StatusTracker, controls *procam.Controls, config *procam.Config, printed, projected *procam.PatternShape) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string       `json:"status"`
			Timestamp time.Time    `json:"timestamp"`
			State     procam.State `json:"state"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			State:     tracker.Status().State,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("[HTTP] Error encoding health status: %v", err)
		}
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(tracker.Status()); err != nil {
			log.Printf("[HTTP] Error encoding status: %v", err)
		}
	})

	mux.HandleFunc("/status.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := procam.WriteStatusPNG(w, tracker.Status()); err != nil {
			log.Printf("[HTTP] Error encoding status PNG: %v", err)
		}
	})

	shapes := map[procam.Device]*procam.PatternShape{
		procam.DeviceCamera:    printed,
		procam.DeviceProjector: projected,
	}
	for device, shape := range shapes {
		for _, format := range []string{"svg", "png"} {
			path := fmt.Sprintf("/coverage/%s.%s", device, format)
			mux.HandleFunc(path, coverageHandler(tracker, config, device, shape, format))
		}
	}

	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err != nil {
			http.Error(w, "Error reading body", http.StatusBadRequest)
			return
		}
		cmd, err := procam.ParseCommandPayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		log.Printf("[HTTP] Command %s from %s", cmd, r.RemoteAddr)
		controls.Issue(cmd)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(wsMessage{Type: "ack", Command: cmd}); err != nil {
			log.Printf("[HTTP] Error encoding command ack: %v", err)
		}
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleStatusWS(w, r, tracker, controls)
	})

	return mux
}

func coverageHandler(tracker *procam.StatusTracker, config *procam.Config, device procam.Device, shape *procam.PatternShape, format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		renderer, err := procam.NewCoverageRenderer(device, tracker.Snapshot(), config, shape)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		if format == "svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
			err = renderer.RenderToSVG(w)
		} else {
			w.Header().Set("Content-Type", "image/png")
			err = renderer.RenderToPNG(w)
		}
		if err != nil {
			log.Printf("[HTTP] Error rendering %s coverage: %v", device, err)
		}
	}
}

// handleStatusWS streams status updates and accepts commands on one connection
func handleStatusWS(w http.ResponseWriter, r *http.Request, tracker *procam.StatusTracker, controls *procam.Controls) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HTTP] WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()

	var writeMu sync.Mutex
	send := func(msg wsMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(msg)
	}

	current := tracker.Status()
	if err := send(wsMessage{Type: "status", Status: &current}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[HTTP] WebSocket error: %v", err)
				}
				return
			}
			cmd, err := procam.ParseCommandPayload(payload)
			if err != nil {
				send(wsMessage{Type: "error", Message: err.Error()})
				continue
			}
			log.Printf("[HTTP] WebSocket command %s", cmd)
			controls.Issue(cmd)
			send(wsMessage{Type: "ack", Command: cmd})
		}
	}()

	for {
		select {
		case <-done:
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := send(wsMessage{Type: "status", Status: &st}); err != nil {
				return
			}
		}
	}
}
