// Transcript Viewer - live call transcripts in the browser.
// Consumes the transcript and lifecycle topics and fans events out over WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"call-relay-service/internal/models"
)

//go:embed static/*
var staticFiles embed.FS

// viewerEvent is what the page receives: one of the two payloads, tagged.
type viewerEvent struct {
	EventType string                       `json:"eventType"`
	Entry     *models.TranscriptEntryEvent `json:"entry,omitempty"`
	Ended     *models.CallEndedEvent       `json:"ended,omitempty"`
}

// Hub fans events out to connected browsers.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client connected. Total: %d", n)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client disconnected. Total: %d", n)
}

func (h *Hub) broadcast(ev viewerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		hub.add(conn)

		// Reads only detect the browser going away.
		go func() {
			defer hub.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// decode maps a Kafka message value to a viewer event.
func decode(value []byte) (viewerEvent, bool) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return viewerEvent{}, false
	}
	ev := viewerEvent{EventType: head.EventType}
	switch head.EventType {
	case models.EventTypeTranscriptEntry:
		ev.Entry = &models.TranscriptEntryEvent{}
		if err := json.Unmarshal(value, ev.Entry); err != nil {
			return viewerEvent{}, false
		}
	case models.EventTypeCallEnded:
		ev.Ended = &models.CallEndedEvent{}
		if err := json.Unmarshal(value, ev.Ended); err != nil {
			return viewerEvent{}, false
		}
	default:
		return viewerEvent{}, false
	}
	return ev, true
}

func consumeKafka(ctx context.Context, hub *Hub, brokers, topic string, since time.Duration) {
	// Use partition reader without consumer group (works better through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		log.Printf("Could not seek %s, reading from the start: %v", topic, err)
	}
	log.Printf("Consuming from Kafka topic: %s partition 0 (last %v)", topic, since)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		ev, ok := decode(msg.Value)
		if !ok {
			log.Printf("Skipping undecodable message on %s (key %s)", topic, msg.Key)
			continue
		}
		switch {
		case ev.Entry != nil:
			log.Printf("[%s] #%d %s: %s", ev.Entry.CallID, ev.Entry.Seq, ev.Entry.Role, ev.Entry.Text)
		case ev.Ended != nil:
			log.Printf("[%s] call ended: %s, %d entries", ev.Ended.CallID, ev.Ended.Reason, ev.Ended.Entries)
		}
		hub.broadcast(ev)
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicTranscript := flag.String("topic-transcript", "call.transcript.entry", "Transcript entry topic")
	topicLifecycle := flag.String("topic-lifecycle", "call.ended", "Call lifecycle topic")
	since := flag.Duration("since", time.Hour, "Replay messages newer than this")
	flag.Parse()

	hub := newHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumeKafka(ctx, hub, *brokers, *topicTranscript, *since)
	go consumeKafka(ctx, hub, *brokers, *topicLifecycle, *since)

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("static files: %v", err)
	}
	http.Handle("/", http.FileServer(http.FS(staticFS)))
	http.HandleFunc("/ws", wsHandler(hub))

	log.Printf("Transcript Viewer starting on http://localhost:%s", *port)
	log.Printf("   Kafka brokers: %s", *brokers)
	log.Printf("   Topics: %s, %s", *topicTranscript, *topicLifecycle)

	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
