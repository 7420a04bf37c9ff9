package httpapi

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// sseWriteTimeout bounds writes to SSE clients so a stale
	// connection cannot block a broadcast.
	sseWriteTimeout = 2 * time.Second
)

// sseClient represents one connected SSE client on a topic.
type sseClient struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	id      string
	topic   string
}

// Broadcaster fans events out to SSE clients grouped by topic (one
// topic per session transcript).
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[string]*sseClient
	nextID int
}

// NewBroadcaster creates an empty SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{topics: make(map[string]map[string]*sseClient)}
}

func (b *Broadcaster) addClient(topic string, w http.ResponseWriter) (*sseClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &sseClient{
		id:      fmt.Sprintf("client-%d", b.nextID),
		topic:   topic,
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*sseClient)
	}
	b.topics[topic][client.id] = client
	count := len(b.topics[topic])
	b.mu.Unlock()

	log.Debug().
		Str("clientId", client.id).
		Str("topic", topic).
		Int("topicClients", count).
		Msg("SSE client connected")
	return client, nil
}

func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	set, ok := b.topics[client.topic]
	if ok {
		if _, exists := set[client.id]; exists {
			delete(set, client.id)
			select {
			case <-client.done:
			default:
				close(client.done)
			}
		}
		if len(set) == 0 {
			delete(b.topics, client.topic)
		}
	}
	b.mu.Unlock()

	log.Debug().
		Str("clientId", client.id).
		Str("topic", client.topic).
		Msg("SSE client disconnected")
}

// Publish sends data to every client subscribed to the topic. Writes
// run concurrently with a per-client timeout; clients that fail or time
// out are removed.
func (b *Broadcaster) Publish(topic string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", jsonData)

	b.mu.RLock()
	clients := make([]*sseClient, 0, len(b.topics[topic]))
	for _, client := range b.topics[topic] {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	deadCh := make(chan *sseClient, len(clients))
	var wg sync.WaitGroup
	for _, client := range clients {
		select {
		case <-client.done:
			continue
		default:
			wg.Add(1)
			go func(c *sseClient) {
				defer wg.Done()
				b.writeToClient(c, message, deadCh)
			}(client)
		}
	}
	wg.Wait()
	close(deadCh)

	for client := range deadCh {
		b.removeClient(client)
	}
}

func (b *Broadcaster) writeToClient(client *sseClient, message string, deadCh chan<- *sseClient) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := client.writer.Write([]byte(message)); err != nil {
			log.Debug().
				Str("clientId", client.id).
				Err(err).
				Msg("Failed to write to SSE client, marking for removal")
			deadCh <- client
			return
		}
		client.flusher.Flush()
	}()

	select {
	case <-done:
	case <-time.After(sseWriteTimeout):
		log.Warn().
			Str("clientId", client.id).
			Dur("timeout", sseWriteTimeout).
			Msg("SSE write timed out, marking client for removal")
		deadCh <- client
	case <-client.done:
		// Client disconnected during write.
	}
}

// TopicClientCount returns the number of connected clients on a topic.
func (b *Broadcaster) TopicClientCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Serve handles one SSE subscription on the topic, blocking until the
// client disconnects.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, topic string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.addClient(topic, w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.removeClient(client)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":%q}\n\n", client.id)
	client.flusher.Flush()

	<-r.Context().Done()
}
