package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"

	"github.com/sirupsen/logrus"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type HubOptions struct {
	MaxConnPerOperator int
	MaxMessageSize     int64
	WriteWait          time.Duration
	PongWait           time.Duration
	PingPeriod         time.Duration
}

// Hub fans pipeline notifications out to connected operators.
type Hub struct {
	clients        map[string]*Client
	operatorIndex  map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	done           chan struct{}
	maxConnPerOp   int
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	log            *logrus.Entry
}

func NewHub(opts HubOptions, log *logrus.Entry) *Hub {
	if opts.MaxConnPerOperator < 1 {
		opts.MaxConnPerOperator = 5
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 65536
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	return &Hub{
		clients:        make(map[string]*Client),
		operatorIndex:  make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		done:           make(chan struct{}),
		maxConnPerOp:   opts.MaxConnPerOperator,
		maxMessageSize: opts.MaxMessageSize,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		log:            logging.OrDiscard(log, "websocket"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case clientMsg := <-h.HandleMessage:
			h.processMessage(clientMsg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if h.operatorIndex[client.Operator] == nil {
		h.operatorIndex[client.Operator] = make(map[string]bool)
	}

	if len(h.operatorIndex[client.Operator]) >= h.maxConnPerOp {
		h.log.WithField("operator", client.Operator).Warn("max connections reached for operator")
		close(client.Send)
		return
	}

	h.clients[client.ID] = client
	h.operatorIndex[client.Operator][client.ID] = true

	h.log.WithFields(logrus.Fields{"client": client.ID, "operator": client.Operator}).Info("operator connected")
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	delete(h.operatorIndex[client.Operator], client.ID)
	if len(h.operatorIndex[client.Operator]) == 0 {
		delete(h.operatorIndex, client.Operator)
	}
	close(client.Send)

	h.log.WithField("client", client.ID).Info("operator disconnected")
}

func (h *Hub) closeAll() {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	for id, client := range h.clients {
		close(client.Send)
		delete(h.clients, id)
	}
	h.operatorIndex = make(map[string]map[string]bool)
}

func (h *Hub) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		h.log.WithError(err).WithField("client", clientMsg.Client.ID).Warn("unreadable operator message")
		return
	}

	switch msg.Type {
	case TypePing:
		pong, err := NewMessage(TypePong, nil)
		if err != nil {
			return
		}
		h.SendToClient(clientMsg.Client.ID, pong)
	default:
		h.log.WithField("type", msg.Type).Debug("ignoring operator message")
	}
}

// Broadcast sends message to every operator. Clients whose buffers are full
// are disconnected.
func (h *Hub) Broadcast(message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var slow []*Client
	h.clientsMutex.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- messageBytes:
		default:
			slow = append(slow, client)
		}
	}
	h.clientsMutex.RUnlock()

	for _, client := range slow {
		h.log.WithField("client", client.ID).Warn("send buffer full, closing connection")
		h.unregisterClient(client)
	}
	return nil
}

func (h *Hub) SendToClient(clientID string, message *Message) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return
	}

	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()

	client, exists := h.clients[clientID]
	if !exists {
		return
	}
	select {
	case client.Send <- messageBytes:
	default:
		h.log.WithField("client", clientID).Warn("send buffer full")
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Connections() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) ConflictDetected(conflict *domain.SyncConflict) {
	h.notify(TypeConflictDetected, conflictPayload(conflict))
}

func (h *Hub) ConflictResolved(conflict *domain.SyncConflict) {
	h.notify(TypeConflictResolved, conflictPayload(conflict))
}

func (h *Hub) SyncFailed(event *domain.SyncEvent, err error) {
	payload := SyncFailedPayload{
		TransactionID: event.TransactionID,
		EntityType:    string(event.EntityType),
		EntityID:      event.EntityID,
		Operation:     string(event.Operation),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	h.notify(TypeSyncFailed, payload)
}

func (h *Hub) notify(msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err == nil {
		err = h.Broadcast(msg)
	}
	if err != nil {
		h.log.WithError(err).WithField("type", msgType).Error("failed to broadcast notification")
	}
}

func conflictPayload(c *domain.SyncConflict) ConflictPayload {
	p := ConflictPayload{
		ConflictID:    c.ID,
		EntityType:    string(c.EntityType),
		EntityID:      c.EntityID,
		Title:         c.Title,
		DetectedAt:    c.DetectedAt,
		IncomingClock: c.IncomingClock,
		StoredClock:   c.StoredClock,
	}
	if c.ResolutionStrategy != nil {
		p.Strategy = string(*c.ResolutionStrategy)
	}
	return p
}
