package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"telemed/internal/queue"
	"telemed/internal/registry"

	"github.com/gorilla/websocket"
)

// Event — исходящее сообщение живого соединения.
type Event struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Hub хранит активные соединения по их id и доставляет адресные события.
// Принадлежность соединения врачу или пациенту отслеживает Registry.
type Hub struct {
	registry    *registry.Registry
	coordinator *queue.Coordinator

	// Канал для регистрации нового клиента.
	register chan *Client
	// Канал для удаления клиента.
	unregister chan *Client
	// Mutex для защиты карты клиентов.
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		registry:   reg,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]*Client),
	}
}

// SetCoordinator подключает координатор очереди (вызывается один раз при старте).
func (h *Hub) SetCoordinator(c *queue.Coordinator) {
	h.coordinator = c
}

// Run запускает цикл обработки каналов хаба.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
		}
	}
}

// ToDoctor отправляет событие живому соединению врача, если он онлайн.
func (h *Hub) ToDoctor(doctorID uint, event string, data map[string]interface{}) {
	if connID, ok := h.registry.Lookup(registry.RoleDoctor, doctorID); ok {
		h.send(connID, Event{Event: event, Data: data})
	}
}

// ToPatient отправляет событие живому соединению пациента, если он онлайн.
func (h *Hub) ToPatient(patientID uint, event string, data map[string]interface{}) {
	if connID, ok := h.registry.Lookup(registry.RolePatient, patientID); ok {
		h.send(connID, Event{Event: event, Data: data})
	}
}

// send сериализует событие и кладёт его в канал соединения.
// Переполненный канал означает зависшего клиента — соединение выбрасывается.
func (h *Hub) send(connID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Println("Ошибка сериализации WS события:", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[connID]
	if !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		close(client.Send)
		delete(h.clients, connID)
	}
}

// Client представляет одно подключение через WebSocket.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	ID     string // id соединения (uuid), ключ в Registry
	Role   registry.Role
	UserID uint
}

// readPump читает входящие события и передаёт их диспетчеру.
// Выход из цикла означает обрыв соединения — запускается очистка.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Hub.handleDisconnect(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}
		c.Hub.handleEvent(c, message)
	}
}

// writePump отправляет сообщения клиенту из канала Send.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Канал закрыт.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			// Отправка ping-сообщения для поддержания соединения.
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
