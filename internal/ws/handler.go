package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"telemed/internal/models"
	"telemed/internal/queue"
	"telemed/internal/registry"
	"telemed/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Входящие события живого соединения.
const (
	eventPatientJoinQueue         = "PATIENT_JOIN_QUEUE"
	eventInviteNextPatient        = "INVITE_NEXT_PATIENT"
	eventEndConsultation          = "END_CONSULTATION"
	eventLeaveQueue               = "LEAVE_QUEUE"
	eventSwitchDoctorAvailability = "SWITCH_DOCTOR_AVAILABILITY"
	eventJoinDoctorRoom           = "JOIN_DOCTOR_ROOM"
)

type inboundEvent struct {
	Event          string `json:"event"`
	DoctorID       uint   `json:"doctor_id"`
	PatientID      uint   `json:"patient_id"`
	ConsultationID uint   `json:"consultation_id"`
	RoomName       string `json:"room_name"`
	IsAvailable    bool   `json:"is_available"`
}

// Настраиваем апгрейдер для WebSocket с разрешением всех источников.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS обновляет соединение до WebSocket и регистрирует участника.
// Рукопожатие несёт userType (doctor|patient) и userId в query:
// /ws?userType=patient&userId=42
func (h *Hub) ServeWS(c *gin.Context) {
	userType := c.Query("userType")
	userIDStr := c.Query("userId")
	userID, err := strconv.Atoi(userIDStr)
	if err != nil || userID <= 0 || (userType != "doctor" && userType != "patient") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Необходимо указать userType (doctor|patient) и userId"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		http.Error(c.Writer, "Ошибка обновления до WebSocket", http.StatusInternalServerError)
		return
	}

	client := &Client{
		Hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		ID:     uuid.NewString(),
		Role:   registry.Role(userType),
		UserID: uint(userID),
	}
	h.register <- client
	h.registry.Register(client.Role, client.UserID, client.ID)

	// Запоминаем соединение в активных записях пациента — поле best-effort,
	// после переподключения обновится само.
	if client.Role == registry.RolePatient {
		storage.DB.Model(&models.QueueEntry{}).
			Where("patient_id = ? AND status IN ?", client.UserID,
				[]string{models.EntryStatusWaiting, models.EntryStatusInConsultation}).
			Update("socket_id", client.ID)
	}

	go client.writePump()
	client.readPump()
}

// handleEvent разбирает входящее событие и вызывает координатор.
// Ошибки уходят событием ERROR только инициатору — остальных
// участников неудавшаяся операция не касается.
func (h *Hub) handleEvent(c *Client, message []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		h.sendError(c, "Не удалось разобрать событие")
		return
	}

	switch ev.Event {
	case eventPatientJoinQueue:
		patientID := ev.PatientID
		if patientID == 0 {
			patientID = c.UserID
		}
		if _, err := h.coordinator.Join(ev.DoctorID, patientID); err != nil {
			h.sendError(c, err.Error())
		}
	case eventLeaveQueue:
		patientID := ev.PatientID
		if patientID == 0 {
			patientID = c.UserID
		}
		if _, err := h.coordinator.Leave(ev.DoctorID, patientID); err != nil {
			h.sendError(c, err.Error())
		}
	case eventInviteNextPatient:
		if _, err := h.coordinator.InviteNext(ev.DoctorID); err != nil {
			if errors.Is(err, queue.ErrNoWaitingPatients) {
				h.send(c.ID, Event{Event: queue.EventNoWaitingPatients})
				return
			}
			h.sendError(c, err.Error())
		}
	case eventEndConsultation:
		if err := h.coordinator.EndConsultation(ev.ConsultationID); err != nil {
			h.sendError(c, err.Error())
		}
	case eventSwitchDoctorAvailability:
		if err := h.coordinator.SetAvailability(ev.DoctorID, ev.IsAvailable); err != nil {
			h.sendError(c, err.Error())
		}
	case eventJoinDoctorRoom:
		// Врач объявляет себя и сразу получает снимок своей очереди.
		// Личность берём из рукопожатия соединения, а не из события:
		// пациент не может перепривязать чужой кабинет на себя.
		if c.Role != registry.RoleDoctor {
			h.sendError(c, "Событие доступно только врачу")
			return
		}
		h.registry.Register(registry.RoleDoctor, c.UserID, c.ID)
		views, err := h.coordinator.ActiveList(c.UserID)
		if err != nil {
			h.sendError(c, err.Error())
			return
		}
		h.send(c.ID, Event{Event: queue.EventQueueChanged, Data: map[string]interface{}{"queue": views}})
	default:
		h.sendError(c, "Неизвестное событие: "+ev.Event)
	}
}

// handleDisconnect запускает очистку после обрыва соединения.
// Обрыв никогда не порождает событие ERROR — только лог.
func (h *Hub) handleDisconnect(c *Client) {
	role, id, ok := h.registry.Unregister(c.ID)
	if !ok {
		return
	}
	log.Printf("Обрыв соединения: %s %d", role, id)
	switch role {
	case registry.RolePatient:
		h.coordinator.PatientDisconnected(id)
	case registry.RoleDoctor:
		h.coordinator.DoctorDisconnected(id)
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.send(c.ID, Event{Event: "ERROR", Data: map[string]interface{}{"message": message}})
}
