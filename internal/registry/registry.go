package registry

import "sync"

// Role определяет тип участника живого соединения.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

type owner struct {
	Role Role
	ID   uint
}

// Registry хранит соответствие "идентификатор участника -> id живого соединения".
// Состояние только в памяти процесса: после рестарта все клиенты обязаны
// заново объявить себя при подключении.
type Registry struct {
	mu       sync.RWMutex
	doctors  map[uint]string
	patients map[uint]string
	// Обратный индекс по id соединения, чтобы Unregister не сканировал карты.
	byConn map[string]owner
}

func New() *Registry {
	return &Registry{
		doctors:  make(map[uint]string),
		patients: make(map[uint]string),
		byConn:   make(map[string]owner),
	}
}

// Register идемпотентно привязывает участника к соединению.
// Повторное подключение того же участника вытесняет старую привязку.
func (r *Registry) Register(role Role, id uint, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	forward := r.forward(role)
	if old, ok := forward[id]; ok && old != connID {
		delete(r.byConn, old)
	}
	forward[id] = connID
	r.byConn[connID] = owner{Role: role, ID: id}
}

// Lookup возвращает id живого соединения участника, если он онлайн.
func (r *Registry) Lookup(role Role, id uint) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.forward(role)[id]
	return connID, ok
}

// Unregister снимает привязку по id соединения и сообщает, кому оно принадлежало.
func (r *Registry) Unregister(connID string) (Role, uint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	own, ok := r.byConn[connID]
	if !ok {
		return "", 0, false
	}
	delete(r.byConn, connID)
	// Привязку удаляем только если её не успело перезаписать новое соединение.
	if cur, ok := r.forward(own.Role)[own.ID]; ok && cur == connID {
		delete(r.forward(own.Role), own.ID)
	}
	return own.Role, own.ID, true
}

func (r *Registry) forward(role Role) map[uint]string {
	if role == RoleDoctor {
		return r.doctors
	}
	return r.patients
}
