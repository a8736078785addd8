package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"telemed/internal/consultation"
	"telemed/internal/models"
	"telemed/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Среднее время приёма. Оценка ожидания = (позиция - 1) * 15 минут,
// т.е. первый в очереди видит 0 — его пригласят следующим.
const WaitPerPositionMinutes = 15

// Исходящие события для живых соединений.
const (
	EventQueuePositionUpdate = "QUEUE_POSITION_UPDATE"
	EventQueueChanged        = "QUEUE_CHANGED"
	EventInvitePatient       = "INVITE_PATIENT"
	EventConsultationStarted = "CONSULTATION_STARTED"
	EventConsultationEnded   = "CONSULTATION_ENDED"
	EventDoctorStatusChanged = "DOCTOR_STATUS_CHANGED"
	EventNoWaitingPatients   = "NO_WAITING_PATIENTS"
)

// Notifier доставляет события конкретным живым соединениям.
// Доставка best-effort: если адресат оффлайн, событие молча теряется.
type Notifier interface {
	ToDoctor(doctorID uint, event string, data map[string]interface{})
	ToPatient(patientID uint, event string, data map[string]interface{})
}

// EntryView — представление записи очереди для ответов API и событий.
type EntryView struct {
	EntryID   uint      `json:"entry_id"`
	PatientID uint      `json:"patient_id"`
	Name      string    `json:"name"`
	Surname   string    `json:"surname"`
	Position  int       `json:"position"`
	Status    string    `json:"status"`
	RoomName  string    `json:"room_name"`
	JoinedAt  time.Time `json:"joined_at"`
}

type JoinResult struct {
	EntryID       uint   `json:"entry_id"`
	Position      int    `json:"position"`
	RoomName      string `json:"room_name"`
	EstimatedWait int    `json:"estimated_wait"` // минуты
}

type InviteResult struct {
	ConsultationID uint   `json:"consultation_id"`
	PatientID      uint   `json:"patient_id"`
	RoomName       string `json:"room_name"`
}

// Coordinator — единственная точка, через которую меняется очередь.
// REST-обработчики и WS-диспетчер вызывают одни и те же методы,
// поэтому логика join/leave не расходится между транспортами.
//
// Все мутации очереди одного врача сериализуются мьютексом этого врача:
// два одновременных join не получат одну позицию, а leave, гонящийся
// с invite-next, не собьёт нумерацию.
type Coordinator struct {
	db            *gorm.DB
	store         *Store
	consultations *consultation.Manager
	notifier      Notifier

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewCoordinator(db *gorm.DB, consultations *consultation.Manager, notifier Notifier) *Coordinator {
	return &Coordinator{
		db:            db,
		store:         NewStore(db),
		consultations: consultations,
		notifier:      notifier,
		locks:         make(map[uint]*sync.Mutex),
	}
}

func (c *Coordinator) lockFor(doctorID uint) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[doctorID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[doctorID] = l
	}
	return l
}

func EstimatedWaitMinutes(position int) int {
	if position <= 1 {
		return 0
	}
	return (position - 1) * WaitPerPositionMinutes
}

// Join ставит пациента в очередь врача. Повторный вызов без Leave
// идемпотентен: возвращается существующая запись, дубль не создаётся.
func (c *Coordinator) Join(doctorID, patientID uint) (*JoinResult, error) {
	if doctorID == 0 || patientID == 0 {
		return nil, Validation("Не указан doctorId или patientId")
	}
	var doctor models.Doctor
	if err := c.db.First(&doctor, doctorID).Error; err != nil {
		return nil, NotFound("Врач не найден")
	}
	var patient models.Patient
	if err := c.db.First(&patient, patientID).Error; err != nil {
		return nil, NotFound("Пациент не найден")
	}

	lock := c.lockFor(doctorID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.store.FindActiveEntry(doctorID, patientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &JoinResult{
			EntryID:       existing.ID,
			Position:      existing.Position,
			RoomName:      existing.RoomName,
			EstimatedWait: EstimatedWaitMinutes(existing.Position),
		}, nil
	}

	roomName := "room-" + uuid.NewString()
	var entry *models.QueueEntry
	err = c.db.Transaction(func(tx *gorm.DB) error {
		entry, err = c.store.AppendWaiting(tx, doctorID, patientID, roomName)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &JoinResult{
		EntryID:       entry.ID,
		Position:      entry.Position,
		RoomName:      entry.RoomName,
		EstimatedWait: EstimatedWaitMinutes(entry.Position),
	}

	c.notifier.ToPatient(patientID, EventQueuePositionUpdate, map[string]interface{}{
		"position":       result.Position,
		"estimated_wait": result.EstimatedWait,
		"room_name":      result.RoomName,
	})
	c.fanOutQueue(doctorID)

	return result, nil
}

// Leave выводит ожидающего пациента из очереди. Пациента, уже
// находящегося на приёме, этим методом вывести нельзя.
func (c *Coordinator) Leave(doctorID, patientID uint) ([]EntryView, error) {
	if doctorID == 0 || patientID == 0 {
		return nil, Validation("Не указан doctorId или patientId")
	}

	lock := c.lockFor(doctorID)
	lock.Lock()
	defer lock.Unlock()

	views, err := c.leaveLocked(doctorID, patientID)
	if err != nil {
		return nil, err
	}
	c.notifier.ToDoctor(doctorID, EventQueueChanged, map[string]interface{}{"queue": views})
	c.fanOutPositions(views)
	return views, nil
}

// leaveLocked выполняет выход под уже взятым мьютексом врача.
func (c *Coordinator) leaveLocked(doctorID, patientID uint) ([]EntryView, error) {
	var entry models.QueueEntry
	err := c.db.
		Where("doctor_id = ? AND patient_id = ? AND status = ?", doctorID, patientID, models.EntryStatusWaiting).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound("Активная запись в очереди не найдена")
	}
	if err != nil {
		return nil, err
	}

	err = c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.store.MarkLeft(tx, entry.ID); err != nil {
			return err
		}
		_, err := c.store.RecalculatePositions(tx, doctorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.activeViews(doctorID)
}

// InviteNext приглашает первого ожидающего пациента: атомарно создаёт
// активную консультацию, переводит запись в in_consultation и сдвигает
// позиции остальных. Второй активной консультации у врача база не даст.
func (c *Coordinator) InviteNext(doctorID uint) (*InviteResult, error) {
	if doctorID == 0 {
		return nil, Validation("Не указан doctorId")
	}

	lock := c.lockFor(doctorID)
	lock.Lock()
	defer lock.Unlock()

	var result *InviteResult
	err := c.db.Transaction(func(tx *gorm.DB) error {
		var entry models.QueueEntry
		err := tx.
			Where("doctor_id = ? AND status = ?", doctorID, models.EntryStatusWaiting).
			Order("position ASC, joined_at ASC").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoWaitingPatients
		}
		if err != nil {
			return err
		}

		cons, err := c.consultations.TryStart(tx, doctorID, entry.PatientID, entry.RoomName)
		if err != nil {
			if errors.Is(err, consultation.ErrAlreadyOngoing) {
				return Conflict("У врача уже идёт консультация, сначала завершите её")
			}
			return err
		}
		if err := c.store.MarkInConsultation(tx, entry.ID, cons.ID); err != nil {
			return err
		}
		if _, err := c.store.RecalculatePositions(tx, doctorID); err != nil {
			return err
		}

		result = &InviteResult{
			ConsultationID: cons.ID,
			PatientID:      entry.PatientID,
			RoomName:       entry.RoomName,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.notifier.ToPatient(result.PatientID, EventInvitePatient, map[string]interface{}{
		"room_name":       result.RoomName,
		"consultation_id": result.ConsultationID,
	})
	c.notifier.ToDoctor(doctorID, EventConsultationStarted, map[string]interface{}{
		"consultation_id": result.ConsultationID,
		"patient_id":      result.PatientID,
		"room_name":       result.RoomName,
	})
	views, err := c.activeViews(doctorID)
	if err == nil {
		c.notifier.ToDoctor(doctorID, EventQueueChanged, map[string]interface{}{"queue": views})
		c.fanOutPositions(views)
	}

	return result, nil
}

// EndConsultation завершает консультацию и закрывает связанную запись
// очереди одной транзакцией: читатель не увидит завершённую консультацию
// с ещё активной записью.
func (c *Coordinator) EndConsultation(consultationID uint) error {
	cons, err := c.consultations.Get(consultationID)
	if err != nil {
		if errors.Is(err, consultation.ErrNotFound) {
			return NotFound("Консультация не найдена")
		}
		return err
	}

	lock := c.lockFor(cons.DoctorID)
	lock.Lock()
	defer lock.Unlock()

	err = c.db.Transaction(func(tx *gorm.DB) error {
		ended, err := c.consultations.End(tx, consultationID, "")
		if err != nil {
			if errors.Is(err, consultation.ErrNotOngoing) {
				return Conflict("Консультация уже завершена")
			}
			return err
		}

		var entry models.QueueEntry
		err = tx.Where("consultation_id = ?", ended.ID).First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Консультация без записи очереди (запланированный приём) — допустимо.
			return nil
		}
		if err != nil {
			return err
		}
		return c.store.MarkDone(tx, entry.ID)
	})
	if err != nil {
		return err
	}

	c.notifier.ToPatient(cons.PatientID, EventConsultationEnded, map[string]interface{}{
		"consultation_id": consultationID,
	})
	c.fanOutQueue(cons.DoctorID)
	return nil
}

// PatientDisconnected — обрыв живого соединения пациента. Best-effort:
// идущая консультация завершается, ожидающие записи помечаются left.
// Ошибки только логируются, наружу обрыв никогда не падает.
func (c *Coordinator) PatientDisconnected(patientID uint) {
	if cons, err := c.consultations.FindOngoingByPatient(patientID); err != nil {
		log.Println("Ошибка поиска консультации при обрыве соединения пациента:", err)
	} else if cons != nil {
		if err := c.EndConsultation(cons.ID); err != nil {
			log.Println("Ошибка завершения консультации при обрыве соединения пациента:", err)
		}
	}

	var entries []models.QueueEntry
	if err := c.db.
		Where("patient_id = ? AND status = ?", patientID, models.EntryStatusWaiting).
		Find(&entries).Error; err != nil {
		log.Println("Ошибка поиска записей очереди при обрыве соединения пациента:", err)
		return
	}
	for _, entry := range entries {
		lock := c.lockFor(entry.DoctorID)
		lock.Lock()
		views, err := c.leaveLocked(entry.DoctorID, patientID)
		lock.Unlock()
		if err != nil {
			if !IsNotFound(err) {
				log.Println("Ошибка выхода из очереди при обрыве соединения пациента:", err)
			}
			continue
		}
		c.notifier.ToDoctor(entry.DoctorID, EventQueueChanged, map[string]interface{}{"queue": views})
		c.fanOutPositions(views)
	}
}

// DoctorDisconnected — обрыв живого соединения врача: идущая консультация
// завершается, врач помечается оффлайн, очередь при этом сохраняется.
func (c *Coordinator) DoctorDisconnected(doctorID uint) {
	if cons, err := c.consultations.FindOngoingByDoctor(doctorID); err != nil {
		log.Println("Ошибка поиска консультации при обрыве соединения врача:", err)
	} else if cons != nil {
		if err := c.EndConsultation(cons.ID); err != nil {
			log.Println("Ошибка завершения консультации при обрыве соединения врача:", err)
		}
	}

	if err := c.SetAvailability(doctorID, false); err != nil {
		log.Println("Ошибка смены статуса врача при обрыве соединения:", err)
	}
}

// SetAvailability переключает флаг доступности врача и уведомляет всех
// пациентов с активной записью. Очередь не трогается: уход врача оффлайн
// не выкидывает ожидающих.
func (c *Coordinator) SetAvailability(doctorID uint, available bool) error {
	res := c.db.Model(&models.Doctor{}).Where("id = ?", doctorID).Update("is_online", available)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NotFound("Врач не найден")
	}

	// Зеркалим статус в Redis, чтобы REST-выдача онлайн-врачей не ходила в базу.
	if storage.RedisClient != nil {
		ctx := context.Background()
		if available {
			storage.RedisClient.SAdd(ctx, "doctors:online", doctorID)
		} else {
			storage.RedisClient.SRem(ctx, "doctors:online", doctorID)
		}
	}

	entries, err := c.store.ListActive(doctorID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		c.notifier.ToPatient(entry.PatientID, EventDoctorStatusChanged, map[string]interface{}{
			"doctor_id": doctorID,
			"is_online": available,
		})
	}
	return nil
}

// ActiveList возвращает активные записи очереди врача для REST-выдачи.
func (c *Coordinator) ActiveList(doctorID uint) ([]EntryView, error) {
	var doctor models.Doctor
	if err := c.db.First(&doctor, doctorID).Error; err != nil {
		return nil, NotFound("Врач не найден")
	}
	return c.activeViews(doctorID)
}

// ActiveEntryFor возвращает активную запись пациента у врача (для опроса по REST).
func (c *Coordinator) ActiveEntryFor(doctorID, patientID uint) (*JoinResult, error) {
	entry, err := c.store.FindActiveEntry(doctorID, patientID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, NotFound("Активная запись в очереди не найдена")
	}
	return &JoinResult{
		EntryID:       entry.ID,
		Position:      entry.Position,
		RoomName:      entry.RoomName,
		EstimatedWait: EstimatedWaitMinutes(entry.Position),
	}, nil
}

func (c *Coordinator) activeViews(doctorID uint) ([]EntryView, error) {
	entries, err := c.store.ListActive(doctorID)
	if err != nil {
		return nil, err
	}
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, EntryView{
			EntryID:   entry.ID,
			PatientID: entry.PatientID,
			Name:      entry.Patient.Name,
			Surname:   entry.Patient.Surname,
			Position:  entry.Position,
			Status:    entry.Status,
			RoomName:  entry.RoomName,
			JoinedAt:  entry.JoinedAt,
		})
	}
	return views, nil
}

func (c *Coordinator) fanOutQueue(doctorID uint) {
	views, err := c.activeViews(doctorID)
	if err != nil {
		log.Println("Ошибка загрузки очереди для рассылки:", err)
		return
	}
	c.notifier.ToDoctor(doctorID, EventQueueChanged, map[string]interface{}{"queue": views})
}

// fanOutPositions рассылает каждому ожидающему пациенту его новую позицию.
func (c *Coordinator) fanOutPositions(views []EntryView) {
	for _, v := range views {
		if v.Status != models.EntryStatusWaiting {
			continue
		}
		c.notifier.ToPatient(v.PatientID, EventQueuePositionUpdate, map[string]interface{}{
			"position":       v.Position,
			"estimated_wait": EstimatedWaitMinutes(v.Position),
			"room_name":      v.RoomName,
		})
	}
}
