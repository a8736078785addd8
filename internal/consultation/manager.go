package consultation

import (
	"errors"
	"time"

	"telemed/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyOngoing — у врача уже идёт консультация.
	ErrAlreadyOngoing = errors.New("у врача уже есть активная консультация")
	// ErrNotFound — консультация не найдена.
	ErrNotFound = errors.New("консультация не найдена")
	// ErrNotOngoing — консультация не в статусе ongoing.
	ErrNotOngoing = errors.New("консультация не активна")
)

// Manager владеет жизненным циклом консультации и инвариантом
// "не больше одной активной консультации на врача". Инвариант закреплён
// частичным уникальным индексом idx_consultations_one_ongoing, поэтому
// параллельный TryStart упирается в базу, а не в проверку в коде.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// TryStart создаёт активную консультацию внутри переданной транзакции.
// При нарушении уникального индекса возвращает ErrAlreadyOngoing.
func (m *Manager) TryStart(tx *gorm.DB, doctorID, patientID uint, roomName string) (*models.Consultation, error) {
	now := time.Now()
	cons := models.Consultation{
		DoctorID:        doctorID,
		PatientID:       patientID,
		Status:          models.ConsultationStatusOngoing,
		RoomName:        roomName,
		ActualStartTime: &now,
	}
	if err := tx.Create(&cons).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyOngoing
		}
		return nil, err
	}
	return &cons, nil
}

// End завершает активную консультацию внутри переданной транзакции.
func (m *Manager) End(tx *gorm.DB, consultationID uint, notes string) (*models.Consultation, error) {
	cons, err := m.get(tx, consultationID)
	if err != nil {
		return nil, err
	}
	if cons.Status != models.ConsultationStatusOngoing {
		return nil, ErrNotOngoing
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":          models.ConsultationStatusCompleted,
		"actual_end_time": now,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	if err := tx.Model(cons).Updates(updates).Error; err != nil {
		return nil, err
	}
	cons.Status = models.ConsultationStatusCompleted
	cons.ActualEndTime = &now
	return cons, nil
}

// Cancel отменяет консультацию с указанием инициатора (patient/doctor/admin).
func (m *Manager) Cancel(consultationID uint, reason, cancelledBy string) (*models.Consultation, error) {
	var cons *models.Consultation
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var err error
		cons, err = m.get(tx, consultationID)
		if err != nil {
			return err
		}
		if cons.Status == models.ConsultationStatusCompleted || cons.Status == models.ConsultationStatusCancelled {
			return ErrNotOngoing
		}
		now := time.Now()
		if err := tx.Model(cons).Updates(map[string]interface{}{
			"status":          models.ConsultationStatusCancelled,
			"actual_end_time": now,
			"cancel_reason":   reason,
			"cancelled_by":    cancelledBy,
		}).Error; err != nil {
			return err
		}
		cons.Status = models.ConsultationStatusCancelled
		cons.ActualEndTime = &now
		cons.CancelReason = reason
		cons.CancelledBy = cancelledBy
		// Связанная запись очереди закрывается той же транзакцией,
		// чтобы не осталось записи in_consultation без живой консультации.
		return tx.Model(&models.QueueEntry{}).
			Where("consultation_id = ?", cons.ID).
			Updates(map[string]interface{}{
				"status":   models.EntryStatusDone,
				"position": 0,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return cons, nil
}

// Get возвращает консультацию по id.
func (m *Manager) Get(consultationID uint) (*models.Consultation, error) {
	return m.get(m.db, consultationID)
}

// FindOngoingByDoctor возвращает активную консультацию врача, либо nil.
func (m *Manager) FindOngoingByDoctor(doctorID uint) (*models.Consultation, error) {
	return m.findOngoing("doctor_id = ?", doctorID)
}

// FindOngoingByPatient возвращает активную консультацию пациента, либо nil.
func (m *Manager) FindOngoingByPatient(patientID uint) (*models.Consultation, error) {
	return m.findOngoing("patient_id = ?", patientID)
}

func (m *Manager) findOngoing(query string, arg uint) (*models.Consultation, error) {
	var cons models.Consultation
	err := m.db.Where(query, arg).
		Where("status = ?", models.ConsultationStatusOngoing).
		First(&cons).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cons, nil
}

func (m *Manager) get(tx *gorm.DB, consultationID uint) (*models.Consultation, error) {
	var cons models.Consultation
	if err := tx.First(&cons, consultationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cons, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
