package queue

import (
	"errors"
	"time"

	"telemed/internal/models"

	"gorm.io/gorm"
)

// Store — слой доступа к таблице queue_entries.
// Методы, участвующие в пересчёте позиций, принимают транзакцию,
// чтобы смена статуса и перенумерация фиксировались атомарно.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var activeStatuses = []string{models.EntryStatusWaiting, models.EntryStatusInConsultation}

// FindActiveEntry возвращает активную запись пары (врач, пациент), либо nil.
func (s *Store) FindActiveEntry(doctorID, patientID uint) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.
		Where("doctor_id = ? AND patient_id = ? AND status IN ?", doctorID, patientID, activeStatuses).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) CountActive(tx *gorm.DB, doctorID uint) (int64, error) {
	var count int64
	err := tx.Model(&models.QueueEntry{}).
		Where("doctor_id = ? AND status IN ?", doctorID, activeStatuses).
		Count(&count).Error
	return count, err
}

// CountWaiting возвращает число ожидающих пациентов врача.
func (s *Store) CountWaiting(tx *gorm.DB, doctorID uint) (int64, error) {
	var count int64
	err := tx.Model(&models.QueueEntry{}).
		Where("doctor_id = ? AND status = ?", doctorID, models.EntryStatusWaiting).
		Count(&count).Error
	return count, err
}

// AppendWaiting добавляет пациента в хвост очереди врача.
// Позиция считается только по ожидающим: пациент на приёме держит
// позицию 0 и места в нумерации 1..N не занимает, иначе вступление
// во время консультации оставило бы дыру в позициях.
func (s *Store) AppendWaiting(tx *gorm.DB, doctorID, patientID uint, roomName string) (*models.QueueEntry, error) {
	count, err := s.CountWaiting(tx, doctorID)
	if err != nil {
		return nil, err
	}

	entry := models.QueueEntry{
		DoctorID:  doctorID,
		PatientID: patientID,
		Position:  int(count) + 1,
		Status:    models.EntryStatusWaiting,
		RoomName:  roomName,
		JoinedAt:  time.Now(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListActive возвращает активные записи врача по возрастанию позиции.
func (s *Store) ListActive(doctorID uint) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.
		Preload("Patient").
		Where("doctor_id = ? AND status IN ?", doctorID, activeStatuses).
		Order("position ASC").
		Find(&entries).Error
	return entries, err
}

// ListWaiting возвращает ожидающие записи врача в порядке вступления (FIFO).
func (s *Store) ListWaiting(tx *gorm.DB, doctorID uint) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := tx.
		Where("doctor_id = ? AND status = ?", doctorID, models.EntryStatusWaiting).
		Order("joined_at ASC").
		Find(&entries).Error
	return entries, err
}

func (s *Store) MarkLeft(tx *gorm.DB, entryID uint) error {
	return s.updateStatus(tx, entryID, map[string]interface{}{
		"status":   models.EntryStatusLeft,
		"position": 0,
	})
}

func (s *Store) MarkInConsultation(tx *gorm.DB, entryID, consultationID uint) error {
	return s.updateStatus(tx, entryID, map[string]interface{}{
		"status":          models.EntryStatusInConsultation,
		"consultation_id": consultationID,
		"position":        0,
	})
}

func (s *Store) MarkDone(tx *gorm.DB, entryID uint) error {
	return s.updateStatus(tx, entryID, map[string]interface{}{
		"status":   models.EntryStatusDone,
		"position": 0,
	})
}

func (s *Store) updateStatus(tx *gorm.DB, entryID uint, updates map[string]interface{}) error {
	res := tx.Model(&models.QueueEntry{}).Where("id = ?", entryID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NotFound("Запись в очереди не найдена")
	}
	return nil
}

// RecalculatePositions перенумеровывает ожидающие записи врача 1..N
// по возрастанию joined_at. Вызывается строго внутри транзакции,
// сопровождающей смену статуса, иначе возможно окно с дублями позиций.
func (s *Store) RecalculatePositions(tx *gorm.DB, doctorID uint) ([]models.QueueEntry, error) {
	entries, err := s.ListWaiting(tx, doctorID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		want := i + 1
		if entries[i].Position == want {
			continue
		}
		if err := tx.Model(&models.QueueEntry{}).
			Where("id = ?", entries[i].ID).
			Update("position", want).Error; err != nil {
			return nil, err
		}
		entries[i].Position = want
	}
	return entries, nil
}
