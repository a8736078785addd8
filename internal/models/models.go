package models

import (
	"time"

	"gorm.io/gorm"
)

type Doctor struct {
	gorm.Model
	Name         string `gorm:"not null"`
	Surname      string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Specialty    string `gorm:"index"`
	IsOnline     bool   `gorm:"default:false"` // Флаг доступности врача для приёма
}

type Patient struct {
	gorm.Model
	Name         string `gorm:"not null"`
	Surname      string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Phone        string
}

// Статусы записи в очереди. Терминальные: done, left.
const (
	EntryStatusWaiting        = "waiting"
	EntryStatusInConsultation = "in_consultation"
	EntryStatusDone           = "done"
	EntryStatusLeft           = "left"
)

type QueueEntry struct {
	gorm.Model
	DoctorID       uint      `gorm:"index;not null"`
	Doctor         Doctor    `gorm:"foreignKey:DoctorID"`
	PatientID      uint      `gorm:"index;not null"`
	Patient        Patient   `gorm:"foreignKey:PatientID"`
	Position       int       `gorm:"index;not null"` // Текущая позиция в очереди (0 — пациент уже на приёме)
	Status         string    `gorm:"index;not null;default:'waiting'"`
	RoomName       string    `gorm:"not null"` // Токен видеокомнаты, выдаётся при вступлении и не меняется
	ConsultationID *uint     `gorm:"index"`
	SocketID       string    // Последнее известное соединение пациента (может устареть)
	Priority       int       `gorm:"default:0"`
	JoinedAt       time.Time `gorm:"index;not null"`
}

// Статусы консультации.
const (
	ConsultationStatusPending   = "pending"
	ConsultationStatusOngoing   = "ongoing"
	ConsultationStatusCompleted = "completed"
	ConsultationStatusCancelled = "cancelled"
)

type Consultation struct {
	gorm.Model
	DoctorID        uint    `gorm:"index;not null"`
	Doctor          Doctor  `gorm:"foreignKey:DoctorID"`
	PatientID       uint    `gorm:"index;not null"`
	Patient         Patient `gorm:"foreignKey:PatientID"`
	Status          string  `gorm:"index;not null;default:'pending'"`
	RoomName        string  `gorm:"not null"`
	ActualStartTime *time.Time
	ActualEndTime   *time.Time
	Notes           string
	CancelReason    string
	CancelledBy     string // patient | doctor | admin
}
