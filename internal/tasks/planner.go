package tasks

import (
	"log"
	"time"

	"telemed/internal/models"
	"telemed/internal/queue"
	"telemed/internal/storage"

	"github.com/robfig/cron/v3"
)

// Консультация, висящая в ongoing дольше этого срока, считается брошенной
// (обе стороны давно отвалились, но событие END_CONSULTATION не пришло).
const staleConsultationAge = 2 * time.Hour

// Запись, ожидающая дольше суток, выводится из очереди.
const staleEntryAge = 24 * time.Hour

// CloseStaleConsultations принудительно завершает брошенные консультации.
func CloseStaleConsultations(coord *queue.Coordinator) {
	threshold := time.Now().Add(-staleConsultationAge)

	var consultations []models.Consultation
	if err := storage.DB.
		Where("status = ? AND actual_start_time < ?", models.ConsultationStatusOngoing, threshold).
		Find(&consultations).Error; err != nil {
		log.Println("Ошибка поиска зависших консультаций:", err)
		return
	}

	for _, cons := range consultations {
		if err := coord.EndConsultation(cons.ID); err != nil {
			log.Println("Ошибка завершения зависшей консультации", cons.ID, ":", err)
		} else {
			log.Printf("Зависшая консультация %d принудительно завершена.\n", cons.ID)
		}
	}
}

// ExpireStaleQueueEntries выводит из очереди пациентов, ожидающих дольше суток.
func ExpireStaleQueueEntries(coord *queue.Coordinator) {
	threshold := time.Now().Add(-staleEntryAge)

	var entries []models.QueueEntry
	if err := storage.DB.
		Where("status = ? AND joined_at < ?", models.EntryStatusWaiting, threshold).
		Find(&entries).Error; err != nil {
		log.Println("Ошибка поиска устаревших записей очереди:", err)
		return
	}

	for _, entry := range entries {
		if _, err := coord.Leave(entry.DoctorID, entry.PatientID); err != nil {
			log.Println("Ошибка вывода устаревшей записи", entry.ID, ":", err)
		} else {
			log.Printf("Пациент %d выведен из очереди врача %d по таймауту.\n", entry.PatientID, entry.DoctorID)
		}
	}
}

// InitScheduler инициализирует планировщик cron-задач.
func InitScheduler(coord *queue.Coordinator) *cron.Cron {
	c := cron.New(cron.WithSeconds())

	// Зависшие консультации проверяем каждые 5 минут.
	_, err := c.AddFunc("0 */5 * * * *", func() { CloseStaleConsultations(coord) })
	if err != nil {
		log.Println("Ошибка запуска cron-задачи CloseStaleConsultations:", err)
	}

	// Устаревшие записи очереди чистим раз в час.
	_, err = c.AddFunc("0 0 * * * *", func() { ExpireStaleQueueEntries(coord) })
	if err != nil {
		log.Println("Ошибка запуска cron-задачи ExpireStaleQueueEntries:", err)
	}

	c.Start()
	log.Println("Cron-планировщик запущен.")
	return c
}
