package handlers

import (
	"net/http"
	"strconv"

	"telemed/internal/queue"
	"telemed/internal/response"

	"github.com/gin-gonic/gin"
)

type JoinQueueRequest struct {
	DoctorID  uint `json:"doctor_id" binding:"required"`
	PatientID uint `json:"patient_id"`
}

type LeaveQueueRequest struct {
	DoctorID  uint `json:"doctor_id" binding:"required"`
	PatientID uint `json:"patient_id"`
}

// QueueListResponse содержит активные записи очереди врача.
type QueueListResponse struct {
	DoctorID uint              `json:"doctor_id"`
	Queue    []queue.EntryView `json:"queue"`
}

// GetDoctorQueueHandler обрабатывает запрос на получение очереди врача
// @Summary		Очередь врача
// @Description	Возвращает активные записи очереди (ожидающие и на приёме) по возрастанию позиции
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			doctorId	path		string	true	"ID врача"
// @Security		BearerAuth
// @Success		200	{object}	QueueListResponse	"Текущая очередь врача"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (INVALID_DOCTOR_ID)"
// @Failure		404	{object}	response.ErrorResponse	"Врач не найден (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/patientQueue/doctor/{doctorId} [get]
func GetDoctorQueueHandler(c *gin.Context) {
	doctorID, err := strconv.Atoi(c.Param("doctorId"))
	if err != nil || doctorID <= 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_DOCTOR_ID",
			Message: "Неверный идентификатор врача",
		})
		return
	}

	views, err := Coord.ActiveList(uint(doctorID))
	if err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, QueueListResponse{DoctorID: uint(doctorID), Queue: views})
}

// JoinQueueHandler обрабатывает запрос на вступление в очередь
// @Summary		Вступление в очередь врача
// @Description	Ставит пациента в очередь. Повторный вызов без выхода идемпотентен: возвращается существующая запись
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			body	body		JoinQueueRequest	true	"Идентификаторы врача и пациента"
// @Security		BearerAuth
// @Success		200	{object}	queue.JoinResult	"Позиция, комната и оценка ожидания"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404	{object}	response.ErrorResponse	"Врач или пациент не найден (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/patientQueue/join [post]
func JoinQueueHandler(c *gin.Context) {
	var req JoinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	patientID := req.PatientID
	if patientID == 0 {
		patientID = c.GetUint("userID")
	}

	result, err := Coord.Join(req.DoctorID, patientID)
	if err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// LeaveQueueHandler обрабатывает запрос на выход из очереди
// @Summary		Выход из очереди врача
// @Description	Выводит ожидающего пациента из очереди и возвращает обновлённый список
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			body	body		LeaveQueueRequest	true	"Идентификаторы врача и пациента"
// @Security		BearerAuth
// @Success		200	{object}	QueueListResponse	"Обновлённая очередь врача"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404	{object}	response.ErrorResponse	"Активная запись не найдена (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/patientQueue/leave [post]
func LeaveQueueHandler(c *gin.Context) {
	var req LeaveQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	patientID := req.PatientID
	if patientID == 0 {
		patientID = c.GetUint("userID")
	}

	views, err := Coord.Leave(req.DoctorID, patientID)
	if err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, QueueListResponse{DoctorID: req.DoctorID, Queue: views})
}

// MyQueueEntryHandler обрабатывает запрос пациента на свою запись в очереди
// @Summary		Моя запись в очереди
// @Description	Возвращает текущую позицию и оценку ожидания пациента у указанного врача (fallback для опроса без WebSocket)
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			doctorId	query		string	true	"ID врача"
// @Security		BearerAuth
// @Success		200	{object}	queue.JoinResult	"Текущая запись пациента"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (INVALID_DOCTOR_ID)"
// @Failure		404	{object}	response.ErrorResponse	"Активная запись не найдена (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/patientQueue/my [get]
func MyQueueEntryHandler(c *gin.Context) {
	doctorID, err := strconv.Atoi(c.Query("doctorId"))
	if err != nil || doctorID <= 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_DOCTOR_ID",
			Message: "Неверный идентификатор врача",
		})
		return
	}

	patientID := c.GetUint("userID")
	result, err := Coord.ActiveEntryFor(uint(doctorID), patientID)
	if err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
