package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"telemed/internal/consultation"
	"telemed/internal/response"

	"github.com/gin-gonic/gin"
)

type CancelConsultationRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// EndConsultationHandler обрабатывает завершение консультации
// @Summary		Завершение консультации
// @Description	Завершает активную консультацию и закрывает связанную запись очереди
// @Tags			consultations
// @Accept			json
// @Produce		json
// @Param			id	path		string	true	"ID консультации"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Консультация завершена"
// @Failure		404	{object}	response.ErrorResponse	"Консультация не найдена (NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Консультация уже завершена (CONFLICT)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/consultations/{id}/end [post]
func EndConsultationHandler(c *gin.Context) {
	consultationID, err := strconv.Atoi(c.Param("id"))
	if err != nil || consultationID <= 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_CONSULTATION_ID",
			Message: "Неверный идентификатор консультации",
		})
		return
	}

	if err := Coord.EndConsultation(uint(consultationID)); err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Консультация завершена"})
}

// CancelConsultationHandler обрабатывает отмену консультации
// @Summary		Отмена консультации
// @Description	Отменяет консультацию с указанием причины; инициатор берётся из роли токена
// @Tags			consultations
// @Accept			json
// @Produce		json
// @Param			id		path		string						true	"ID консультации"
// @Param			body	body		CancelConsultationRequest	true	"Причина отмены"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Консультация отменена"
// @Failure		404	{object}	response.ErrorResponse	"Консультация не найдена (NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Консультация уже завершена (CONFLICT)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/consultations/{id}/cancel [post]
func CancelConsultationHandler(c *gin.Context) {
	consultationID, err := strconv.Atoi(c.Param("id"))
	if err != nil || consultationID <= 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_CONSULTATION_ID",
			Message: "Неверный идентификатор консультации",
		})
		return
	}

	var req CancelConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	cancelledBy := c.GetString("role")
	if cancelledBy == "" {
		cancelledBy = "admin"
	}

	if _, err := Consultations.Cancel(uint(consultationID), req.Reason, cancelledBy); err != nil {
		switch {
		case errors.Is(err, consultation.ErrNotFound):
			c.JSON(http.StatusNotFound, response.ErrorResponse{
				Code:    "NOT_FOUND",
				Message: "Консультация не найдена",
			})
		case errors.Is(err, consultation.ErrNotOngoing):
			c.JSON(http.StatusConflict, response.ErrorResponse{
				Code:    "CONFLICT",
				Message: "Консультация уже завершена или отменена",
			})
		default:
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{
				Code:    "DB_ERROR",
				Message: "Ошибка отмены консультации",
				Details: err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Консультация отменена"})
}
