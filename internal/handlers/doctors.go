package handlers

import (
	"context"
	"net/http"
	"strconv"

	"telemed/internal/models"
	"telemed/internal/response"
	"telemed/internal/storage"

	"github.com/gin-gonic/gin"
)

var doctorsCtx = context.Background()

type SwitchAvailabilityRequest struct {
	IsAvailable *bool `json:"is_available" binding:"required"`
}

type OnlineDoctor struct {
	DoctorID  uint   `json:"doctor_id"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	Specialty string `json:"specialty"`
}

// SwitchAvailabilityHandler обрабатывает переключение доступности врача
// @Summary		Смена доступности врача
// @Description	Включает или выключает приём. Пациенты в очереди получают уведомление, но из очереди не удаляются
// @Tags			doctors
// @Accept			json
// @Produce		json
// @Param			body	body		SwitchAvailabilityRequest	true	"Новый статус"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Статус обновлён"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404	{object}	response.ErrorResponse	"Врач не найден (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/doctors/availability [post]
func SwitchAvailabilityHandler(c *gin.Context) {
	var req SwitchAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	doctorID := c.GetUint("userID")
	if err := Coord.SetAvailability(doctorID, *req.IsAvailable); err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Статус врача обновлён"})
}

// GetOnlineDoctorsHandler обрабатывает запрос списка врачей онлайн
// @Summary		Врачи онлайн
// @Description	Возвращает врачей, доступных для приёма. Список берётся из Redis-зеркала статусов
// @Tags			doctors
// @Accept			json
// @Produce		json
// @Success		200	{array}		OnlineDoctor	"Список врачей онлайн"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/doctors/online [get]
func GetOnlineDoctorsHandler(c *gin.Context) {
	var ids []uint

	members, err := storage.RedisClient.SMembers(doctorsCtx, "doctors:online").Result()
	if err == nil && len(members) > 0 {
		for _, m := range members {
			if id, err := strconv.Atoi(m); err == nil {
				ids = append(ids, uint(id))
			}
		}
	}

	var doctors []models.Doctor
	query := storage.DB.Where("is_online = ?", true)
	// Redis мог отстать от базы (рестарт), поэтому флаг is_online — источник истины.
	if len(ids) > 0 {
		query = storage.DB.Where("id IN ? AND is_online = ?", ids, true)
	}
	if err := query.Find(&doctors).Error; err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка загрузки списка врачей",
			Details: err.Error(),
		})
		return
	}

	result := make([]OnlineDoctor, 0, len(doctors))
	for _, d := range doctors {
		result = append(result, OnlineDoctor{
			DoctorID:  d.ID,
			Name:      d.Name,
			Surname:   d.Surname,
			Specialty: d.Specialty,
		})
	}

	c.JSON(http.StatusOK, result)
}
