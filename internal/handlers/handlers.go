package handlers

import (
	"errors"
	"net/http"

	"telemed/internal/consultation"
	"telemed/internal/queue"
	"telemed/internal/response"

	"github.com/gin-gonic/gin"
)

var (
	Coord         *queue.Coordinator
	Consultations *consultation.Manager
)

// Init подключает координатор очереди и менеджер консультаций.
// Вызывается один раз при старте, до регистрации маршрутов.
func Init(coord *queue.Coordinator, consultations *consultation.Manager) {
	Coord = coord
	Consultations = consultations
}

// writeQueueError переводит типизированные ошибки координатора в HTTP-ответ.
func writeQueueError(c *gin.Context, err error) {
	var qe *queue.Error
	if errors.As(err, &qe) {
		status := http.StatusInternalServerError
		switch qe.Code {
		case queue.CodeNotFound:
			status = http.StatusNotFound
		case queue.CodeConflict:
			status = http.StatusConflict
		case queue.CodeValidation:
			status = http.StatusBadRequest
		}
		c.JSON(status, response.ErrorResponse{Code: qe.Code, Message: qe.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, response.ErrorResponse{
		Code:    "DB_ERROR",
		Message: "Внутренняя ошибка сервера",
		Details: err.Error(),
	})
}
