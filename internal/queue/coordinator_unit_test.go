package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimatedWaitMinutes(t *testing.T) {
	// Первый в очереди — следующий на приём, ожидание нулевое.
	assert.Equal(t, 0, EstimatedWaitMinutes(1))
	assert.Equal(t, 15, EstimatedWaitMinutes(2))
	assert.Equal(t, 30, EstimatedWaitMinutes(3))
	// Позиция 0 (пациент уже на приёме) тоже даёт ноль.
	assert.Equal(t, 0, EstimatedWaitMinutes(0))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("нет такой записи")))
	assert.True(t, IsConflict(Conflict("уже есть")))
	assert.True(t, IsValidation(Validation("не хватает поля")))

	assert.False(t, IsNotFound(Conflict("уже есть")))
	assert.False(t, IsConflict(ErrNoWaitingPatients))
	assert.False(t, IsValidation(nil))
}

func TestErrorMessage(t *testing.T) {
	err := NotFound("Врач не найден")
	assert.Equal(t, "Врач не найден", err.Error())
	assert.Equal(t, CodeNotFound, err.Code)
}
