package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	r.Register(RoleDoctor, 1, "conn-d1")
	r.Register(RolePatient, 1, "conn-p1")

	connID, ok := r.Lookup(RoleDoctor, 1)
	assert.True(t, ok)
	assert.Equal(t, "conn-d1", connID)

	// Врач и пациент с одинаковым id не пересекаются.
	connID, ok = r.Lookup(RolePatient, 1)
	assert.True(t, ok)
	assert.Equal(t, "conn-p1", connID)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()

	r.Register(RolePatient, 7, "conn-a")
	r.Register(RolePatient, 7, "conn-a")

	connID, ok := r.Lookup(RolePatient, 7)
	assert.True(t, ok)
	assert.Equal(t, "conn-a", connID)
}

func TestReconnectReplacesBinding(t *testing.T) {
	r := New()

	r.Register(RolePatient, 7, "conn-old")
	r.Register(RolePatient, 7, "conn-new")

	connID, ok := r.Lookup(RolePatient, 7)
	assert.True(t, ok)
	assert.Equal(t, "conn-new", connID)

	// Снятие старого соединения не должно затронуть новую привязку.
	_, _, ok = r.Unregister("conn-old")
	assert.False(t, ok)
	connID, ok = r.Lookup(RolePatient, 7)
	assert.True(t, ok)
	assert.Equal(t, "conn-new", connID)
}

func TestUnregister(t *testing.T) {
	r := New()

	r.Register(RoleDoctor, 3, "conn-d3")
	role, id, ok := r.Unregister("conn-d3")
	assert.True(t, ok)
	assert.Equal(t, RoleDoctor, role)
	assert.Equal(t, uint(3), id)

	_, ok = r.Lookup(RoleDoctor, 3)
	assert.False(t, ok)

	// Повторное снятие — no-op.
	_, _, ok = r.Unregister("conn-d3")
	assert.False(t, ok)
}
