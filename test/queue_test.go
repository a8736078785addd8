package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"telemed/internal/consultation"
	"telemed/internal/handlers"
	"telemed/internal/models"
	"telemed/internal/queue"
	"telemed/internal/registry"
	"telemed/internal/storage"
	"telemed/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
)

func AuthMiddlewareTest() gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDStr := c.Request.Header.Get("X-Test-UserID")
		if userIDStr == "" {
			// Значение по умолчанию
			c.Set("userID", uint(1))
		} else {
			id, err := strconv.Atoi(userIDStr)
			if err != nil {
				c.Set("userID", uint(1))
			} else {
				c.Set("userID", uint(id))
			}
		}
		role := c.Request.Header.Get("X-Test-Role")
		if role == "" {
			role = "patient"
		}
		c.Set("role", role)
		c.Next()
	}
}

func setupTestServer() *httptest.Server {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load("../.env")
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectTestingDatabase()
	storage.DB.Exec("TRUNCATE TABLE doctors, patients, queue_entries, consultations RESTART IDENTITY CASCADE;")

	if err := storage.DB.AutoMigrate(&models.Doctor{}, &models.Patient{}, &models.QueueEntry{}, &models.Consultation{}); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}
	storage.EnsureIndexes()

	storage.InitRedis()

	reg := registry.New()
	hub := ws.NewHub(reg)
	consultations := consultation.NewManager(storage.DB)
	coord := queue.NewCoordinator(storage.DB, consultations, hub)
	hub.SetCoordinator(coord)
	handlers.Init(coord, consultations)

	go hub.Run()

	r := gin.Default()

	r.GET("/ws", hub.ServeWS)
	queueGroup := r.Group("/patientQueue", AuthMiddlewareTest())
	{
		queueGroup.GET("/doctor/:doctorId", handlers.GetDoctorQueueHandler)
		queueGroup.POST("/join", handlers.JoinQueueHandler)
		queueGroup.POST("/leave", handlers.LeaveQueueHandler)
		queueGroup.GET("/my", handlers.MyQueueEntryHandler)
	}
	consultationGroup := r.Group("/consultations", AuthMiddlewareTest())
	{
		consultationGroup.POST("/:id/end", handlers.EndConsultationHandler)
		consultationGroup.POST("/:id/cancel", handlers.CancelConsultationHandler)
	}

	return httptest.NewServer(r)
}

func createTestDoctorAndPatients(t *testing.T, patients int) (models.Doctor, []models.Patient) {
	doctor := models.Doctor{
		Name: "Анна", Surname: "Смирнова",
		Email:        fmt.Sprintf("doctor_%d@example.com", time.Now().UnixNano()),
		PasswordHash: "hashed123",
		Specialty:    "терапевт",
	}
	err := storage.DB.Create(&doctor).Error
	assert.NoError(t, err, "Ошибка создания тестового врача")

	result := make([]models.Patient, 0, patients)
	for i := 0; i < patients; i++ {
		p := models.Patient{
			Name: "Пациент", Surname: fmt.Sprintf("Номер%d", i+1),
			Email:        fmt.Sprintf("patient_%d_%d@example.com", i, time.Now().UnixNano()),
			PasswordHash: "hashed456",
		}
		err := storage.DB.Create(&p).Error
		assert.NoError(t, err, "Ошибка создания тестового пациента")
		result = append(result, p)
	}
	return doctor, result
}

func joinQueue(t *testing.T, ts *httptest.Server, doctorID, patientID uint) map[string]interface{} {
	body, _ := json.Marshal(map[string]uint{"doctor_id": doctorID, "patient_id": patientID})
	req, _ := http.NewRequest("POST", ts.URL+"/patientQueue/join", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	assert.NoError(t, err, "Ошибка запроса join")
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode, "Пациент не смог встать в очередь")

	var result map[string]interface{}
	json.NewDecoder(res.Body).Decode(&result)
	return result
}

// readEventOfType читает WS-сообщения, пока не встретит событие нужного типа.
func readEventOfType(t *testing.T, conn *websocket.Conn, eventType string) map[string]interface{} {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, message, err := conn.ReadMessage()
		assert.NoError(t, err, "Ошибка чтения WS сообщения (ожидалось "+eventType+")")
		if err != nil {
			return nil
		}
		var ev map[string]interface{}
		err = json.Unmarshal(message, &ev)
		assert.NoError(t, err, "Ошибка разбора WS сообщения")
		if ev["event"] == eventType {
			return ev
		}
		log.Println("Пропущено WS сообщение:", ev["event"])
	}
	t.Fatalf("Не дождались WS события %s", eventType)
	return nil
}

func TestQueueFlow(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	doctor, patients := createTestDoctorAndPatients(t, 3)
	p1, p2, p3 := patients[0], patients[1], patients[2]

	// 1. P1 встаёт в очередь первым: позиция 1, ожидание 0 минут.
	res1 := joinQueue(t, ts, doctor.ID, p1.ID)
	assert.Equal(t, float64(1), res1["position"], "Первый пациент должен получить позицию 1")
	assert.Equal(t, float64(0), res1["estimated_wait"], "Первый в очереди ждёт 0 минут")
	roomName1 := res1["room_name"].(string)
	assert.NotEmpty(t, roomName1)

	// 2. Повторный join без leave идемпотентен: та же запись, та же комната.
	res1again := joinQueue(t, ts, doctor.ID, p1.ID)
	assert.Equal(t, res1["entry_id"], res1again["entry_id"], "Повторный join создал дубль записи")
	assert.Equal(t, roomName1, res1again["room_name"], "Повторный join выдал другую комнату")
	assert.Equal(t, float64(1), res1again["position"])

	var entryCount int64
	storage.DB.Model(&models.QueueEntry{}).
		Where("doctor_id = ? AND patient_id = ?", doctor.ID, p1.ID).
		Count(&entryCount)
	assert.Equal(t, int64(1), entryCount, "В базе должна быть ровно одна запись")

	// 3. P2 и P3 занимают позиции 2 и 3.
	res2 := joinQueue(t, ts, doctor.ID, p2.ID)
	assert.Equal(t, float64(2), res2["position"])
	assert.Equal(t, float64(15), res2["estimated_wait"])
	res3 := joinQueue(t, ts, doctor.ID, p3.ID)
	assert.Equal(t, float64(3), res3["position"])
	assert.Equal(t, float64(30), res3["estimated_wait"])

	// 4. P2 выходит: P1 остаётся на 1, P3 сдвигается на 2, дыр нет.
	body, _ := json.Marshal(map[string]uint{"doctor_id": doctor.ID, "patient_id": p2.ID})
	leaveReq, _ := http.NewRequest("POST", ts.URL+"/patientQueue/leave", bytes.NewReader(body))
	leaveReq.Header.Set("Content-Type", "application/json")
	leaveRes, err := http.DefaultClient.Do(leaveReq)
	assert.NoError(t, err)
	defer leaveRes.Body.Close()
	assert.Equal(t, http.StatusOK, leaveRes.StatusCode, "P2 не смог выйти из очереди")

	var waiting []models.QueueEntry
	storage.DB.Where("doctor_id = ? AND status = ?", doctor.ID, models.EntryStatusWaiting).
		Order("position ASC").Find(&waiting)
	assert.Len(t, waiting, 2)
	assert.Equal(t, p1.ID, waiting[0].PatientID)
	assert.Equal(t, 1, waiting[0].Position)
	assert.Equal(t, p3.ID, waiting[1].PatientID)
	assert.Equal(t, 2, waiting[1].Position)

	// 5. Врач подключается по WS и получает снимок очереди.
	wsURL := "ws" + ts.URL[4:] + "/ws?userType=doctor&userId=" + strconv.Itoa(int(doctor.ID))
	doctorConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err, "Ошибка подключения врача к WS")
	defer doctorConn.Close()

	joinRoom, _ := json.Marshal(map[string]interface{}{"event": "JOIN_DOCTOR_ROOM", "doctor_id": doctor.ID})
	err = doctorConn.WriteMessage(websocket.TextMessage, joinRoom)
	assert.NoError(t, err)

	snapshot := readEventOfType(t, doctorConn, "QUEUE_CHANGED")
	queueData := snapshot["data"].(map[string]interface{})["queue"].([]interface{})
	assert.Len(t, queueData, 2, "В снимке очереди должно быть два пациента")

	// 6. Врач приглашает следующего: P1 уходит на приём, P3 остаётся один на позиции 1.
	invite, _ := json.Marshal(map[string]interface{}{"event": "INVITE_NEXT_PATIENT", "doctor_id": doctor.ID})
	err = doctorConn.WriteMessage(websocket.TextMessage, invite)
	assert.NoError(t, err)

	started := readEventOfType(t, doctorConn, "CONSULTATION_STARTED")
	startedData := started["data"].(map[string]interface{})
	assert.Equal(t, float64(p1.ID), startedData["patient_id"], "Приглашён не первый в очереди")
	assert.Equal(t, roomName1, startedData["room_name"], "Комната консультации не совпадает с выданной при join")
	consultationID := uint(startedData["consultation_id"].(float64))

	var cons models.Consultation
	assert.NoError(t, storage.DB.First(&cons, consultationID).Error)
	assert.Equal(t, models.ConsultationStatusOngoing, cons.Status)
	assert.NotNil(t, cons.ActualStartTime)

	var p1Entry models.QueueEntry
	storage.DB.Where("doctor_id = ? AND patient_id = ?", doctor.ID, p1.ID).First(&p1Entry)
	assert.Equal(t, models.EntryStatusInConsultation, p1Entry.Status)
	assert.Equal(t, consultationID, *p1Entry.ConsultationID)

	storage.DB.Where("doctor_id = ? AND status = ?", doctor.ID, models.EntryStatusWaiting).
		Order("position ASC").Find(&waiting)
	assert.Len(t, waiting, 1)
	assert.Equal(t, p3.ID, waiting[0].PatientID)
	assert.Equal(t, 1, waiting[0].Position, "После приглашения P3 должен стоять первым")

	// 7. Пока консультация идёт, второе приглашение отклоняется.
	err = doctorConn.WriteMessage(websocket.TextMessage, invite)
	assert.NoError(t, err)
	errEvent := readEventOfType(t, doctorConn, "ERROR")
	assert.NotNil(t, errEvent)

	// 8. Пациента на приёме нельзя вывести через leave.
	body, _ = json.Marshal(map[string]uint{"doctor_id": doctor.ID, "patient_id": p1.ID})
	leaveReq, _ = http.NewRequest("POST", ts.URL+"/patientQueue/leave", bytes.NewReader(body))
	leaveReq.Header.Set("Content-Type", "application/json")
	leaveRes2, err := http.DefaultClient.Do(leaveReq)
	assert.NoError(t, err)
	defer leaveRes2.Body.Close()
	assert.Equal(t, http.StatusNotFound, leaveRes2.StatusCode, "Leave во время приёма должен отклоняться")

	// 9. Завершение консультации закрывает и консультацию, и запись очереди.
	endReq, _ := http.NewRequest("POST", ts.URL+"/consultations/"+strconv.Itoa(int(consultationID))+"/end", nil)
	endRes, err := http.DefaultClient.Do(endReq)
	assert.NoError(t, err)
	defer endRes.Body.Close()
	assert.Equal(t, http.StatusOK, endRes.StatusCode)

	assert.NoError(t, storage.DB.First(&cons, consultationID).Error)
	assert.Equal(t, models.ConsultationStatusCompleted, cons.Status)
	assert.NotNil(t, cons.ActualEndTime)

	storage.DB.Where("doctor_id = ? AND patient_id = ?", doctor.ID, p1.ID).First(&p1Entry)
	assert.Equal(t, models.EntryStatusDone, p1Entry.Status)

	// 10. После завершения приглашение снова работает — теперь очередь P3.
	err = doctorConn.WriteMessage(websocket.TextMessage, invite)
	assert.NoError(t, err)
	started = readEventOfType(t, doctorConn, "CONSULTATION_STARTED")
	assert.Equal(t, float64(p3.ID), started["data"].(map[string]interface{})["patient_id"])
}

func TestPatientReceivesPositionUpdates(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	doctor, patients := createTestDoctorAndPatients(t, 2)
	p1, p2 := patients[0], patients[1]

	joinQueue(t, ts, doctor.ID, p1.ID)
	joinQueue(t, ts, doctor.ID, p2.ID)

	// P2 подключается по WS и после выхода P1 получает новую позицию.
	wsURL := "ws" + ts.URL[4:] + "/ws?userType=patient&userId=" + strconv.Itoa(int(p2.ID))
	p2Conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err, "Ошибка подключения пациента к WS")
	defer p2Conn.Close()

	body, _ := json.Marshal(map[string]uint{"doctor_id": doctor.ID, "patient_id": p1.ID})
	leaveReq, _ := http.NewRequest("POST", ts.URL+"/patientQueue/leave", bytes.NewReader(body))
	leaveReq.Header.Set("Content-Type", "application/json")
	leaveRes, err := http.DefaultClient.Do(leaveReq)
	assert.NoError(t, err)
	defer leaveRes.Body.Close()
	assert.Equal(t, http.StatusOK, leaveRes.StatusCode)

	update := readEventOfType(t, p2Conn, "QUEUE_POSITION_UPDATE")
	data := update["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["position"], "После выхода P1 пациент P2 должен стоять первым")
	assert.Equal(t, float64(0), data["estimated_wait"])
}

func TestPatientDisconnectLeavesQueue(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	doctor, patients := createTestDoctorAndPatients(t, 1)
	p1 := patients[0]

	joinQueue(t, ts, doctor.ID, p1.ID)

	wsURL := "ws" + ts.URL[4:] + "/ws?userType=patient&userId=" + strconv.Itoa(int(p1.ID))
	p1Conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err, "Ошибка подключения пациента к WS")

	// Обрыв соединения пациента выводит его из очереди.
	p1Conn.Close()

	assert.Eventually(t, func() bool {
		var entry models.QueueEntry
		if err := storage.DB.
			Where("doctor_id = ? AND patient_id = ?", doctor.ID, p1.ID).
			First(&entry).Error; err != nil {
			return false
		}
		return entry.Status == models.EntryStatusLeft
	}, 5*time.Second, 100*time.Millisecond, "Запись пациента не перешла в left после обрыва")
}

func TestJoinDuringConsultationKeepsPositionsContiguous(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	doctor, patients := createTestDoctorAndPatients(t, 3)
	p1, p2, p3 := patients[0], patients[1], patients[2]

	// P1 встаёт в очередь и сразу уходит на приём.
	res1 := joinQueue(t, ts, doctor.ID, p1.ID)
	assert.Equal(t, float64(1), res1["position"])

	_, err := handlers.Coord.InviteNext(doctor.ID)
	assert.NoError(t, err, "Ошибка приглашения первого пациента")

	var p1Entry models.QueueEntry
	storage.DB.Where("doctor_id = ? AND patient_id = ?", doctor.ID, p1.ID).First(&p1Entry)
	assert.Equal(t, models.EntryStatusInConsultation, p1Entry.Status)
	assert.Equal(t, 0, p1Entry.Position, "Пациент на приёме не занимает позицию")

	// Вступившие во время консультации нумеруются без дыры:
	// пациент на приёме места в нумерации ожидающих не держит.
	res2 := joinQueue(t, ts, doctor.ID, p2.ID)
	assert.Equal(t, float64(1), res2["position"], "Первый ожидающий должен получить позицию 1")
	assert.Equal(t, float64(0), res2["estimated_wait"])

	res3 := joinQueue(t, ts, doctor.ID, p3.ID)
	assert.Equal(t, float64(2), res3["position"], "Второй ожидающий должен получить позицию 2")
	assert.Equal(t, float64(15), res3["estimated_wait"])

	var waiting []models.QueueEntry
	storage.DB.Where("doctor_id = ? AND status = ?", doctor.ID, models.EntryStatusWaiting).
		Order("position ASC").Find(&waiting)
	assert.Len(t, waiting, 2)
	assert.Equal(t, 1, waiting[0].Position)
	assert.Equal(t, 2, waiting[1].Position, "Позиции ожидающих должны идти подряд без дыр")

	// После завершения консультации приглашается первый ожидающий.
	assert.NoError(t, handlers.Coord.EndConsultation(*p1Entry.ConsultationID))
	invited, err := handlers.Coord.InviteNext(doctor.ID)
	assert.NoError(t, err)
	assert.Equal(t, p2.ID, invited.PatientID, "Приглашён не первый ожидающий")
}

func TestJoinDoctorRoomRejectsPatient(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	doctor, patients := createTestDoctorAndPatients(t, 2)
	p1, p2 := patients[0], patients[1]

	joinQueue(t, ts, doctor.ID, p1.ID)
	joinQueue(t, ts, doctor.ID, p2.ID)

	wsURL := "ws" + ts.URL[4:] + "/ws?userType=patient&userId=" + strconv.Itoa(int(p2.ID))
	p2Conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err, "Ошибка подключения пациента к WS")
	defer p2Conn.Close()

	// Пациент пытается объявить себя кабинетом врача — получает отказ.
	joinRoom, _ := json.Marshal(map[string]interface{}{"event": "JOIN_DOCTOR_ROOM", "doctor_id": doctor.ID})
	err = p2Conn.WriteMessage(websocket.TextMessage, joinRoom)
	assert.NoError(t, err)
	errEvent := readEventOfType(t, p2Conn, "ERROR")
	assert.NotNil(t, errEvent)

	// Привязка пациента к соединению при этом не пострадала:
	// после выхода P1 пациент P2 получает свою новую позицию.
	body, _ := json.Marshal(map[string]uint{"doctor_id": doctor.ID, "patient_id": p1.ID})
	leaveReq, _ := http.NewRequest("POST", ts.URL+"/patientQueue/leave", bytes.NewReader(body))
	leaveReq.Header.Set("Content-Type", "application/json")
	leaveRes, err := http.DefaultClient.Do(leaveReq)
	assert.NoError(t, err)
	defer leaveRes.Body.Close()
	assert.Equal(t, http.StatusOK, leaveRes.StatusCode)

	update := readEventOfType(t, p2Conn, "QUEUE_POSITION_UPDATE")
	assert.Equal(t, float64(1), update["data"].(map[string]interface{})["position"])
}

func TestMyQueueEntryFallback(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	doctor, patients := createTestDoctorAndPatients(t, 2)
	p1, p2 := patients[0], patients[1]

	joinQueue(t, ts, doctor.ID, p1.ID)
	joinQueue(t, ts, doctor.ID, p2.ID)

	// REST-опрос своей позиции вместо WS.
	req, _ := http.NewRequest("GET", ts.URL+"/patientQueue/my?doctorId="+strconv.Itoa(int(doctor.ID)), nil)
	req.Header.Set("X-Test-UserID", fmt.Sprintf("%d", p2.ID))
	res, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var result map[string]interface{}
	json.NewDecoder(res.Body).Decode(&result)
	assert.Equal(t, float64(2), result["position"])
	assert.Equal(t, float64(15), result["estimated_wait"])

	// Пациент без записи получает 404.
	req, _ = http.NewRequest("GET", ts.URL+"/patientQueue/my?doctorId="+strconv.Itoa(int(doctor.ID)), nil)
	req.Header.Set("X-Test-UserID", "99999")
	res2, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusNotFound, res2.StatusCode)
}
