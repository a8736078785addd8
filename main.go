package main

import (
	"fmt"
	"log"
	"os"
	_ "telemed/docs"
	"telemed/internal/auth"
	"telemed/internal/consultation"
	"telemed/internal/handlers"
	"telemed/internal/models"
	"telemed/internal/queue"
	"telemed/internal/registry"
	"telemed/internal/storage"
	"telemed/internal/tasks"
	"telemed/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @Title						Телемедицина: живая очередь к врачу
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
func main() {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load()
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectDatabase()

	if err := storage.DB.AutoMigrate(&models.Doctor{}, &models.Patient{}, &models.QueueEntry{}, &models.Consultation{}); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}
	storage.EnsureIndexes()

	storage.InitRedis()

	// Реестр соединений живёт один на процесс и внедряется в хаб,
	// координатор общается с соединениями только через интерфейс Notifier.
	reg := registry.New()
	hub := ws.NewHub(reg)
	consultations := consultation.NewManager(storage.DB)
	coord := queue.NewCoordinator(storage.DB, consultations, hub)
	hub.SetCoordinator(coord)
	handlers.Init(coord, consultations)

	tasks.InitScheduler(coord)

	go hub.Run()

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", handlers.Login)
		authGroup.POST("/register", handlers.Register)
		authGroup.POST("/refresh", handlers.RefreshToken)
	}

	r.GET("/ws", hub.ServeWS)
	r.GET("/doctors/online", handlers.GetOnlineDoctorsHandler)

	doctorGroup := r.Group("/doctors", auth.AuthMiddleware(), auth.RequireRole("doctor"))
	{
		doctorGroup.POST("/availability", handlers.SwitchAvailabilityHandler)
	}

	queueGroup := r.Group("/patientQueue", auth.AuthMiddleware())
	{
		queueGroup.GET("/doctor/:doctorId", handlers.GetDoctorQueueHandler)
		queueGroup.POST("/join", handlers.JoinQueueHandler)
		queueGroup.POST("/leave", handlers.LeaveQueueHandler)
		queueGroup.GET("/my", handlers.MyQueueEntryHandler)
	}

	consultationGroup := r.Group("/consultations", auth.AuthMiddleware())
	{
		consultationGroup.POST("/:id/end", handlers.EndConsultationHandler)
		consultationGroup.POST("/:id/cancel", handlers.CancelConsultationHandler)
	}

	if err := r.Run(":8080"); err != nil {
		log.Fatal("Ошибка запуска сервера...", err.Error())
	}
}
