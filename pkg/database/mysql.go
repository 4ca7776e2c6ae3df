package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/karaoke-room-system/pkg/models"
)

type MySQLDB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string) (*MySQLDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	log.Info().Msg("running database migrations")

	return db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.Participant{},
	)
}

// User operations
func (db *MySQLDB) GetUserByID(id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Room operations
func (db *MySQLDB) CreateRoom(room *models.Room) error {
	return db.Create(room).Error
}

func (db *MySQLDB) GetRoomByCode(code string) (*models.Room, error) {
	var room models.Room
	if err := db.First(&room, "code = ?", code).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *MySQLDB) ListOpenRooms() ([]*models.Room, error) {
	var rooms []*models.Room
	if err := db.Where("public = ? AND status = ?", true, models.RoomStatusWaiting).
		Order("created_at DESC").
		Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

func (db *MySQLDB) UpdateRoomStatus(code string, status models.RoomStatus) error {
	return db.Model(&models.Room{}).
		Where("code = ?", code).
		Update("status", status).Error
}

// DeleteRoomCascade removes the room and every participant row in it.
func (db *MySQLDB) DeleteRoomCascade(code string) error {
	if err := db.Where("room_code = ?", code).Delete(&models.Participant{}).Error; err != nil {
		return err
	}
	return db.Where("code = ?", code).Delete(&models.Room{}).Error
}

// Participant operations
func (db *MySQLDB) CreateParticipant(p *models.Participant) error {
	return db.Create(p).Error
}

func (db *MySQLDB) SaveParticipant(p *models.Participant) error {
	return db.Save(p).Error
}

func (db *MySQLDB) GetParticipant(id uint) (*models.Participant, error) {
	var p models.Participant
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *MySQLDB) GetParticipantByUser(code string, userID uuid.UUID) (*models.Participant, error) {
	var p models.Participant
	if err := db.First(&p, "room_code = ? AND user_id = ?", code, userID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *MySQLDB) ListParticipants(code string, connectedOnly bool) ([]*models.Participant, error) {
	q := db.Where("room_code = ?", code)
	if connectedOnly {
		q = q.Where("connected = ?", true)
	}

	var participants []*models.Participant
	if err := q.Order("id ASC").Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

func (db *MySQLDB) CountConnected(code string) (int64, error) {
	var count int64
	if err := db.Model(&models.Participant{}).
		Where("room_code = ? AND connected = ?", code, true).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// IncrementParticipantScore adds delta to the participant's cumulative score
// as a single atomic update.
func (db *MySQLDB) IncrementParticipantScore(id uint, delta int) error {
	return db.Model(&models.Participant{}).
		Where("id = ?", id).
		Update("score", gorm.Expr("score + ?", delta)).Error
}
