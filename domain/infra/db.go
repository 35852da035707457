package infra

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/relayhq/modmail/domain/model"
)

type DataBase struct {
	db *gorm.DB
}

func NewDataBase() (*DataBase, error) {
	var db *gorm.DB
	var err error
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		db, err = gorm.Open("postgres", dsn)
	} else {
		dbpath := "./db/modmail.db"
		if os.Getenv("DB_PATH") != "" {
			dbpath = os.Getenv("DB_PATH")
		}
		if !path.IsAbs(dbpath) {
			dbpath = path.Join(os.Getenv("PWD"), dbpath)
		}
		db, err = gorm.Open("sqlite3", dbpath)
	}
	if err != nil {
		return nil, err
	}
	db.AutoMigrate(&model.Ticket{})
	db.AutoMigrate(&model.TicketResponse{})
	db.AutoMigrate(&model.Timeout{})

	// ユーザーごとにオープン中チケットは高々1件
	if err := db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_tickets_open_user ON tickets(user_id) WHERE open",
	).Error; err != nil {
		return nil, err
	}
	if err := db.Exec(
		"CREATE INDEX IF NOT EXISTS ix_tickets_display_message ON tickets(display_message_ts)",
	).Error; err != nil {
		return nil, err
	}
	return &DataBase{db: db}, nil
}

func (d *DataBase) GetTicket(id uint) (*model.Ticket, error) {
	var ticket model.Ticket
	err := d.db.Where("id = ?", id).First(&ticket).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DataBase) GetTicketByUser(userID string) (*model.Ticket, error) {
	var ticket model.Ticket
	err := d.db.Where("user_id = ? AND open = ?", userID, true).First(&ticket).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DataBase) GetTicketByDisplayMessage(ts string) (*model.Ticket, error) {
	var ticket model.Ticket
	err := d.db.Where("display_message_ts = ?", ts).First(&ticket).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DataBase) CreateTicket(userID string) (uint, error) {
	ticket := model.Ticket{
		UserID:    userID,
		Open:      true,
		CreatedAt: timeNow(),
	}
	if err := d.db.Create(&ticket).Error; err != nil {
		if isUniqueViolation(err) {
			return 0, ErrTicketAlreadyOpen
		}
		return 0, err
	}
	return ticket.ID, nil
}

func (d *DataBase) SetDisplayMessage(id uint, ts string) (bool, error) {
	res := d.db.Model(&model.Ticket{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"display_message_ts": ts})
	return res.RowsAffected != 0, res.Error
}

func (d *DataBase) CloseTicket(id uint) (bool, error) {
	res := d.db.Model(&model.Ticket{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"open": false, "closed_at": timeNow()})
	return res.RowsAffected != 0, res.Error
}

func (d *DataBase) AppendResponse(ticketID uint, authorID, body string, asServer bool) (uint, error) {
	response := model.TicketResponse{
		TicketID:  ticketID,
		AuthorID:  authorID,
		Body:      body,
		AsServer:  asServer,
		CreatedAt: timeNow(),
	}
	if err := d.db.Create(&response).Error; err != nil {
		return 0, err
	}
	return response.ID, nil
}

func (d *DataBase) ListResponses(ticketID uint) ([]model.TicketResponse, error) {
	var responses []model.TicketResponse
	err := d.db.Where("ticket_id = ?", ticketID).
		Order("created_at asc, id asc").
		Find(&responses).Error
	return responses, err
}

func (d *DataBase) GetTimeout(userID string) (*model.Timeout, error) {
	var timeout model.Timeout
	err := d.db.Where("user_id = ?", userID).First(&timeout).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &timeout, nil
}

func (d *DataBase) SetTimeout(userID string, expiresAt time.Time) error {
	var timeout model.Timeout
	err := d.db.Where("user_id = ?", userID).First(&timeout).Error
	if err == gorm.ErrRecordNotFound {
		return d.db.Create(&model.Timeout{
			UserID:    userID,
			ExpiresAt: expiresAt,
			CreatedAt: timeNow(),
		}).Error
	}
	if err != nil {
		return err
	}
	return d.db.Model(&model.Timeout{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"expires_at": expiresAt}).Error
}

// sqlite3/pq のドライバ型に依存せず一意制約違反を判定する
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
