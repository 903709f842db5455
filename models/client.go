package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

var errInvalidEmail = errors.New("invalid email address")

// Client is the ordering customer (patient or referring facility).
type Client struct {
	ID           int       `gorm:"primary_key" json:"id"`
	LaboratoryId string    `gorm:"index;not null" json:"laboratory_id"`
	Name         string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Email        string    `gorm:"size:255" json:"email"`
	Phone        string    `gorm:"size:30" json:"phone"`
	Address      string    `gorm:"type:text" json:"address"`
	IsActive     *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj Client) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func ValidateClientContact(client *Client) error {
	if client.Email != "" && !utils.IsValidEmail(client.Email) {
		return errInvalidEmail
	}
	if client.Phone != "" {
		if err := utils.ValidatePhoneNumber(client.Phone, utils.CountryCode); err != nil {
			return err
		}
	}
	return nil
}

func GetClient(ctx context.Context, id int) (*Client, error) {
	return GetResource[Client](ctx, id)
}

func ListAllClients(ctx context.Context) ([]*Client, error) {
	return ListAllResource[Client, Client](ctx, "name ASC")
}

// SearchClients matches name/phone/email prefixes for the registration screen.
// Results are capped; narrowing the query is cheaper than paging here.
func SearchClients(ctx context.Context, laboratoryId string, query string) ([]*Client, error) {
	db := config.GetDB()
	pattern := query + "%"
	var clients []*Client
	err := db.WithContext(ctx).
		Where("laboratory_id = ?", laboratoryId).
		Where("name LIKE ? OR phone LIKE ? OR email LIKE ?", pattern, pattern, pattern).
		Order("name ASC").
		Limit(config.SearchLimit).
		Find(&clients).Error
	return clients, err
}

type NewClientInput struct {
	Name    string `json:"name" binding:"required"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func CreateClient(ctx context.Context, laboratoryId string, input NewClientInput) (*Client, error) {
	client := Client{
		LaboratoryId: laboratoryId,
		Name:         input.Name,
		Email:        input.Email,
		Phone:        input.Phone,
		Address:      input.Address,
		IsActive:     utils.NewTrue(),
	}
	if err := ValidateClientContact(&client); err != nil {
		return nil, err
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&client).Error; err != nil {
			return err
		}
		return SaveHistoryCreate(tx, client.ID, client, "client created")
	})
	if err != nil {
		return nil, err
	}
	_ = utils.RemoveRedisList[Client](laboratoryId)
	return &client, nil
}

func UpdateClient(ctx context.Context, laboratoryId string, id int, input NewClientInput) (*Client, error) {
	db := config.GetDB()

	var client Client
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, id).First(&client).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		current := client
		client.Name = input.Name
		client.Email = input.Email
		client.Phone = input.Phone
		client.Address = input.Address
		if err := ValidateClientContact(&client); err != nil {
			return err
		}
		if err := tx.Save(&client).Error; err != nil {
			return err
		}
		return SaveHistoryUpdate(tx, client.ID, current, "client updated")
	})
	if err != nil {
		return nil, err
	}
	_ = RemoveRedisBoth(client, client.ID)
	return &client, nil
}

// DeleteClient removes a client that has no registered orders yet. Clients with
// order history must be deactivated instead.
func DeleteClient(ctx context.Context, laboratoryId string, id int) error {
	db := config.GetDB()

	var client Client
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, id).First(&client).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		var orders int64
		if err := tx.Model(&AnalysisRequest{}).
			Where("laboratory_id = ? AND client_id = ?", laboratoryId, id).
			Count(&orders).Error; err != nil {
			return err
		}
		if orders > 0 {
			return errors.New("client has registered orders and cannot be deleted")
		}
		if err := tx.Delete(&client).Error; err != nil {
			return err
		}
		return SaveHistoryDelete(tx, client.ID, client, "client deleted")
	})
	if err != nil {
		return err
	}
	_ = RemoveRedisBoth(client, client.ID)
	return nil
}
