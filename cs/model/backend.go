package model

import "time"

// Backend is one independently streamed proxy instance.
type Backend struct {
	Id        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"column:name;size:128;not null;uniqueIndex" json:"name"`
	URL       string    `gorm:"column:url;size:512;not null" json:"url"`
	Token     string    `gorm:"column:token;size:512;not null;default:''" json:"token,omitempty"`
	Enabled   bool      `gorm:"column:enabled;not null" json:"enabled"`
	IsActive  bool      `gorm:"column:is_active;not null" json:"isActive"`
	Listening bool      `gorm:"column:listening;not null" json:"listening"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Backend) TableName() string { return "backend" }

// ShouldListen reports whether a collector pipeline must run for b.
func (b *Backend) ShouldListen() bool { return b.Enabled && b.Listening }
