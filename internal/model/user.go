package model

import "time"

// User 对应于数据库中的 'users' 表。
type User struct {
	UserID    string    `gorm:"column:user_id;type:uuid;primaryKey" json:"userId"`
	Username  string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"username"`
	Password  string    `gorm:"type:varchar(255);not null" json:"-"`
	Role      string    `gorm:"type:varchar(20);not null;default:USER" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}
