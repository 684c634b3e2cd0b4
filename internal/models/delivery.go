package models

import "time"

// Delivery сообщение транспортному слою о разрешённой отправке видео.
type Delivery struct {
	UserID    string    `json:"user_id"`
	VideoKey  string    `json:"video_key"`
	Tier      string    `json:"tier"`
	GrantedAt time.Time `json:"granted_at"`
}
