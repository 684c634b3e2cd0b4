// Package models содержит доменные модели сервиса выдачи видео:
// квоту пользователя и токены просмотра рекламы.
package models

import "time"

// UserQuota хранит счётчики доставок пользователя.
type UserQuota struct {
	UserID        string    `json:"user_id"`
	FreeRemaining int       `json:"free_remaining"` // Оставшиеся бесплатные доставки
	BonusCredits  int       `json:"bonus_credits"`  // Доставки, заработанные просмотром рекламы
	UpdatedAt     time.Time `json:"updated_at"`
}

// Total возвращает общее число доступных доставок.
func (q UserQuota) Total() int {
	return q.FreeRemaining + q.BonusCredits
}
