package store

import "time"

// answerRow is the `answers` table: content-addressed, deduplicated upstream
// payloads shared by every question whose content hashes the same.
type answerRow struct {
	ID           string `gorm:"primaryKey;column:id"`
	Payload      []byte `gorm:"column:payload"`
	Compressed   bool   `gorm:"column:compressed"`
	OriginalSize int    `gorm:"column:original_size"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	RefCount     int    `gorm:"column:ref_count"`
}

func (answerRow) TableName() string { return "answers" }

// questionRow is the `questions` table: one row per fingerprint, pointing
// at the answer it resolves to.
type questionRow struct {
	Fingerprint string    `gorm:"primaryKey;column:fingerprint"`
	Payload     []byte    `gorm:"column:payload"`
	Version     int       `gorm:"column:version;index"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	LastAccess  time.Time `gorm:"column:last_access"`
	HitCount    int64     `gorm:"column:hit_count"`
	AnswerID    string    `gorm:"column:answer_id;not null;index"`
	Answer      answerRow `gorm:"foreignKey:AnswerID;references:ID;constraint:OnDelete:RESTRICT"`
}

func (questionRow) TableName() string { return "questions" }
