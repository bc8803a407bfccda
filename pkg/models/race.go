package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RacePrediction is one historical prediction row, the unit of training
// data. Odds are fixed-point to survive round-tripping through the store.
type RacePrediction struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	RaceID            string          `json:"race_id" gorm:"index"`
	HorseID           string          `json:"horse_id" gorm:"index"`
	ModelID           string          `json:"model_id" gorm:"index"`
	Odds              decimal.Decimal `json:"odds" gorm:"type:decimal(10,2)"`
	Confidence        float64         `json:"confidence"`
	PredictedPosition int             `json:"predicted_position"`
	ActualPosition    int             `json:"actual_position"`
	FieldSize         int             `json:"field_size"`
	Draw              int             `json:"draw"`
	Won               bool            `json:"won"`
	Placed            bool            `json:"placed"`
	RaceDate          time.Time       `json:"race_date" gorm:"index"`
	CreatedAt         time.Time       `json:"created_at"`
}
