package training

import (
	"errors"

	"github.com/stridelabs/gallop/pkg/models"
)

var rankingFeatureNames = []string{
	"implied_probability",
	"confidence",
	"field_size",
	"draw",
	"predicted_position",
}

// RankingFeatureBuilder is the default feature preparation: one dense row
// per prediction with a graded relevance label derived from the finishing
// position (win 3, second 2, third 1, else 0), the gain scale NDCG is
// computed over.
type RankingFeatureBuilder struct{}

// NewRankingFeatureBuilder returns the default builder.
func NewRankingFeatureBuilder() *RankingFeatureBuilder {
	return &RankingFeatureBuilder{}
}

// Prepare builds the feature matrix and labels from prediction rows.
func (b *RankingFeatureBuilder) Prepare(rows []models.RacePrediction) (*FeatureSet, error) {
	if len(rows) == 0 {
		return nil, errors.New("no prediction rows to prepare")
	}

	matrix := make([][]float64, 0, len(rows))
	labels := make([]float64, 0, len(rows))
	for _, row := range rows {
		odds := row.Odds.InexactFloat64()
		implied := 0.0
		if odds > 0 {
			implied = 1.0 / odds
		}
		matrix = append(matrix, []float64{
			implied,
			row.Confidence,
			float64(row.FieldSize),
			float64(row.Draw),
			float64(row.PredictedPosition),
		})
		labels = append(labels, relevanceFor(row.ActualPosition))
	}

	return &FeatureSet{
		Matrix:       matrix,
		Labels:       labels,
		FeatureNames: rankingFeatureNames,
	}, nil
}

func relevanceFor(position int) float64 {
	switch position {
	case 1:
		return 3
	case 2:
		return 2
	case 3:
		return 1
	default:
		return 0
	}
}
