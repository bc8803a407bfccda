package training

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/stridelabs/gallop/pkg/models"
)

// SimulatedTrainer stands in for the external model-fitting capability.
// It produces metric distributions plausible for each model family; the
// real fitting routine lives out of process and plugs in through the
// Trainer interface.
type SimulatedTrainer struct {
	modelID string
	kind    models.TrainingStrategy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedTrainer creates a trainer for one model family. The seed
// makes runs reproducible in tests.
func NewSimulatedTrainer(modelID string, kind models.TrainingStrategy, seed int64) *SimulatedTrainer {
	return &SimulatedTrainer{
		modelID: modelID,
		kind:    kind,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// DefaultTrainers returns the standard Gallop model families: the blended
// ensemble ranker plus the two individual families it is built from.
func DefaultTrainers(seed int64) []Trainer {
	return []Trainer{
		NewSimulatedTrainer("ensemble", models.StrategyEnsemble, seed),
		NewSimulatedTrainer("gradient_boosting", models.StrategySingle, seed+1),
		NewSimulatedTrainer("random_forest", models.StrategySingle, seed+2),
	}
}

func (t *SimulatedTrainer) ModelID() string {
	return t.modelID
}

func (t *SimulatedTrainer) Kind() models.TrainingStrategy {
	return t.kind
}

// Train simulates fitting the family against the feature set.
func (t *SimulatedTrainer) Train(ctx context.Context, features *FeatureSet) (*models.TrainingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if features == nil || len(features.Matrix) == 0 {
		return nil, errors.New("empty feature set")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var ndcg3 float64
	var hyperparameters map[string]interface{}
	switch t.modelID {
	case "ensemble":
		ndcg3 = 0.80 + (t.rng.Float64() * 0.08)
		hyperparameters = map[string]interface{}{
			"members":      []string{"gradient_boosting", "random_forest"},
			"blend_method": "weighted_average",
		}
	case "gradient_boosting":
		ndcg3 = 0.78 + (t.rng.Float64() * 0.08)
		hyperparameters = map[string]interface{}{
			"learning_rate": 0.05,
			"n_estimators":  400,
			"max_depth":     6,
		}
	case "random_forest":
		ndcg3 = 0.74 + (t.rng.Float64() * 0.08)
		hyperparameters = map[string]interface{}{
			"n_estimators": 300,
			"max_features": "sqrt",
		}
	default:
		ndcg3 = 0.70 + (t.rng.Float64() * 0.08)
	}

	return &models.TrainingResult{
		ModelID:         t.modelID,
		NDCGAt3:         ndcg3,
		NDCGAt5:         minFloat(1, ndcg3+0.02+(t.rng.Float64()*0.03)),
		WinAccuracy:     24 + (t.rng.Float64() * 12),
		PlaceAccuracy:   50 + (t.rng.Float64() * 14),
		ShowAccuracy:    66 + (t.rng.Float64() * 14),
		TrainingTimeMs:  int64(800 + t.rng.Intn(1500)),
		Hyperparameters: hyperparameters,
	}, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
