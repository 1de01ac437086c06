package risk

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/database"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

const signalCollection = "risk_signals"

// signalDoc is the archive's Mongo representation of a risk signal.
// Identity IDs are stored as strings so they are queryable from mongosh
// and the operator UI.
type signalDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	IdentityID string             `bson:"identity_id"`
	Kind       string             `bson:"kind"`
	Magnitude  float64            `bson:"magnitude"`
	Timestamp  time.Time          `bson:"timestamp"`
}

// MongoArchiver appends accepted risk signals to MongoDB so the operator UI
// can audit why an identity's score moved. Writes are fire-and-forget: an
// archive failure never blocks or fails scoring.
type MongoArchiver struct{}

// Archive inserts the signal in the background.
func (a *MongoArchiver) Archive(signal models.RiskSignal) {
	doc := signalDoc{
		ID:         primitive.NewObjectID(),
		IdentityID: signal.IdentityID.String(),
		Kind:       string(signal.Kind),
		Magnitude:  signal.Magnitude,
		Timestamp:  signal.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := database.DB.Collection(signalCollection).InsertOne(ctx, doc); err != nil {
			log.Printf("risk: archive signal for %s: %v", doc.IdentityID, err)
		}
	}()
}

// ListSignals returns the most recent archived signals for an identity,
// newest first.
func (a *MongoArchiver) ListSignals(ctx context.Context, identityID uuid.UUID, limit int64) ([]models.RiskSignal, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(limit)

	cursor, err := database.DB.Collection(signalCollection).Find(ctx, bson.M{"identity_id": identityID.String()}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []signalDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	signals := make([]models.RiskSignal, 0, len(docs))
	for _, d := range docs {
		signals = append(signals, models.RiskSignal{
			ID:         d.ID,
			IdentityID: identityID,
			Kind:       models.SignalKind(d.Kind),
			Magnitude:  d.Magnitude,
			Timestamp:  d.Timestamp,
		})
	}
	return signals, nil
}

// EnsureSignalIndexes creates the indexes the archive queries rely on.
func EnsureSignalIndexes(ctx context.Context) error {
	_, err := database.DB.Collection(signalCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "identity_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	return err
}
