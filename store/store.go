package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	scoreField   = "certphisher_score"
	domainField  = "certphisher_site"
	checkedField = "checked_vt"
	logoField    = "logo_detection"
)

type Config struct {
	URI             string `yaml:"uri"`
	Database        string `yaml:"database"`
	Collection      string `yaml:"collection"`
	BrandCollection string `yaml:"brand-collection"`

	InfluxOpts InfluxOpts `yaml:"influxdb"`
}

func (c Config) Open(ctx context.Context) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, errors.Wrap(err, "ping mongodb")
	}
	return client, nil
}

// RecordStore is the single shared mutable state of the pipeline. All
// writes are single-document upserts keyed by record id or by domain.
type RecordStore interface {
	// Insert creates a new record and returns the store-assigned id.
	Insert(ctx context.Context, rec *SiteRecord) (primitive.ObjectID, error)
	// UpdateByID sets the given fields on the record with the given id.
	UpdateByID(ctx context.Context, id primitive.ObjectID, fields bson.M) error
	// UpdateByDomain sets the given fields on the most recent record for
	// the given domain.
	UpdateByDomain(ctx context.Context, domain string, fields bson.M) error
	// SetProviderResult writes a provider's named sub-document. A provider
	// only ever touches its own key.
	SetProviderResult(ctx context.Context, id primitive.ObjectID, provider string, result interface{}) error
	// IncScore atomically increments the record's score. The score never
	// decreases after insertion.
	IncScore(ctx context.Context, id primitive.ObjectID, delta int) error
	// ApplyMismatchPenalty stores the logo detection result and atomically
	// increments the score. The increment is applied at most once per
	// record; the returned bool reports whether it was applied now.
	ApplyMismatchPenalty(ctx context.Context, id primitive.ObjectID, delta int, result interface{}) (bool, error)
	// SetCheckedVT transitions the checked_vt flag false->true. The
	// returned bool reports whether the transition happened now; false
	// means the flag was already set.
	SetCheckedVT(ctx context.Context, id primitive.ObjectID) (bool, error)
	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter bson.M) (int64, error)
	// CAStats aggregates enriched records per certificate authority.
	CAStats(ctx context.Context, limit int64) ([]CACount, error)
}

type MongoStore struct {
	sites *mongo.Collection
}

func NewMongoStore(client *mongo.Client, conf Config) *MongoStore {
	return &MongoStore{
		sites: client.Database(conf.Database).Collection(conf.Collection),
	}
}

func (s *MongoStore) Insert(ctx context.Context, rec *SiteRecord) (primitive.ObjectID, error) {
	res, err := s.sites.InsertOne(ctx, rec)
	if err != nil {
		return primitive.NilObjectID, errors.Wrap(err, "insert site record")
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, errors.New("inserted id is not an object id")
	}
	return id, nil
}

func (s *MongoStore) UpdateByID(ctx context.Context, id primitive.ObjectID, fields bson.M) error {
	_, err := s.sites.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	return errors.Wrap(err, "update site record by id")
}

func (s *MongoStore) UpdateByDomain(ctx context.Context, domain string, fields bson.M) error {
	opts := options.Update()
	_, err := s.sites.UpdateOne(ctx, bson.M{domainField: domain}, bson.M{"$set": fields}, opts)
	return errors.Wrap(err, "update site record by domain")
}

func (s *MongoStore) SetProviderResult(ctx context.Context, id primitive.ObjectID, provider string, result interface{}) error {
	_, err := s.sites.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{provider: result}})
	return errors.Wrap(err, "store provider result")
}

func (s *MongoStore) IncScore(ctx context.Context, id primitive.ObjectID, delta int) error {
	_, err := s.sites.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{scoreField: delta}})
	return errors.Wrap(err, "increment record score")
}

func (s *MongoStore) ApplyMismatchPenalty(ctx context.Context, id primitive.ObjectID, delta int, result interface{}) (bool, error) {
	filter := bson.M{
		"_id": id,
		logoField + ".score_adjusted": bson.M{"$ne": true},
	}
	update := bson.M{
		"$set": bson.M{logoField: result},
		"$inc": bson.M{scoreField: delta},
	}
	res, err := s.sites.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.Wrap(err, "apply mismatch penalty")
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) SetCheckedVT(ctx context.Context, id primitive.ObjectID) (bool, error) {
	filter := bson.M{"_id": id, checkedField: false}
	update := bson.M{"$set": bson.M{checkedField: true}}
	res, err := s.sites.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.Wrap(err, "set checked_vt flag")
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	count, err := s.sites.CountDocuments(ctx, filter)
	return count, errors.Wrap(err, "count site records")
}

func (s *MongoStore) CAStats(ctx context.Context, limit int64) ([]CACount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{checkedField: true}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$certificate_authority",
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.M{"count": -1}}},
		{{Key: "$limit", Value: limit}},
	}

	cur, err := s.sites.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate CA stats")
	}
	defer cur.Close(ctx)

	var res []CACount
	if err := cur.All(ctx, &res); err != nil {
		return nil, errors.Wrap(err, "decode CA stats")
	}
	return res, nil
}
