package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "facturas"

// MongoStore keeps invoices in the facturas collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore uses db's invoice collection. Call EnsureIndexes before use.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(collectionName)}
}

// EnsureIndexes creates the invoice indexes. The unique index on cosecha_id
// is what guarantees one invoice per harvest across instances.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "factura_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("factura_id_unique")},
		{Keys: bson.D{{Key: "cosecha_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("cosecha_id_unique")},
		{Keys: bson.D{{Key: "fecha_emision", Value: -1}}, Options: options.Index().SetName("fecha_emision_desc")},
		{Keys: bson.D{{Key: "pagado", Value: 1}}, Options: options.Index().SetName("pagado")},
	})
	if err != nil {
		return fmt.Errorf("create invoice indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, inv *Invoice) error {
	if _, err := s.collection.InsertOne(ctx, inv); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D) (*Invoice, error) {
	var inv Invoice
	err := s.collection.FindOne(ctx, filter).Decode(&inv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find invoice: %w", err)
	}
	return &inv, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.findOne(ctx, bson.D{{Key: "factura_id", Value: id}})
}

func (s *MongoStore) FindByHarvest(ctx context.Context, harvestID string) (*Invoice, error) {
	return s.findOne(ctx, bson.D{{Key: "cosecha_id", Value: harvestID}})
}

func (s *MongoStore) List(ctx context.Context, filter ListFilter) (Page, error) {
	query := bson.D{}
	if filter.Paid != nil {
		query = append(query, bson.E{Key: "pagado", Value: *filter.Paid})
	}

	total, err := s.collection.CountDocuments(ctx, query)
	if err != nil {
		return Page{}, fmt.Errorf("count invoices: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "fecha_emision", Value: -1}}).
		SetSkip(filter.Skip()).
		SetLimit(int64(filter.Limit))
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return Page{}, fmt.Errorf("list invoices: %w", err)
	}

	invoices := []Invoice{}
	if err := cursor.All(ctx, &invoices); err != nil {
		return Page{}, fmt.Errorf("decode invoices: %w", err)
	}
	return Page{Invoices: invoices, Total: total}, nil
}

func (s *MongoStore) MarkPaid(ctx context.Context, id string, method PaymentMethod, at time.Time) (*Invoice, error) {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "pagado", Value: true},
		{Key: "metodo_pago", Value: method},
		{Key: "fecha_pago", Value: at},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var inv Invoice
	err := s.collection.FindOneAndUpdate(ctx, bson.D{{Key: "factura_id", Value: id}}, update, opts).Decode(&inv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark invoice paid: %w", err)
	}
	return &inv, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.D{{Key: "factura_id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
