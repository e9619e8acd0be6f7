// services/payment-verification/internal/repository/mongo.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
)

const (
	paymentsCollection    = "payments"
	retailersCollection   = "retailers"
	wholesalersCollection = "wholesalers"
	otpsCollection        = "payment_otps"
)

// NewMongoStore builds the mongo backed repositories. Amounts are stored as
// decimal strings so no precision is lost through BSON doubles.
func NewMongoStore(db *mongo.Database, closer func() error) *Store {
	return &Store{
		Payments: &MongoPaymentRepository{coll: db.Collection(paymentsCollection)},
		Tenants: &MongoTenantRepository{
			retailers:   db.Collection(retailersCollection),
			wholesalers: db.Collection(wholesalersCollection),
		},
		OTPs:   &MongoOTPRepository{coll: db.Collection(otpsCollection)},
		closer: closer,
	}
}

// EnsureIndexes creates the secondary indexes the queries rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(paymentsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "retailer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to index payments: %w", err)
	}

	_, err = db.Collection(otpsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "retailer_id", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to index otps: %w", err)
	}
	return nil
}

type paymentDoc struct {
	ID             string     `bson:"_id"`
	Amount         string     `bson:"amount"`
	RetailerID     string     `bson:"retailer_id"`
	WholesalerID   string     `bson:"wholesaler_id,omitempty"`
	LineWorkerID   string     `bson:"line_worker_id,omitempty"`
	LineWorkerName string     `bson:"line_worker_name"`
	IsVerified     bool       `bson:"is_verified"`
	VerifiedAt     *time.Time `bson:"verified_at,omitempty"`
	Status         string     `bson:"status"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	ExpiresAt      time.Time  `bson:"expires_at"`
}

func toPaymentDoc(p *models.Payment) paymentDoc {
	return paymentDoc{
		ID:             p.ID,
		Amount:         p.Amount.String(),
		RetailerID:     p.RetailerID,
		WholesalerID:   p.WholesalerID,
		LineWorkerID:   p.LineWorkerID,
		LineWorkerName: p.LineWorkerName,
		IsVerified:     p.IsVerified,
		VerifiedAt:     p.VerifiedAt,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		ExpiresAt:      p.ExpiresAt,
	}
}

func (d paymentDoc) model() (*models.Payment, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("payment %s has invalid amount: %w", d.ID, err)
	}
	return &models.Payment{
		ID:             d.ID,
		Amount:         amount,
		RetailerID:     d.RetailerID,
		WholesalerID:   d.WholesalerID,
		LineWorkerID:   d.LineWorkerID,
		LineWorkerName: d.LineWorkerName,
		IsVerified:     d.IsVerified,
		VerifiedAt:     d.VerifiedAt,
		Status:         models.PaymentStatus(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		ExpiresAt:      d.ExpiresAt,
	}, nil
}

type otpDoc struct {
	PaymentID           string     `bson:"_id"`
	Code                string     `bson:"code"`
	RetailerID          string     `bson:"retailer_id"`
	RetailerUserID      string     `bson:"retailer_user_id,omitempty"`
	Phone               string     `bson:"phone,omitempty"`
	RetailerName        string     `bson:"retailer_name,omitempty"`
	Amount              string     `bson:"amount"`
	LineWorkerName      string     `bson:"line_worker_name,omitempty"`
	RequestedBy         string     `bson:"requested_by,omitempty"`
	WholesalerID        string     `bson:"wholesaler_id,omitempty"`
	Attempts            int        `bson:"attempts"`
	IsUsed              bool       `bson:"is_used"`
	UsedAt              *time.Time `bson:"used_at,omitempty"`
	VerifiedBy          string     `bson:"verified_by,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
	ExpiresAt           time.Time  `bson:"expires_at"`
	LastAttemptAt       *time.Time `bson:"last_attempt_at,omitempty"`
	ConsecutiveFailures int        `bson:"consecutive_failures"`
	CooldownUntil       *time.Time `bson:"cooldown_until,omitempty"`
	BreachDetected      bool       `bson:"breach_detected"`
	Version             int64      `bson:"version"`
}

func toOTPDoc(o *models.OTP) otpDoc {
	return otpDoc{
		PaymentID:           o.PaymentID,
		Code:                o.Code,
		RetailerID:          o.RetailerID,
		RetailerUserID:      o.RetailerUserID,
		Phone:               o.Phone,
		RetailerName:        o.RetailerName,
		Amount:              o.Amount.String(),
		LineWorkerName:      o.LineWorkerName,
		RequestedBy:         o.RequestedBy,
		WholesalerID:        o.WholesalerID,
		Attempts:            o.Attempts,
		IsUsed:              o.IsUsed,
		UsedAt:              o.UsedAt,
		VerifiedBy:          o.VerifiedBy,
		CreatedAt:           o.CreatedAt,
		ExpiresAt:           o.ExpiresAt,
		LastAttemptAt:       o.Security.LastAttemptAt,
		ConsecutiveFailures: o.Security.ConsecutiveFailures,
		CooldownUntil:       o.Security.CooldownUntil,
		BreachDetected:      o.Security.BreachDetected,
		Version:             o.Version,
	}
}

func (d otpDoc) model() (*models.OTP, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("otp %s has invalid amount: %w", d.PaymentID, err)
	}
	return &models.OTP{
		PaymentID:      d.PaymentID,
		Code:           d.Code,
		RetailerID:     d.RetailerID,
		RetailerUserID: d.RetailerUserID,
		Phone:          d.Phone,
		RetailerName:   d.RetailerName,
		Amount:         amount,
		LineWorkerName: d.LineWorkerName,
		RequestedBy:    d.RequestedBy,
		WholesalerID:   d.WholesalerID,
		Attempts:       d.Attempts,
		IsUsed:         d.IsUsed,
		UsedAt:         d.UsedAt,
		VerifiedBy:     d.VerifiedBy,
		CreatedAt:      d.CreatedAt,
		ExpiresAt:      d.ExpiresAt,
		Security: models.OTPSecurity{
			LastAttemptAt:       d.LastAttemptAt,
			ConsecutiveFailures: d.ConsecutiveFailures,
			CooldownUntil:       d.CooldownUntil,
			BreachDetected:      d.BreachDetected,
		},
		Version: d.Version,
	}, nil
}

// Payments

type MongoPaymentRepository struct {
	coll *mongo.Collection
}

func (r *MongoPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	_, err := r.coll.InsertOne(ctx, toPaymentDoc(payment))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *MongoPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var doc paymentDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.model()
}

func (r *MongoPaymentRepository) ListByRetailer(ctx context.Context, retailerID string) ([]*models.Payment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.coll.Find(ctx, bson.M{"retailer_id": retailerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	payments := []*models.Payment{}
	for cursor.Next(ctx) {
		var doc paymentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		payment, err := doc.model()
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, cursor.Err()
}

func (r *MongoPaymentRepository) conditionalUpdate(ctx context.Context, id string, filter, update bson.M) (bool, error) {
	filter["_id"] = id
	result, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if result.MatchedCount > 0 {
		return true, nil
	}

	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *MongoPaymentRepository) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, id,
		bson.M{"is_verified": false},
		bson.M{"$set": bson.M{
			"is_verified": true,
			"verified_at": at,
			"status":      string(models.PaymentStatusVerified),
			"updated_at":  at,
		}})
}

func (r *MongoPaymentRepository) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, id,
		bson.M{"is_verified": false, "status": bson.M{"$ne": string(models.PaymentStatusExpired)}},
		bson.M{"$set": bson.M{"status": string(models.PaymentStatusExpired), "updated_at": at}})
}

func (r *MongoPaymentRepository) MarkOTPSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, id,
		bson.M{"is_verified": false, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": bson.M{"status": string(models.PaymentStatusOTPSent), "updated_at": at}})
}

func (r *MongoPaymentRepository) DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.coll.DeleteMany(ctx, bson.M{
		"is_verified": false,
		"expires_at":  bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// Tenants

type MongoTenantRepository struct {
	retailers   *mongo.Collection
	wholesalers *mongo.Collection
}

func (r *MongoTenantRepository) GetRetailer(ctx context.Context, id string) (*models.Retailer, error) {
	var retailer models.Retailer
	err := r.retailers.FindOne(ctx, bson.M{"_id": id}).Decode(&retailer)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &retailer, nil
}

func (r *MongoTenantRepository) SaveRetailer(ctx context.Context, retailer *models.Retailer) error {
	_, err := r.retailers.ReplaceOne(ctx, bson.M{"_id": retailer.ID}, retailer, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoTenantRepository) GetWholesaler(ctx context.Context, id string) (*models.Wholesaler, error) {
	var wholesaler models.Wholesaler
	err := r.wholesalers.FindOne(ctx, bson.M{"_id": id}).Decode(&wholesaler)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wholesaler, nil
}

func (r *MongoTenantRepository) SaveWholesaler(ctx context.Context, wholesaler *models.Wholesaler) error {
	_, err := r.wholesalers.ReplaceOne(ctx, bson.M{"_id": wholesaler.ID}, wholesaler, options.Replace().SetUpsert(true))
	return err
}

// OTPs

type MongoOTPRepository struct {
	coll *mongo.Collection
}

func (r *MongoOTPRepository) load(ctx context.Context, paymentID string) (*models.OTP, error) {
	var doc otpDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": paymentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.model()
}

func (r *MongoOTPRepository) Get(ctx context.Context, paymentID string) (*models.OTP, error) {
	return r.load(ctx, paymentID)
}

// Mutate is an optimistic read-modify-write. Every write is filtered on the
// version that was read; a concurrent writer makes the filter miss and the
// whole cycle is retried.
func (r *MongoOTPRepository) Mutate(ctx context.Context, paymentID string, fn MutateFunc) error {
	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		current, err := r.load(ctx, paymentID)
		if errors.Is(err, ErrNotFound) {
			current = nil
		} else if err != nil {
			return err
		}

		next, write, err := applyMutation(current, fn)
		if err != nil || !write {
			return err
		}

		err = r.write(ctx, paymentID, current, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *MongoOTPRepository) write(ctx context.Context, paymentID string, current, next *models.OTP) error {
	if current == nil {
		next.PaymentID = paymentID
		_, err := r.coll.InsertOne(ctx, toOTPDoc(next))
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return err
	}

	filter := bson.M{"_id": paymentID, "version": current.Version}
	if next == nil {
		result, err := r.coll.DeleteOne(ctx, filter)
		if err != nil {
			return err
		}
		if result.DeletedCount == 0 {
			return ErrConflict
		}
		return nil
	}

	next.PaymentID = paymentID
	result, err := r.coll.ReplaceOne(ctx, filter, toOTPDoc(next))
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (r *MongoOTPRepository) ListActiveByRetailer(ctx context.Context, retailerID string, now time.Time) ([]*models.OTP, error) {
	filter := bson.M{
		"retailer_id": retailerID,
		"is_used":     false,
		"expires_at":  bson.M{"$gt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	otps := []*models.OTP{}
	for cursor.Next(ctx) {
		var doc otpDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		otp, err := doc.model()
		if err != nil {
			return nil, err
		}
		otps = append(otps, otp)
	}
	return otps, cursor.Err()
}

func (r *MongoOTPRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}
