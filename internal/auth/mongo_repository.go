package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultUsersCollection = "users"

// MongoRepository implements Repository on a MongoDB collection with a unique email index.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a MongoRepository. An empty collection name selects "users".
func NewMongoRepository(db *mongo.Database, collection string) *MongoRepository {
	if collection == "" {
		collection = defaultUsersCollection
	}
	return &MongoRepository{coll: db.Collection(collection)}
}

// EnsureIndexes creates the unique email index the resolver relies on for race safety.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_email_key"),
	})
	return err
}

// FindUserByEmail looks up a user by their normalized email address.
func (r *MongoRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, bson.M{"email": NormalizeEmail(email)})
}

// FindUserByID looks up a user by id.
func (r *MongoRepository) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var doc userDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.toUser()
}

// CreateUser inserts a new user document.
func (r *MongoRepository) CreateUser(ctx context.Context, user User) (User, error) {
	user.Email = NormalizeEmail(user.Email)
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	if _, err := r.coll.InsertOne(ctx, newUserDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, err
	}
	return user, nil
}

// UpdateUserLogin applies the login merge as a single pipeline update. String values
// are wrapped in $literal so provider-supplied names cannot be read as field paths.
func (r *MongoRepository) UpdateUserLogin(ctx context.Context, email string, login LoginUpdate) error {
	set := bson.D{
		{Key: "last_login_at", Value: bson.D{{Key: "$max", Value: bson.A{"$last_login_at", login.At}}}},
		{Key: "updated_at", Value: login.At},
	}
	if login.Name != "" {
		set = append(set, bson.E{Key: "name", Value: literal(login.Name)})
	}
	if login.AvatarURL != "" {
		set = append(set, bson.E{Key: "avatar_url", Value: literal(login.AvatarURL)})
	}
	if field := subjectField(login.Provider); field != "" && login.SubjectID != "" {
		set = append(set, bson.E{Key: field, Value: bson.D{
			{Key: "$ifNull", Value: bson.A{"$" + field, literal(login.SubjectID)}},
		}})
	}

	_, err := r.coll.UpdateOne(ctx,
		bson.M{"email": NormalizeEmail(email)},
		mongo.Pipeline{{{Key: "$set", Value: set}}},
	)
	return err
}

// SetResetToken stores the outstanding reset token and its expiry.
func (r *MongoRepository) SetResetToken(ctx context.Context, email, token string, expiry time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"email": NormalizeEmail(email)},
		bson.M{"$set": bson.M{"reset_token": token, "reset_token_expiry": expiryAtPrecision(expiry, time.Millisecond)}},
	)
	return err
}

// RedeemResetToken consumes a matching, unexpired reset token and sets the new hash.
func (r *MongoRepository) RedeemResetToken(ctx context.Context, email, token, passwordHash string, now time.Time) error {
	filter := bson.M{
		"email":              NormalizeEmail(email),
		"reset_token":        token,
		"reset_token_expiry": bson.M{"$gte": now},
	}
	update := bson.M{
		"$set":   bson.M{"password_hash": passwordHash, "updated_at": now},
		"$unset": bson.M{"reset_token": "", "reset_token_expiry": ""},
	}

	result, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrResetTokenInvalidOrExpired
	}
	return nil
}

func literal(value string) bson.D {
	return bson.D{{Key: "$literal", Value: value}}
}

func subjectField(p Provider) string {
	switch p {
	case ProviderGoogle:
		return "google_id"
	case ProviderGitHub:
		return "github_id"
	default:
		return ""
	}
}

type userDocument struct {
	ID               string    `bson:"_id"`
	Email            string    `bson:"email"`
	Name             string    `bson:"name"`
	PasswordHash     string    `bson:"password_hash,omitempty"`
	Provider         string    `bson:"provider"`
	GoogleID         string    `bson:"google_id,omitempty"`
	GitHubID         string    `bson:"github_id,omitempty"`
	AvatarURL        string    `bson:"avatar_url,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
	LastLoginAt      time.Time `bson:"last_login_at"`
	ResetToken       string    `bson:"reset_token,omitempty"`
	ResetTokenExpiry time.Time `bson:"reset_token_expiry,omitempty"`
}

func newUserDocument(u User) userDocument {
	return userDocument{
		ID:               u.ID.String(),
		Email:            u.Email,
		Name:             u.Name,
		PasswordHash:     u.PasswordHash,
		Provider:         string(u.Provider),
		GoogleID:         u.GoogleID,
		GitHubID:         u.GitHubID,
		AvatarURL:        u.AvatarURL,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
		LastLoginAt:      u.LastLoginAt,
		ResetToken:       u.ResetToken,
		ResetTokenExpiry: u.ResetTokenExpiry,
	}
}

func (d *userDocument) toUser() (*User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:               id,
		Email:            d.Email,
		Name:             d.Name,
		PasswordHash:     d.PasswordHash,
		Provider:         Provider(d.Provider),
		GoogleID:         d.GoogleID,
		GitHubID:         d.GitHubID,
		AvatarURL:        d.AvatarURL,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		LastLoginAt:      d.LastLoginAt,
		ResetToken:       d.ResetToken,
		ResetTokenExpiry: d.ResetTokenExpiry,
	}, nil
}

var _ Repository = (*MongoRepository)(nil)
