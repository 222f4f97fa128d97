package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys used by the realtime session. The store itself is key-agnostic.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

var (
	// ErrCredentialsUnavailable is returned when the token or the user blob
	// is missing or unparseable. The session cannot start without both.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")

	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("credential store timeout")
)

// Store is the secure credential storage contract. Absent keys return an
// empty value and no error; failures and timeouts surface as errors.
type Store interface {
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Credentials is the resolved identity needed to open a realtime session.
type Credentials struct {
	Token  string
	UserID string
}

// userBlob mirrors the stored user JSON. The backend uses "_id"; older
// payloads carry "id".
type userBlob struct {
	MongoID string `json:"_id"`
	ID      string `json:"id"`
}

// Resolve reads the token and user blob from the store and extracts the
// user id. Missing or malformed values fail with ErrCredentialsUnavailable.
func Resolve(ctx context.Context, s Store) (Credentials, error) {
	token, err := s.GetItem(ctx, KeyToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("get token: %w", err)
	}
	if token == "" {
		return Credentials{}, fmt.Errorf("%w: no token stored", ErrCredentialsUnavailable)
	}

	user, err := s.GetItem(ctx, KeyUser)
	if err != nil {
		return Credentials{}, fmt.Errorf("get user: %w", err)
	}
	if user == "" {
		return Credentials{}, fmt.Errorf("%w: no user stored", ErrCredentialsUnavailable)
	}

	var blob userBlob
	if err := json.Unmarshal([]byte(user), &blob); err != nil {
		return Credentials{}, fmt.Errorf("%w: invalid user blob: %v", ErrCredentialsUnavailable, err)
	}
	userID := blob.MongoID
	if userID == "" {
		userID = blob.ID
	}
	if userID == "" {
		return Credentials{}, fmt.Errorf("%w: user blob has no id", ErrCredentialsUnavailable)
	}

	return Credentials{Token: token, UserID: userID}, nil
}
