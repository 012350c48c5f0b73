package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the user store using a BoltDB backend. Users are kept in a primary bucket keyed by id,
// with two index buckets mapping the Google subject and the lowercased email to that id.
type BoltDB struct {
	db *bolt.DB
}

var (
	usersBucket         = []byte("users")
	usersByGoogleBucket = []byte("users_by_google")
	usersByEmailBucket  = []byte("users_by_email")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, usersByGoogleBucket, usersByEmailBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// User retrieves a user by id. It returns models.ErrUserNotFound when no such user exists.
func (b BoltDB) User(_ context.Context, id string) (models.User, error) {
	var user models.User
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = getUser(tx, []byte(id))
		return err
	})
	return user, err
}

// UpsertGoogleUser resolves the profile to a user. An existing user with the same Google subject gets its
// picture refreshed when it changed; otherwise a new user is created. If the email already belongs to a
// different Google subject, models.ErrDuplicateAccount is returned and nothing is written.
func (b BoltDB) UpsertGoogleUser(_ context.Context, profile models.GoogleProfile) (models.User, error) {
	var user models.User
	err := b.db.Update(func(tx *bolt.Tx) error {
		byGoogle := tx.Bucket(usersByGoogleBucket)
		byEmail := tx.Bucket(usersByEmailBucket)
		now := time.Now().UTC()

		if id := byGoogle.Get([]byte(profile.ID)); id != nil {
			existing, err := getUser(tx, id)
			if err != nil {
				return err
			}
			if profile.Picture != "" && existing.Picture != profile.Picture {
				existing.Picture = profile.Picture
				existing.UpdatedAt = now
				if err := putUser(tx, existing); err != nil {
					return err
				}
			}
			user = existing
			return nil
		}

		email := normalizeEmail(profile.Email)
		if byEmail.Get([]byte(email)) != nil {
			return models.ErrDuplicateAccount
		}

		user = newUserFromProfile(profile, now)
		if err := putUser(tx, user); err != nil {
			return err
		}
		if err := byGoogle.Put([]byte(user.GoogleID), []byte(user.ID)); err != nil {
			return fmt.Errorf("failed to index google id: %w", err)
		}
		if err := byEmail.Put([]byte(email), []byte(user.ID)); err != nil {
			return fmt.Errorf("failed to index email: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func getUser(tx *bolt.Tx, id []byte) (models.User, error) {
	v := tx.Bucket(usersBucket).Get(id)
	if v == nil {
		return models.User{}, models.ErrUserNotFound
	}
	var user models.User
	if err := json.Unmarshal(v, &user); err != nil {
		return models.User{}, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return user, nil
}

func putUser(tx *bolt.Tx, user models.User) error {
	v, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return tx.Bucket(usersBucket).Put([]byte(user.ID), v)
}

func newUserFromProfile(profile models.GoogleProfile, now time.Time) models.User {
	return models.User{
		ID:         uuid.New().String(),
		GoogleID:   profile.ID,
		Email:      normalizeEmail(profile.Email),
		Name:       profile.Name,
		Picture:    profile.Picture,
		GivenName:  profile.GivenName,
		FamilyName: profile.FamilyName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
