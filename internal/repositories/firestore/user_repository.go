package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/twicebuy/api/internal/domain"
	pfirestore "github.com/twicebuy/api/internal/platform/firestore"
	"github.com/twicebuy/api/internal/platform/pagination"
	"github.com/twicebuy/api/internal/repositories"
)

const userCollection = "users"

// UserRepository persists user profile projections keyed by Firebase UID.
type UserRepository struct {
	base     *pfirestore.BaseRepository[userDocument]
	provider *pfirestore.Provider
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[userDocument](provider, userCollection)
	return &UserRepository{base: base, provider: provider}, nil
}

// FindByID loads the profile by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	profile := toDomainUser(doc.Data)
	profile.ID = doc.ID
	return profile, nil
}

// Upsert writes the full profile document.
func (r *UserRepository) Upsert(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(profile.ID) == "" {
		return domain.UserProfile{}, errors.New("profile id is required")
	}

	doc := fromDomainUser(profile)
	if err := r.base.Set(ctx, profile.ID, doc); err != nil {
		return domain.UserProfile{}, err
	}
	saved := toDomainUser(doc)
	saved.ID = profile.ID
	return saved, nil
}

// UpdateRole changes the profile role inside a transaction.
func (r *UserRepository) UpdateRole(ctx context.Context, userID string, role string, now time.Time) (domain.UserProfile, error) {
	return r.mutate(ctx, userID, func(doc *userDocument) error {
		trimmed := strings.TrimSpace(role)
		if trimmed != domain.UserRoleUser && trimmed != domain.UserRoleAdmin {
			return fmt.Errorf("unsupported role %q", role)
		}
		doc.Role = trimmed
		doc.UpdatedAt = now.UTC()
		return nil
	})
}

// UpdateSavedShipping replaces the profile's saved shipping details. A nil
// value clears them.
func (r *UserRepository) UpdateSavedShipping(ctx context.Context, userID string, shipping *domain.ShippingInfo, now time.Time) (domain.UserProfile, error) {
	return r.mutate(ctx, userID, func(doc *userDocument) error {
		if shipping == nil {
			doc.SavedShipping = nil
		} else {
			converted := shippingDocument(*shipping)
			doc.SavedShipping = &converted
		}
		doc.UpdatedAt = now.UTC()
		return nil
	})
}

// List returns profiles newest first.
func (r *UserRepository) List(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.UserProfile], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.UserProfile]{}, errors.New("user repository not initialised")
	}

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := 0
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var tokenTime time.Time
	tokenID := ""
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		var err error
		tokenTime, tokenID, err = pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.UserProfile]{}, fmt.Errorf("users.list: invalid page token: %w", err)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if tokenID != "" {
			q = q.StartAfter(tokenTime, tokenID)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.UserProfile]{}, err
	}

	nextToken := ""
	if fetchLimit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = pagination.EncodeToken(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.UserProfile, 0, len(docs))
	for _, doc := range docs {
		profile := toDomainUser(doc.Data)
		profile.ID = doc.ID
		items = append(items, profile)
	}
	return domain.CursorPage[domain.UserProfile]{Items: items, NextPageToken: nextToken}, nil
}

func (r *UserRepository) mutate(ctx context.Context, userID string, apply func(doc *userDocument) error) (domain.UserProfile, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}

	var updated domain.UserProfile
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc userDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode user %s: %w", uid, err)
		}
		if err := apply(&doc); err != nil {
			return err
		}
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		updated = toDomainUser(doc)
		updated.ID = uid
		return nil
	})
	if err != nil {
		return domain.UserProfile{}, err
	}
	return updated, nil
}

type userDocument struct {
	Email         string            `firestore:"email"`
	DisplayName   string            `firestore:"displayName"`
	PhotoURL      string            `firestore:"photoURL"`
	Locale        string            `firestore:"locale,omitempty"`
	Role          string            `firestore:"role"`
	Points        int64             `firestore:"points"`
	SavedShipping *shippingDocument `firestore:"savedShipping,omitempty"`
	CreatedAt     time.Time         `firestore:"createdAt"`
	UpdatedAt     time.Time         `firestore:"updatedAt"`
}

func toDomainUser(doc userDocument) domain.UserProfile {
	profile := domain.UserProfile{
		Email:       strings.TrimSpace(doc.Email),
		DisplayName: doc.DisplayName,
		PhotoURL:    strings.TrimSpace(doc.PhotoURL),
		Locale:      strings.TrimSpace(doc.Locale),
		Role:        doc.Role,
		Points:      doc.Points,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	if profile.Role == "" {
		profile.Role = domain.UserRoleUser
	}
	if doc.SavedShipping != nil {
		shipping := domain.ShippingInfo(*doc.SavedShipping)
		profile.SavedShipping = &shipping
	}
	return profile
}

func fromDomainUser(profile domain.UserProfile) userDocument {
	doc := userDocument{
		Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
		DisplayName: strings.TrimSpace(profile.DisplayName),
		PhotoURL:    strings.TrimSpace(profile.PhotoURL),
		Locale:      strings.TrimSpace(profile.Locale),
		Role:        strings.TrimSpace(profile.Role),
		Points:      profile.Points,
		CreatedAt:   profile.CreatedAt,
		UpdatedAt:   profile.UpdatedAt,
	}
	if doc.Role == "" {
		doc.Role = domain.UserRoleUser
	}
	if profile.SavedShipping != nil {
		shipping := shippingDocument(*profile.SavedShipping)
		doc.SavedShipping = &shipping
	}
	return doc
}

// Ensure interface compliance.
var _ repositories.UserRepository = (*UserRepository)(nil)
