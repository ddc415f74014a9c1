package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/repositories"
)

var (
	// ErrUserInvalidInput signals the caller provided invalid data.
	ErrUserInvalidInput = errors.New("user: invalid input")
	// ErrUserNotFound indicates the profile could not be located.
	ErrUserNotFound = errors.New("user: not found")
	// ErrUserConflict indicates concurrency conflicts on profile writes.
	ErrUserConflict = errors.New("user: conflict")
)

// UserServiceDeps bundles collaborators required to construct the user service.
type UserServiceDeps struct {
	Users repositories.UserRepository
	Clock func() time.Time
}

type userService struct {
	users repositories.UserRepository
	clock func() time.Time
}

var _ UserService = (*userService)(nil)

// NewUserService wires dependencies into a concrete UserService implementation.
func NewUserService(deps UserServiceDeps) (UserService, error) {
	if deps.Users == nil {
		return nil, errors.New("user service: user repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &userService{
		users: deps.Users,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// EnsureProfile provisions the profile projection on first authenticated access
// and refreshes identity fields that changed upstream on later calls.
func (s *userService) EnsureProfile(ctx context.Context, cmd EnsureProfileCommand) (UserProfile, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return UserProfile{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}

	now := s.clock()
	existing, err := s.users.FindByID(ctx, userID)
	switch {
	case err == nil:
		updated := existing
		if email := normalizeEmail(cmd.Email); email != "" && email != existing.Email {
			updated.Email = email
		}
		if name := strings.TrimSpace(cmd.DisplayName); name != "" && name != existing.DisplayName {
			updated.DisplayName = name
		}
		if photo := strings.TrimSpace(cmd.PhotoURL); photo != "" && photo != existing.PhotoURL {
			updated.PhotoURL = photo
		}
		if locale := normalizeLocale(cmd.Locale); locale != "" && locale != existing.Locale {
			updated.Locale = locale
		}
		if updated == existing {
			return existing, nil
		}
		updated.UpdatedAt = now
		profile, err := s.users.Upsert(ctx, updated)
		if err != nil {
			return UserProfile{}, s.mapRepositoryError(err)
		}
		return profile, nil
	case isNotFound(err):
		profile, err := s.users.Upsert(ctx, UserProfile{
			ID:          userID,
			Email:       normalizeEmail(cmd.Email),
			DisplayName: strings.TrimSpace(cmd.DisplayName),
			PhotoURL:    strings.TrimSpace(cmd.PhotoURL),
			Locale:      normalizeLocale(cmd.Locale),
			Role:        domain.UserRoleUser,
			Points:      0,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return UserProfile{}, s.mapRepositoryError(err)
		}
		return profile, nil
	default:
		return UserProfile{}, s.mapRepositoryError(err)
	}
}

func (s *userService) GetProfile(ctx context.Context, userID string) (UserProfile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserProfile{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}
	profile, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return UserProfile{}, s.mapRepositoryError(err)
	}
	return profile, nil
}

func (s *userService) SaveShipping(ctx context.Context, cmd SaveShippingCommand) (UserProfile, error) {
	userID := strings.TrimSpace(cmd.Viewer.UserID)
	if userID == "" {
		return UserProfile{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}

	var shipping *domain.ShippingInfo
	if cmd.Shipping != nil {
		if err := validateShipping(*cmd.Shipping); err != nil {
			return UserProfile{}, fmt.Errorf("%w: %v", ErrUserInvalidInput, err)
		}
		copied := *cmd.Shipping
		shipping = &copied
	}

	profile, err := s.users.UpdateSavedShipping(ctx, userID, shipping, s.clock())
	if err != nil {
		return UserProfile{}, s.mapRepositoryError(err)
	}
	return profile, nil
}

func (s *userService) SetRole(ctx context.Context, cmd SetRoleCommand) (UserProfile, error) {
	if err := RequireAdmin(cmd.Viewer); err != nil {
		return UserProfile{}, err
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return UserProfile{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}
	role := strings.TrimSpace(cmd.Role)
	if role != domain.UserRoleUser && role != domain.UserRoleAdmin {
		return UserProfile{}, fmt.Errorf("%w: unknown role %q", ErrUserInvalidInput, cmd.Role)
	}
	if userID == cmd.Viewer.UserID && role != domain.UserRoleAdmin {
		// The last admin cannot demote themselves through the API.
		return UserProfile{}, fmt.Errorf("%w: cannot revoke own admin role", ErrUserInvalidInput)
	}

	profile, err := s.users.UpdateRole(ctx, userID, role, s.clock())
	if err != nil {
		return UserProfile{}, s.mapRepositoryError(err)
	}
	return profile, nil
}

func (s *userService) ListUsers(ctx context.Context, viewer Viewer, pager Pagination) (domain.CursorPage[UserProfile], error) {
	if err := RequireAdmin(viewer); err != nil {
		return domain.CursorPage[UserProfile]{}, err
	}
	page, err := s.users.List(ctx, pager)
	if err != nil {
		return domain.CursorPage[UserProfile]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *userService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrUserNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrUserConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("user: repository unavailable: %w", err)
		}
	}

	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeLocale canonicalises a BCP 47 tag, returning "" for values that do
// not parse. Locale hints arrive from Accept-Language headers and are best
// effort.
func normalizeLocale(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return ""
	}
	return parsed.String()
}
