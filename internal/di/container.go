package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twicebuy/api/internal/platform/config"
	"github.com/twicebuy/api/internal/platform/mail"
	"github.com/twicebuy/api/internal/repositories"
	"github.com/twicebuy/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders  services.OrderService
	Catalog services.CatalogService
	Users   services.UserService
	System  services.SystemService
}

// Deps carries the infrastructure the container wires services from. Events,
// Mail, and Health are optional; the corresponding service features degrade
// gracefully when they are absent.
type Deps struct {
	Orders   repositories.OrderRepository
	Products repositories.ProductRepository
	Users    repositories.UserRepository
	Health   repositories.HealthRepository
	Gateway  services.PaymentGateway
	Events   services.OrderEventPublisher
	Images   services.ProductImageUploader
	Mail     mail.Sender
	Build    services.BuildInfo
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config   config.Config
	Services Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory repositories.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:   cfg,
		Services: svc,
	}, nil
}

func buildServices(_ context.Context, cfg config.Config, deps Deps) (Services, error) {
	var svc Services

	if deps.Orders == nil || deps.Products == nil || deps.Users == nil {
		return Services{}, errors.New("order, product, and user repositories are required")
	}

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: deps.Products,
		Images:   deps.Images,
		Clock:    time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	userSvc, err := services.NewUserService(services.UserServiceDeps{
		Users: deps.Users,
		Clock: time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build user service: %w", err)
	}
	svc.Users = userSvc

	var notifier services.Notifier
	if deps.Mail != nil && cfg.Features.EnableMailNotifications {
		users := deps.Users
		notifier, err = services.NewMailNotifier(services.MailNotifierDeps{
			Sender: deps.Mail,
			Recipient: func(ctx context.Context, userID string) (string, error) {
				profile, err := users.FindByID(ctx, userID)
				if err != nil {
					return "", err
				}
				return strings.TrimSpace(profile.Email), nil
			},
			Logger: deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build mail notifier: %w", err)
		}
	}

	var events services.OrderEventPublisher
	if deps.Events != nil && cfg.Features.EnableOrderEvents {
		events = deps.Events
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   deps.Orders,
		Products: deps.Products,
		Gateway:  deps.Gateway,
		Clock:    time.Now,
		Events:   events,
		Notifier: notifier,
		Logger:   deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if deps.Health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: deps.Health,
			Clock:            time.Now,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
