package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/twicebuy/api/internal/di"
	"github.com/twicebuy/api/internal/handlers"
	"github.com/twicebuy/api/internal/payments"
	"github.com/twicebuy/api/internal/platform/auth"
	"github.com/twicebuy/api/internal/platform/config"
	"github.com/twicebuy/api/internal/platform/events"
	pfirestore "github.com/twicebuy/api/internal/platform/firestore"
	"github.com/twicebuy/api/internal/platform/idempotency"
	"github.com/twicebuy/api/internal/platform/mail"
	"github.com/twicebuy/api/internal/platform/observability"
	"github.com/twicebuy/api/internal/platform/secrets"
	pstorage "github.com/twicebuy/api/internal/platform/storage"
	"github.com/twicebuy/api/internal/repositories"
	firestoreRepo "github.com/twicebuy/api/internal/repositories/firestore"
	"github.com/twicebuy/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Payment.HashKey", "Payment.HashIV"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	userRepo, err := firestoreRepo.NewUserRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise user repository", zap.Error(err))
	}

	gateway, err := payments.NewGateway(payments.Config{
		MerchantID:     cfg.Payment.MerchantID,
		HashKey:        cfg.Payment.HashKey,
		HashIV:         cfg.Payment.HashIV,
		GatewayBaseURL: cfg.Payment.GatewayBaseURL,
		CallbackURL:    cfg.Payment.CallbackURL,
		ResultURL:      cfg.Payment.ResultURL,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	var mailSender mail.Sender
	if strings.TrimSpace(cfg.Mail.Host) != "" {
		smtpSender, err := mail.NewSMTPSender(mail.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
		if err != nil {
			logger.Fatal("failed to initialise mail sender", zap.Error(err))
		}
		mailSender = smtpSender
	}

	var eventsPublisher services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	if cfg.Features.EnableOrderEvents && strings.TrimSpace(cfg.Events.ProjectID) != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.Events.Topic)
		eventsPublisher, err = events.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
	}
	defer func() {
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	}()

	imageUploader, err := newProductImageUploader(cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialise asset upload signer", zap.Error(err))
	}
	if imageUploader == nil {
		logger.Info("asset uploads disabled, no storage signer configured")
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	serviceLogger := zapEventLogger(logger.Named("services"))
	container, err := di.NewContainer(ctx, cfg, di.Deps{
		Orders:   orderRepo,
		Products: productRepo,
		Users:    userRepo,
		Health:   healthRepo,
		Gateway:  gateway,
		Events:   eventsPublisher,
		Images:   imageUploader,
		Mail:     mailSender,
		Build:    buildInfo,
		Logger:   serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	var janitor *idempotency.Janitor
	if cfg.Idempotency.CleanupInterval > 0 {
		janitor = idempotency.NewJanitor(idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
		janitor.Start()
	}

	callbackLimiter := handlers.NewRateLimiter(cfg.RateLimits.CallbackBurst, time.Minute)

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders, idempotencyMiddleware)
	paymentHandlers := handlers.NewPaymentHandlers(gateway, container.Services.Orders, callbackLimiter, cfg.Payment.ResultURL, zapEventLogger(logger.Named("payments")))
	catalogHandlers := handlers.NewCatalogHandlers(container.Services.Catalog)
	meHandlers := handlers.NewMeHandlers(authenticator, container.Services.Users)
	adminHandlers := handlers.NewAdminHandlers(authenticator, container.Services.Orders, container.Services.Catalog, container.Services.Users)
	healthHandlers := handlers.NewHealthHandlers(container.Services.System)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(catalogHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("twicebuy api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	janitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, started time.Time) services.BuildInfo {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}
	version := lookup("API_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit := lookup("API_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	environment := lookup("API_ENVIRONMENT")
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// productImageUploader signs product asset upload URLs against the assets
// bucket.
type productImageUploader struct {
	client *pstorage.Client
	bucket string
}

var _ services.ProductImageUploader = (*productImageUploader)(nil)

func (u *productImageUploader) SignUpload(ctx context.Context, objectPath, contentType string) (services.ProductImageUpload, error) {
	result, err := u.client.SignedURL(ctx, u.bucket, objectPath, pstorage.SignedURLOptions{
		Upload: &pstorage.UploadOptions{
			Method:              http.MethodPut,
			ContentType:         contentType,
			AllowedContentTypes: []string{"image/jpeg", "image/png", "image/webp"},
			MaxSize:             10 << 20,
			ExpiresIn:           15 * time.Minute,
		},
	})
	if err != nil {
		return services.ProductImageUpload{}, err
	}
	return services.ProductImageUpload{
		UploadURL:  result.URL,
		Method:     result.Method,
		Headers:    result.Headers,
		ObjectPath: objectPath,
		PublicURL:  fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.bucket, objectPath),
		ExpiresAt:  result.ExpiresAt,
	}, nil
}

// newProductImageUploader returns nil when no bucket or signer key is
// configured.
func newProductImageUploader(cfg config.StorageConfig) (services.ProductImageUploader, error) {
	bucket := strings.TrimSpace(cfg.AssetsBucket)
	if bucket == "" {
		return nil, nil
	}

	var signer pstorage.Signer
	switch {
	case strings.TrimSpace(cfg.SignerKeySecret) != "":
		s, err := pstorage.NewServiceAccountSignerFromJSON([]byte(cfg.SignerKeySecret))
		if err != nil {
			return nil, err
		}
		signer = s
	case strings.TrimSpace(cfg.SignerKeyFile) != "":
		s, err := pstorage.NewServiceAccountSignerFromFile(cfg.SignerKeyFile)
		if err != nil {
			return nil, err
		}
		signer = s
	default:
		return nil, nil
	}

	client, err := pstorage.NewClient(signer)
	if err != nil {
		return nil, err
	}
	return &productImageUploader{client: client, bucket: bucket}, nil
}

// zapEventLogger adapts a zap logger to the event/fields callback the services
// accept.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Ping: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Ping: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}
