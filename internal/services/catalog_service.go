package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/platform/storage"
	"github.com/twicebuy/api/internal/repositories"
)

const productIDPrefix = "prd_"

var (
	// ErrProductInvalidInput signals the caller provided invalid data.
	ErrProductInvalidInput = errors.New("catalog: invalid input")
	// ErrProductNotFound indicates the product could not be located.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrProductConflict indicates duplicates or concurrency conflicts.
	ErrProductConflict = errors.New("catalog: conflict")
	// ErrImageUploadsUnavailable indicates no upload signer is configured.
	ErrImageUploadsUnavailable = errors.New("catalog: image uploads unavailable")
)

var imageContentTypes = []string{"image/jpeg", "image/png", "image/webp"}

// descriptionPolicy strips unsafe markup from admin-supplied product
// descriptions before they reach the storefront.
var descriptionPolicy = bluemonday.UGCPolicy()

var productStatuses = []domain.ProductStatus{
	domain.ProductStatusPreorder,
	domain.ProductStatusInStock,
	domain.ProductStatusClosed,
}

// CatalogServiceDeps bundles collaborators required to construct the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Images      ProductImageUploader
	Clock       func() time.Time
	IDGenerator func() string
}

type catalogService struct {
	products repositories.ProductRepository
	images   ProductImageUploader
	clock    func() time.Time
	newID    func() string
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService wires dependencies into a concrete CatalogService implementation.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	return &catalogService{
		products: deps.Products,
		images:   deps.Images,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error) {
	for _, status := range filter.Status {
		if !slices.Contains(productStatuses, status) {
			return domain.CursorPage[Product]{}, fmt.Errorf("%w: unknown status %q", ErrProductInvalidInput, status)
		}
	}
	page, err := s.products.List(ctx, repositories.ProductListFilter{
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Product]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	if err := RequireAdmin(cmd.Viewer); err != nil {
		return Product{}, err
	}

	status := cmd.Status
	if status == "" {
		status = domain.ProductStatusPreorder
	}

	now := s.clock()
	product := Product{
		ID:                  productIDPrefix + s.newID(),
		Name:                strings.TrimSpace(cmd.Name),
		Description:         sanitizeDescription(cmd.Description),
		Images:              slices.Clone(cmd.Images),
		PriceStage1:         cmd.PriceStage1,
		PriceStage2Estimate: cmd.PriceStage2Estimate,
		Stock:               cmd.Stock,
		Status:              status,
		ReleaseDate:         cloneTimePtr(cmd.ReleaseDate),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := validateProduct(product); err != nil {
		return Product{}, err
	}

	if err := s.products.Insert(ctx, product); err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) UpdateProduct(ctx context.Context, cmd UpdateProductCommand) (Product, error) {
	if err := RequireAdmin(cmd.Viewer); err != nil {
		return Product{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}

	if cmd.Name != nil {
		product.Name = strings.TrimSpace(*cmd.Name)
	}
	if cmd.Description != nil {
		product.Description = sanitizeDescription(*cmd.Description)
	}
	if cmd.Images != nil {
		product.Images = slices.Clone(cmd.Images)
	}
	if cmd.PriceStage1 != nil {
		product.PriceStage1 = *cmd.PriceStage1
	}
	if cmd.PriceStage2Estimate != nil {
		product.PriceStage2Estimate = *cmd.PriceStage2Estimate
	}
	if cmd.Stock != nil {
		product.Stock = *cmd.Stock
	}
	if cmd.Status != nil {
		product.Status = *cmd.Status
	}
	if cmd.ReleaseDate != nil {
		product.ReleaseDate = cloneTimePtr(cmd.ReleaseDate)
	}
	product.UpdatedAt = s.clock()

	if err := validateProduct(product); err != nil {
		return Product{}, err
	}
	if err := s.products.Update(ctx, product); err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) DeleteProduct(ctx context.Context, cmd DeleteProductCommand) error {
	if err := RequireAdmin(cmd.Viewer); err != nil {
		return err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	if err := s.products.Delete(ctx, productID); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *catalogService) CreateProductImageUploadURL(ctx context.Context, cmd ProductImageUploadCommand) (ProductImageUpload, error) {
	if err := RequireAdmin(cmd.Viewer); err != nil {
		return ProductImageUpload{}, err
	}
	if s.images == nil {
		return ProductImageUpload{}, ErrImageUploadsUnavailable
	}

	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return ProductImageUpload{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if !slices.Contains(imageContentTypes, contentType) {
		return ProductImageUpload{}, fmt.Errorf("%w: unsupported content type %q", ErrProductInvalidInput, cmd.ContentType)
	}

	if _, err := s.products.FindByID(ctx, productID); err != nil {
		return ProductImageUpload{}, s.mapRepositoryError(err)
	}

	objectPath, err := storage.BuildObjectPath(storage.PurposeProductImage, storage.PathParams{
		ProductID: productID,
		FileName:  cmd.FileName,
	})
	if err != nil {
		return ProductImageUpload{}, fmt.Errorf("%w: %v", ErrProductInvalidInput, err)
	}

	upload, err := s.images.SignUpload(ctx, objectPath, contentType)
	if err != nil {
		return ProductImageUpload{}, fmt.Errorf("catalog: sign upload url: %w", err)
	}
	return upload, nil
}

func (s *catalogService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrProductNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrProductConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("catalog: repository unavailable: %w", err)
		}
	}

	return err
}

func validateProduct(product Product) error {
	if product.Name == "" {
		return fmt.Errorf("%w: name is required", ErrProductInvalidInput)
	}
	if product.PriceStage1 <= 0 {
		return fmt.Errorf("%w: stage one price must be greater than zero", ErrProductInvalidInput)
	}
	if product.PriceStage2Estimate < 0 {
		return fmt.Errorf("%w: stage two estimate must not be negative", ErrProductInvalidInput)
	}
	if product.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", ErrProductInvalidInput)
	}
	if !slices.Contains(productStatuses, product.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrProductInvalidInput, product.Status)
	}
	return nil
}

func sanitizeDescription(raw string) string {
	return strings.TrimSpace(descriptionPolicy.Sanitize(raw))
}

func cloneTimePtr(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := v.UTC()
	return &t
}
