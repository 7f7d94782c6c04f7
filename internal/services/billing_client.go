package services

import (
	"context"
	"fmt"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// BillingClient is the subset of the Google Play Developer API the service depends on.
type BillingClient interface {
	GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*androidpublisher.SubscriptionPurchase, error)
	GetProduct(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error)
	AcknowledgeSubscription(ctx context.Context, packageName, subscriptionID, token string) error
	AcknowledgeProduct(ctx context.Context, packageName, productID, token string) error
}

// GooglePlayClient calls the Android Publisher v3 API with a service account.
type GooglePlayClient struct {
	service *androidpublisher.Service
}

// NewGooglePlayClient creates the process-wide publisher client. An empty
// credentialsFile falls back to Application Default Credentials.
func NewGooglePlayClient(ctx context.Context, credentialsFile string) (*GooglePlayClient, error) {
	opts := []option.ClientOption{option.WithScopes(androidpublisher.AndroidpublisherScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	service, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher service: %w", err)
	}
	return &GooglePlayClient{service: service}, nil
}

func (c *GooglePlayClient) GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*androidpublisher.SubscriptionPurchase, error) {
	return c.service.Purchases.Subscriptions.Get(packageName, subscriptionID, token).Context(ctx).Do()
}

func (c *GooglePlayClient) GetProduct(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error) {
	return c.service.Purchases.Products.Get(packageName, productID, token).Context(ctx).Do()
}

func (c *GooglePlayClient) AcknowledgeSubscription(ctx context.Context, packageName, subscriptionID, token string) error {
	return c.service.Purchases.Subscriptions.
		Acknowledge(packageName, subscriptionID, token, &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}).
		Context(ctx).Do()
}

func (c *GooglePlayClient) AcknowledgeProduct(ctx context.Context, packageName, productID, token string) error {
	return c.service.Purchases.Products.
		Acknowledge(packageName, productID, token, &androidpublisher.ProductPurchasesAcknowledgeRequest{}).
		Context(ctx).Do()
}
