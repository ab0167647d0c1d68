package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	"github.com/imrishuroy/storefront-orderflow/internal/handlers"
	"github.com/imrishuroy/storefront-orderflow/internal/logging"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterOrdersRoutes(r, cfg)

	return r
}

// seedProducts loads a JSON array of products into the catalog table.
func seedProducts(ctx context.Context, store *catalog.Store, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var products []catalog.Product
	if err := json.Unmarshal(raw, &products); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range products {
		if err := store.Put(ctx, p); err != nil {
			return i, fmt.Errorf("seed product %s: %w", p.ProductID, err)
		}
	}
	return len(products), nil
}

func main() {
	ctx := context.Background()

	v := config.New()
	cfg, err := config.LoadAPI(v)
	logger := logging.New(v.GetString("log_level"), os.Stderr)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	clients, err := aws.NewAWSClients(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
	if err != nil {
		logger.Error("Failed to init AWS clients", "error", err)
		os.Exit(1)
	}

	if cfg.SeedFile != "" {
		n, err := seedProducts(ctx, catalog.NewStore(clients.DynamoDB, cfg.ProductsTable), cfg.SeedFile)
		if err != nil {
			logger.Error("Seeding products failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Seeded products", "count", n, "table", cfg.ProductsTable)
	}

	r := setupRouter(handlers.HandlerConfig{
		DynamoDBClient:   clients.DynamoDB,
		SQSClient:        clients.SQS,
		IdempotencyTable: cfg.IdempotencyTable,
		OrdersTable:      cfg.OrdersTable,
		ProductsTable:    cfg.ProductsTable,
		QueueURL:         cfg.QueueURL,
		TTLWindow:        cfg.TTLWindow,
		Logger:           logger,
	})

	// RUN_LOCAL serves plain HTTP for development instead of the Lambda runtime.
	if cfg.RunLocal {
		logger.Info("Running local server", "address", cfg.Address)
		if err := r.Run(cfg.Address); err != nil {
			logger.Error("Local server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		// the adapter handles proxying; use adapter.ProxyWithContext for proper context propagation
		return adapter.ProxyWithContext(ctx, req)
	})
}
