package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/admin"
	"escrowflow/auth"
	"escrowflow/broker"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/settlement"
)

func main() {
	ctx := context.Background()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	adminIdentity := os.Getenv("ESCROW_ADMIN")
	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	registry := admin.NewRegistry(admin.NewStore(pool))
	if adminIdentity != "" {
		if err := registry.Bootstrap(ctx, adminIdentity); err != nil {
			log.Fatalf("bootstrap arbitrator: %v", err)
		}
	}

	escrowSvc := escrow.NewService(pool, escrow.NewRepository(), settlement.NewEngine(), registry)

	dispatcher := settlement.NewDispatcher(pool, logTransfer)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		if err := dispatcher.Run(ctx, 2, stop); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatcher stopped: %v", err)
		}
	}()

	server := &Server{
		authService:   auth.NewService(auth.NewRepository(pool), jwtSecret),
		escrowService: escrowSvc,
		escrowReader:  &poolReader{pool: pool},
		brokerService: broker.NewService(broker.NewRepository(pool)),
		adminService:  registry,
	}

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// logTransfer stands in for the external value-transfer rail. Deployments
// replace it with a payment provider client.
func logTransfer(ctx context.Context, destination string, amount int64) error {
	log.Printf("transfer %d to %s", amount, destination)
	return nil
}

// poolReader serves read-only escrow lookups straight off the pool, outside
// any transaction.
type poolReader struct {
	pool *pgxpool.Pool
}

func (r *poolReader) Record(ctx context.Context, id string) (escrow.Record, error) {
	return escrow.FetchRecord(ctx, r.pool, id)
}

func (r *poolReader) Comments(ctx context.Context, id string) ([]escrow.Comment, error) {
	return escrow.FetchComments(ctx, r.pool, id)
}

func (r *poolReader) Transfer(ctx context.Context, id string) (*settlement.Transfer, error) {
	transfer, err := settlement.ByEscrow(ctx, r.pool, id)
	if err != nil {
		if errors.Is(err, settlement.ErrTransferNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transfer, nil
}
