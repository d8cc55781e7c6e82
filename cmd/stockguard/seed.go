package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stockguard/internal/checkout"
	"stockguard/internal/config"
	"stockguard/internal/storage"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo catalogue: one seller, buyers, SKUs with credentials and a promo",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			skus, _ := cmd.Flags().GetInt("skus")
			units, _ := cmd.Flags().GetInt("units")
			buyers, _ := cmd.Flags().GetInt("buyers")
			balance, _ := cmd.Flags().GetString("balance")
			price, _ := cmd.Flags().GetString("price")

			bal, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("--balance: %w", err)
			}
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			return seed(cmd.Context(), cfg, skus, units, buyers, bal, p)
		},
	}

	cmd.Flags().Int("skus", 3, "Number of SKUs to create")
	cmd.Flags().Int("units", 10, "Credentials uploaded per SKU")
	cmd.Flags().IntP("buyers", "b", 50, "Number of buyer accounts")
	cmd.Flags().String("balance", "100.00", "Starting balance per buyer")
	cmd.Flags().String("price", "9.99", "Price per SKU")

	return cmd
}

func seed(ctx context.Context, cfg *config.Config, skus, units, buyers int, balance, price decimal.Decimal) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := storage.PutUser(ctx, a.db, storage.UserRow{ID: "seller-1", Balance: decimal.Zero}); err != nil {
		return err
	}
	for i := 1; i <= buyers; i++ {
		if err := storage.PutUser(ctx, a.db, storage.UserRow{ID: fmt.Sprintf("buyer-%d", i), Balance: balance}); err != nil {
			return err
		}
	}
	if err := storage.PutPromo(ctx, a.db, storage.PromoRow{
		Code:            "WELCOME10",
		DiscountPercent: decimal.NewFromInt(10),
		RemainingUses:   buyers / 2,
		Active:          true,
	}); err != nil {
		return err
	}

	// Secrets are globally unique, so each run mints a fresh batch.
	batch := uuid.NewString()[:8]
	for i := 1; i <= skus; i++ {
		id := fmt.Sprintf("SKU-%d", i)
		if err := storage.PutSKU(ctx, a.db, storage.SKURow{ID: id, Name: "Demo key " + id, Price: price}); err != nil {
			return err
		}
		secrets := make([]string, units)
		for j := range secrets {
			secrets[j] = fmt.Sprintf("%s-%s-%04d", id, batch, j+1)
		}
		res, err := a.svc.UploadInventory(ctx, checkout.UploadRequest{SellerID: "seller-1", SKUID: id, Secrets: secrets})
		if err != nil {
			return fmt.Errorf("upload %s: %w", id, err)
		}
		fmt.Printf("%s: %d credentials\n", res.SKUID, res.UploadedCount)
	}
	fmt.Printf("seeded %d buyers, promo WELCOME10 with %d uses\n", buyers, buyers/2)
	return nil
}
