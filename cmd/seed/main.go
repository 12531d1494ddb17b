package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/auth"
	"github.com/xtrntr/agriloop/internal/config"
	"github.com/xtrntr/agriloop/internal/db"
	"github.com/xtrntr/agriloop/internal/impact"
	"github.com/xtrntr/agriloop/internal/logging"
	"github.com/xtrntr/agriloop/internal/market"
	"github.com/xtrntr/agriloop/internal/models"
)

const seedPassword = "password123"

type seedUser struct {
	username, fullName, email string
	role                      models.Role
	city                      string
}

var users = []seedUser{
	{"ravi", "Ravi Kumar", "ravi@agriloop.test", models.RoleSeller, "Karnal"},
	{"meena", "Meena Patil", "meena@agriloop.test", models.RoleSeller, "Nashik"},
	{"greenfuel", "GreenFuel Pellets", "buyer@greenfuel.test", models.RoleBuyer, "Pune"},
	{"biocompost", "BioCompost Co", "orders@biocompost.test", models.RoleBuyer, "Ludhiana"},
}

var listings = []struct {
	seller          int
	name, wasteType string
	weightKg, price string
	location        string
}{
	{0, "Paddy straw bales", "paddy straw", "500", "7500", "Karnal"},
	{0, "Wheat husk", "husk", "200", "1800", "Karnal"},
	{1, "Sugarcane bagasse", "bagasse", "1000", "9000", "Nashik"},
	{1, "Onion peels", "vegetable waste", "80", "400", "Nashik"},
}

// Seed the database with demo sellers, buyers, listings and orders
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(context.Background(), cfg, log); err != nil {
		log.Fatal("Seeding failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	// First check if we already seeded
	if _, err := database.GetUserByEmail(ctx, users[0].email); err == nil {
		log.Info("Database already seeded, nothing to do")
		return nil
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return err
	}

	authService := auth.NewAuthService(database, auth.Options{Secret: cfg.JWTSecret, Logger: log})
	svc := market.NewService(database, impact.Default(), market.Options{Logger: log, EnforceWeight: true})

	ids := make([]int, len(users))
	for i, u := range users {
		city := u.city
		created, err := authService.Signup(ctx, auth.SignupInput{
			Username: u.username,
			FullName: u.fullName,
			Email:    u.email,
			Role:     string(u.role),
			Password: seedPassword,
			City:     &city,
		})
		if err != nil {
			return fmt.Errorf("create user %s: %w", u.username, err)
		}
		if _, _, err := database.MarkVerified(ctx, created.Email); err != nil {
			return err
		}
		ids[i] = created.ID
	}

	listingIDs := make([]int, len(listings))
	for i, l := range listings {
		created, err := svc.CreateListing(ctx, ids[l.seller], market.ListingInput{
			Name:      l.name,
			WasteType: l.wasteType,
			WeightKg:  decimal.RequireFromString(l.weightKg),
			Location:  l.location,
			Price:     decimal.RequireFromString(l.price),
		})
		if err != nil {
			return fmt.Errorf("create listing %q: %w", l.name, err)
		}
		listingIDs[i] = created.ID
	}

	// a completed and a pending order for each buyer
	buyers := []int{ids[2], ids[3]}
	for i, buyerID := range buyers {
		done, err := svc.PlaceOrder(ctx, buyerID, listingIDs[i*2], decimal.NewFromInt(100))
		if err != nil {
			return err
		}
		if _, err := svc.CompleteOrder(ctx, ids[i], done.ID); err != nil {
			return err
		}
		if _, err := svc.PlaceOrder(ctx, buyerID, listingIDs[i*2+1], decimal.NewFromInt(20)); err != nil {
			return err
		}
	}

	// one listing goes through the whole match lifecycle
	if _, err := svc.RequestMatch(ctx, ids[2], listingIDs[3]); err != nil {
		return err
	}
	if _, err := svc.AcceptMatch(ctx, ids[1], listingIDs[3]); err != nil {
		return err
	}

	log.Info("Seeded demo data",
		zap.Int("users", len(users)),
		zap.Int("listings", len(listings)),
		zap.String("password", seedPassword))
	return nil
}
