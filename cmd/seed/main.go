package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-scheduling/internal/db"
	"github.com/hackgods/clinic-appointment-scheduling/internal/logger"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// roles with the share of seeded staff they get; receptionists keep
// schedulable=false since nobody books time with them.
var staffRoles = []struct {
	role        string
	weight      int
	schedulable bool
}{
	{"doctor", 6, true},
	{"specialist", 2, true},
	{"nurse", 1, true},
	{"receptionist", 1, false},
}

func main() {
	_ = godotenv.Load()

	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	applied, err := db.Migrate(context.Background(), pool)
	if err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	if len(applied) > 0 {
		log.Info("schema migrated", zap.Strings("applied", applied))
	}

	if s := os.Getenv("SEED"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			gofakeit.GlobalFaker = gofakeit.New(n)
		}
	}

	if err := seedPractitioners(context.Background(), log, pool, envInt("SEED_PRACTITIONERS", 100)); err != nil {
		log.Fatal("seed practitioners", zap.Error(err))
	}
	if err := seedPatients(context.Background(), log, pool, envInt("SEED_PATIENTS", 9000)); err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}

	log.Info("seed complete")
}

func pickRole() (string, bool) {
	total := 0
	for _, r := range staffRoles {
		total += r.weight
	}
	n := gofakeit.Number(1, total)
	for _, r := range staffRoles {
		if n <= r.weight {
			return r.role, r.schedulable
		}
		n -= r.weight
	}
	return staffRoles[0].role, staffRoles[0].schedulable
}

func seedPractitioners(ctx context.Context, log *zap.Logger, pool *pgxpool.Pool, count int) error {
	log.Info("seeding practitioners", zap.Int("count", count))

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			role, schedulable := pickRole()

			var specialty *string
			if role == "doctor" || role == "specialist" {
				s := gofakeit.RandomString(specialties)
				specialty = &s
			}

			name := gofakeit.Name()
			if role == "doctor" || role == "specialist" {
				name = "Dr. " + gofakeit.LastName()
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO practitioners (id, name, role, specialty, schedulable, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, uuid.New(), name, role, specialty, schedulable)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func seedPatients(ctx context.Context, log *zap.Logger, pool *pgxpool.Pool, count int) error {
	log.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		rows := make([][]any, 0, end-offset)
		for i := offset; i < end; i++ {
			rows = append(rows, []any{uuid.New(), gofakeit.Name(), gofakeit.Email()})
		}

		_, err := pool.CopyFrom(ctx,
			pgx.Identifier{"patients"},
			[]string{"id", "name", "email"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return err
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
