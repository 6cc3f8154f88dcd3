/*
main.go - Demo data seeder

PURPOSE:
  Populates a database with a small, realistic data set for local
  development: one pensum with policies for its first installments, a
  handful of students with outstanding installments, and one student
  already under a prorroga. Running the engine against this data
  exercises every path (create, update, suspend, resume, close).

COMMAND-LINE FLAGS:
  -db      SQLite database path (default: mora.db, env DB_PATH)

USAGE:
  ./seeder -db=./data/mora.db
  ./server -db=./data/mora.db
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/edupay/mora-engine/mora"
	"github.com/edupay/mora-engine/store/sqlite"
)

func main() {
	dbPath := flag.String("db", envStr("DB_PATH", "mora.db"), "SQLite database path")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// Skip when data already present
	existing, err := store.ListPolicies(ctx)
	if err != nil {
		log.Fatalf("Failed to inspect database: %v", err)
	}
	if len(existing) > 0 {
		log.Printf("Database already has %d policies. Skipping.", len(existing))
		return
	}

	log.Println("--- Seeding demo data ---")

	today := mora.Today()
	policies := mora.NewPolicyService(store)

	// Policies: SIS-2024 pensum, first semester of the current gestion,
	// installments 1-3 with increasing daily penalties.
	for n := 1; n <= 3; n++ {
		p := mora.AccrualPolicy{
			Key: mora.PolicyKey{
				PensumCode:        "SIS-2024",
				InstallmentNumber: n,
				Semester:          "1",
				Period:            fmt.Sprintf("%d", today.Time().Year()),
			},
			DailyPenalty:   mora.MustDecimal(fmt.Sprintf("%d.50", n)),
			EffectiveStart: today.AddDays(-30),
			Active:         true,
		}
		if err := policies.Create(ctx, p); err != nil {
			log.Fatalf("Failed to seed policy for installment %d: %v", n, err)
		}
	}
	log.Println("Seeded 3 accrual policies for pensum SIS-2024")

	// Students with outstanding installments
	type seedInstallment struct {
		student string
		number  int
		status  mora.PaymentStatus
	}
	seeds := []seedInstallment{
		{"student-ana", 1, mora.PaymentPending},
		{"student-ana", 2, mora.PaymentPending},
		{"student-luis", 1, mora.PaymentPartial},
		{"student-maria", 1, mora.PaymentPending},
		{"student-jorge", 1, mora.PaymentPaid},
	}

	period := &mora.InstallmentPeriod{
		Semester: "1",
		Period:   fmt.Sprintf("%d", today.Time().Year()),
	}
	var mariaInstallment string
	for _, s := range seeds {
		inst := mora.Installment{
			ID:                fmt.Sprintf("%s-c%d", s.student, s.number),
			StudentID:         s.student,
			PensumCode:        "SIS-2024",
			InstallmentNumber: s.number,
			PaymentStatus:     s.status,
		}
		if err := store.SaveInstallment(ctx, inst, period); err != nil {
			log.Fatalf("Failed to seed installment %s: %v", inst.ID, err)
		}
		if s.student == "student-maria" {
			mariaInstallment = inst.ID
		}
	}
	log.Printf("Seeded %d installments", len(seeds))

	// Maria is under a prorroga covering today
	win := mora.SuspensionWindow{
		ID:            uuid.NewString(),
		InstallmentID: mariaInstallment,
		Start:         today.AddDays(-2),
		End:           today.AddDays(5),
		Active:        true,
		Reason:        "payment plan agreed with administration",
	}
	if err := store.SaveSuspension(ctx, win); err != nil {
		log.Fatalf("Failed to seed suspension window: %v", err)
	}
	log.Printf("Seeded a prorroga on %s through %s", mariaInstallment, win.End)

	log.Println("--- Done. Run the server or rundaily against this database. ---")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
