package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/db"
	"github.com/hackgods/clinic-scheduling-billing/internal/directory"
	"github.com/hackgods/clinic-scheduling-billing/internal/slots"
)

const (
	doctorCount  = 40
	patientCount = 2000
	rosterDays   = 14
)

var departments = []string{
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

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())
	dir := directory.NewPgDirectory(pool)

	fee := os.Getenv("BASE_FEE")
	if _, err := strconv.ParseInt(fee, 10, 64); err != nil {
		fee = "2000"
	}
	if err := dir.SetSetting(context.Background(), directory.SettingConsultationFee, fee); err != nil {
		log.Fatalf("seed settings: %v", err)
	}

	if err := seedStaff(context.Background(), dir); err != nil {
		log.Fatalf("seed staff: %v", err)
	}
	if err := seedDoctors(context.Background(), dir, doctorCount); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), dir, patientCount); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedStaff(ctx context.Context, dir *directory.PgDirectory) error {
	roles := []actor.Role{actor.RoleStaff, actor.RoleStaff, actor.RoleStaff, actor.RoleManager, actor.RoleAdmin}
	for i, role := range roles {
		a := actor.Actor{ID: fmt.Sprintf("acct-staff-%02d", i+1), Role: role}
		if err := dir.UpsertAccount(ctx, a, gofakeit.Name()); err != nil {
			return err
		}
	}
	log.Printf("staff seeded: %d", len(roles))
	return nil
}

// seedDoctors gives every doctor a weekday roster for the coming fortnight
// with a blocked lunch hour.
func seedDoctors(ctx context.Context, dir *directory.PgDirectory, count int) error {
	log.Printf("seeding %d doctors", count)

	today := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("D-%04d", i+1)
		name := "Dr. " + gofakeit.LastName()
		dept := departments[i%len(departments)]

		if err := dir.UpsertDoctor(ctx, id, name, dept); err != nil {
			return err
		}
		profile := id
		if err := dir.UpsertAccount(ctx, actor.Actor{
			ID:              "acct-" + id,
			Role:            actor.RoleDoctor,
			DoctorProfileID: &profile,
		}, name); err != nil {
			return err
		}

		startHour := gofakeit.Number(8, 10)
		for d := 1; d <= rosterDays; d++ {
			day := today.AddDate(0, 0, d)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			ranges := []slots.RosterRange{
				{StartsAt: day.Add(time.Duration(startHour) * time.Hour), EndsAt: day.Add(time.Duration(startHour+8) * time.Hour), Kind: slots.RangeOpen},
				{StartsAt: day.Add(13 * time.Hour), EndsAt: day.Add(14 * time.Hour), Kind: slots.RangeBlocked},
			}
			for _, r := range ranges {
				if err := dir.AddRosterRange(ctx, id, r); err != nil {
					return err
				}
			}
		}
	}

	log.Println("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, dir *directory.PgDirectory, count int) error {
	log.Printf("seeding %d patients", count)

	const progressEvery = 500

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("P-%05d", i+1)
		p := directory.Patient{
			ID:                 id,
			FullName:           gofakeit.Name(),
			GovernmentEligible: gofakeit.Number(1, 10) == 1,
		}
		if gofakeit.Number(1, 10) <= 4 {
			provider := gofakeit.Company() + " Health"
			p.InsuranceProvider = &provider
		}
		if err := dir.UpsertPatient(ctx, p); err != nil {
			return err
		}

		linked := id
		if err := dir.UpsertAccount(ctx, actor.Actor{
			ID:              "acct-" + id,
			Role:            actor.RolePatient,
			LinkedPatientID: &linked,
		}, p.FullName); err != nil {
			return err
		}

		if (i+1)%progressEvery == 0 {
			log.Printf("patients seeded: %d/%d", i+1, count)
		}
	}

	log.Println("patients seeded")
	return nil
}
